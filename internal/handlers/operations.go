package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/mado-gateway/internal/aedirectory"
	"github.com/otcheredev/mado-gateway/internal/instancecache"
	"github.com/otcheredev/mado-gateway/internal/metadatacache"
	"github.com/otcheredev/mado-gateway/internal/scp"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

// OperationsHandler serves the gateway's own management surface: engine
// status/lifecycle, instance-cache inspection, and an AE connectivity
// test. It replaces the teacher's PACS-config CRUD with control of this
// gateway's own mutable state (spec.md §6 "Operational surface").
type OperationsHandler struct {
	engine    *scp.Engine
	metadata  *metadatacache.Cache
	instances *instancecache.Cache
	directory *aedirectory.Directory
	callingAE string
}

func NewOperationsHandler(engine *scp.Engine, metadata *metadatacache.Cache, instances *instancecache.Cache, directory *aedirectory.Directory, callingAE string) *OperationsHandler {
	return &OperationsHandler{
		engine:    engine,
		metadata:  metadata,
		instances: instances,
		directory: directory,
		callingAE: callingAE,
	}
}

type statusResponse struct {
	Running              bool                   `json:"running"`
	AETitle              string                 `json:"ae_title"`
	Port                 int                    `json:"port"`
	MaxParallelDownloads int                    `json:"max_parallel_downloads"`
	MaxParallelStores    int                    `json:"max_parallel_stores"`
	CachedStudies        int                    `json:"cached_studies"`
	InstanceCache        instancecache.Stats    `json:"instance_cache"`
}

// Status reports the engine's current operational state.
func (h *OperationsHandler) Status(w http.ResponseWriter, r *http.Request) {
	s := h.engine.StatusSnapshot()
	writeJSON(w, http.StatusOK, statusResponse{
		Running:              s.Running,
		AETitle:              s.AETitle,
		Port:                 s.Port,
		MaxParallelDownloads: s.MaxParallelDownloads,
		MaxParallelStores:    s.MaxParallelStores,
		CachedStudies:        s.CachedStudies,
		InstanceCache:        s.InstanceCache,
	})
}

// StartEngine starts the SCP engine's accept loop.
func (h *OperationsHandler) StartEngine(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Start(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.StatusSnapshot())
}

// StopEngine unbinds the SCP engine's listener.
func (h *OperationsHandler) StopEngine(w http.ResponseWriter, r *http.Request) {
	h.engine.Stop()
	writeJSON(w, http.StatusOK, h.engine.StatusSnapshot())
}

// ClearCache empties the metadata cache and the instance byte cache.
func (h *OperationsHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.metadata.Clear()
	h.instances.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// CacheStats reports the instance cache's counters plus cached study
// count.
func (h *OperationsHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		CachedStudies int                 `json:"cached_studies"`
		Instances     instancecache.Stats `json:"instances"`
	}{
		CachedStudies: h.metadata.Len(),
		Instances:     h.instances.Stats(),
	})
}

type aeTestRequest struct {
	AETitle string `json:"ae_title"`
}

type aeTestResponse struct {
	AETitle string `json:"ae_title"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

// TestConnection opens a throwaway association against a configured AE
// title and performs a C-ECHO, reporting whether the destination
// answered Success. Mirrors the teacher's ManagementHandler.TestConnection
// against this gateway's own AE directory instead of a stored PACS
// config.
func (h *OperationsHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req aeTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AETitle == "" {
		http.Error(w, "ae_title is required", http.StatusBadRequest)
		return
	}

	host, port, err := h.directory.Resolve(req.AETitle)
	if err != nil {
		writeJSON(w, http.StatusOK, aeTestResponse{AETitle: req.AETitle, Status: "unknown_destination", Detail: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	assoc, err := dimse.Associate(ctx, dimse.AssociateRequest{
		Host:           host,
		Port:           port,
		CallingAETitle: h.callingAE,
		CalledAETitle:  req.AETitle,
		AbstractSyntax: dimse.VerificationSOPClass,
		TransferSyntax: dimse.TransferSyntaxImplicitVRLittleEndian,
	})
	if err != nil {
		writeJSON(w, http.StatusOK, aeTestResponse{AETitle: req.AETitle, Host: host, Port: port, Status: "unreachable", Detail: err.Error()})
		return
	}
	defer assoc.Release()

	status, err := assoc.Echo(ctx)
	if err != nil {
		writeJSON(w, http.StatusOK, aeTestResponse{AETitle: req.AETitle, Host: host, Port: port, Status: "error", Detail: err.Error()})
		return
	}
	if status != dimse.StatusSuccess {
		writeJSON(w, http.StatusOK, aeTestResponse{AETitle: req.AETitle, Host: host, Port: port, Status: "failed"})
		return
	}
	writeJSON(w, http.StatusOK, aeTestResponse{AETitle: req.AETitle, Host: host, Port: port, Status: "ok"})
}

// ListAE returns every registered AE directory entry.
func (h *OperationsHandler) ListAE(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.directory.List())
}

type putAERequest struct {
	AETitle     string `json:"ae_title"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Description string `json:"description"`
}

// PutAE registers or replaces an AE directory entry.
func (h *OperationsHandler) PutAE(w http.ResponseWriter, r *http.Request) {
	var req putAERequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AETitle == "" || req.Host == "" || req.Port == 0 {
		http.Error(w, "ae_title, host and port are required", http.StatusBadRequest)
		return
	}
	entry := h.directory.Put(req.AETitle, req.Host, req.Port, req.Description)
	writeJSON(w, http.StatusOK, entry)
}

// RemoveAE deletes an AE directory entry by title.
func (h *OperationsHandler) RemoveAE(w http.ResponseWriter, r *http.Request) {
	h.directory.Remove(chi.URLParam(r, "aeTitle"))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response body")
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	var kind dimse.Kind
	if de, ok := err.(*dimse.Error); ok {
		kind = de.Kind
	}
	status := http.StatusInternalServerError
	if kind == dimse.KindPortInUse {
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
