// Package scp is the DIMSE SCP engine: it accepts inbound associations
// via pkg/dimse, answers C-ECHO and C-FIND directly, and for C-MOVE
// drives the WADO-RS download → DIMSE C-STORE streaming pipeline.
package scp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcheredev/mado-gateway/internal/aedirectory"
	"github.com/otcheredev/mado-gateway/internal/instancecache"
	"github.com/otcheredev/mado-gateway/internal/metadatacache"
	"github.com/otcheredev/mado-gateway/internal/wadoclient"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

// Config is the engine's static configuration, sourced from
// internal/config at process start and reused for every outbound
// association the C-MOVE pipeline opens.
type Config struct {
	AETitle              string
	Port                 int
	MaxPDULength         uint32
	AssociationTimeout   time.Duration
	MaxAssociations      int
	MaxParallelDownloads int
	MaxParallelStores    int
}

// Status is the snapshot reported by the operational status endpoint.
type Status struct {
	Running              bool
	AETitle              string
	Port                 int
	MaxParallelDownloads int
	MaxParallelStores    int
	CachedStudies        int
	InstanceCache        instancecache.Stats
}

// Engine wires the metadata cache, instance cache, WADO-RS client and AE
// directory into a running DIMSE SCP.
type Engine struct {
	cfg       Config
	metadata  *metadatacache.Cache
	instances *instancecache.Cache
	wado      *wadoclient.Client
	directory *aedirectory.Directory
	logger    zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// New builds an Engine. It does not start listening until Start is
// called.
func New(cfg Config, metadata *metadatacache.Cache, instances *instancecache.Cache, wado *wadoclient.Client, directory *aedirectory.Directory, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		metadata:  metadata,
		instances: instances,
		wado:      wado,
		directory: directory,
		logger:    logger,
	}
}

// Start binds the configured TCP port and begins accepting associations
// in the background. It is idempotent: calling Start while already
// running logs a warning and returns nil.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		e.logger.Warn().Msg("scp engine start requested while already running")
		return nil
	}

	address := fmt.Sprintf(":%d", e.cfg.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			return dimse.NewError(dimse.KindPortInUse, address, err)
		}
		return err
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	server := &dimse.Server{
		AETitle:            e.cfg.AETitle,
		Handler:            e,
		Logger:             e.logger,
		MaxPDULength:       e.cfg.MaxPDULength,
		AssociationTimeout: e.cfg.AssociationTimeout,
		MaxAssociations:    e.cfg.MaxAssociations,
	}

	doneCh := make(chan struct{})
	e.cancel = cancel
	e.doneCh = doneCh
	e.running = true

	go func() {
		defer close(doneCh)
		if err := server.Serve(serveCtx, listener); err != nil && serveCtx.Err() == nil {
			e.logger.Error().Err(err).Msg("scp engine serve loop exited with error")
		}
	}()

	e.logger.Info().Str("address", address).Str("ae_title", e.cfg.AETitle).Msg("scp engine started")
	return nil
}

// Stop unbinds the listener and waits for in-flight associations'
// accept loop to exit. Outstanding C-MOVE pipelines are not forcibly
// killed; they observe context cancellation on their own I/O.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	doneCh := e.doneCh
	e.running = false
	e.mu.Unlock()

	cancel()
	<-doneCh
	e.logger.Info().Msg("scp engine stopped")
}

// StatusSnapshot reports the engine's current operational state for the
// management API.
func (e *Engine) StatusSnapshot() Status {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	return Status{
		Running:              running,
		AETitle:              e.cfg.AETitle,
		Port:                 e.cfg.Port,
		MaxParallelDownloads: e.cfg.MaxParallelDownloads,
		MaxParallelStores:    e.cfg.MaxParallelStores,
		CachedStudies:        e.metadata.Len(),
		InstanceCache:        e.instances.Stats(),
	}
}
