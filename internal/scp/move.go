package scp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/otcheredev/mado-gateway/internal/dicomutil"
	"github.com/otcheredev/mado-gateway/internal/models"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

const firstInstanceTimeout = 60 * time.Second

// HandleMove orchestrates one C-MOVE request: validation, bucketing by
// (seriesInstanceUID, sopClassUID), and the sequential per-bucket
// download→store pipeline, per spec.md §4.D.
func (e *Engine) HandleMove(ctx context.Context, assoc *dimse.Association, msg *dimse.ReceivedMessage) error {
	sopClassUID := msg.Command.GetString(dimse.TagAffectedSOPClassUID)
	messageID := msg.Command.GetUint16(dimse.TagMessageID)
	moveDestination := strings.TrimSpace(msg.Command.GetString(dimse.TagMoveDestination))

	respond := func(status uint16, remaining, completed, failed int) error {
		if err := e.sendMoveResponse(assoc, msg.PresContextID, sopClassUID, messageID, status, remaining, completed, failed); err != nil {
			return fmt.Errorf("scp: send C-MOVE-RSP: %w", err)
		}
		return nil
	}

	if moveDestination == "" {
		return respond(dimse.StatusInvalidArgumentValue, 0, 0, 0)
	}

	identifier, err := dimse.DecodeDataSet(msg.Dataset)
	if err != nil {
		return respond(dimse.StatusIdentifierDoesNotMatchSOPClass, 0, 0, 0)
	}

	studyUID := identifier.GetString(dimse.TagStudyInstanceUID)
	if studyUID == "" {
		return respond(dimse.StatusIdentifierDoesNotMatchSOPClass, 0, 0, 0)
	}
	seriesFilter := identifier.GetString(dimse.TagSeriesInstanceUID)
	sopFilter := identifier.GetString(dimse.TagSOPInstanceUID)

	destHost, destPort, err := e.directory.Resolve(moveDestination)
	if err != nil {
		return respond(dimse.StatusMoveDestinationUnknown, 0, 0, 0)
	}

	study, err := e.metadata.GetOrFetch(ctx, studyUID)
	if err != nil {
		e.logger.Warn().Err(err).Str("study_instance_uid", studyUID).Msg("failed to fetch study for C-MOVE")
		return respond(dimse.StatusUnableToProcess, 0, 0, 0)
	}

	order, grouped := groupInstances(study, seriesFilter, sopFilter)
	expected := 0
	for _, key := range order {
		expected += len(grouped[key])
	}

	progress := &moveProgress{
		engine:        e,
		assoc:         assoc,
		presContextID: msg.PresContextID,
		sopClassUID:   sopClassUID,
		messageID:     messageID,
		expected:      expected,
	}

	if err := respond(dimse.StatusPending, expected, 0, 0); err != nil {
		return err
	}

	for _, key := range order {
		e.processBucket(ctx, key, grouped[key], destHost, destPort, moveDestination, progress)
	}

	completed, failed := progress.snapshot()
	finalStatus := dimse.StatusSuccess
	if failed > 0 {
		finalStatus = dimse.StatusUnableToProcess
	}
	return respond(finalStatus, 0, completed, failed)
}

// groupInstances buckets study's instances (after the series/SOP
// filters) by AssociationKey, preserving first-seen order.
func groupInstances(study *models.StudyMetadata, seriesFilter, sopFilter string) ([]models.AssociationKey, map[models.AssociationKey][]*models.InstanceMetadata) {
	var order []models.AssociationKey
	grouped := make(map[models.AssociationKey][]*models.InstanceMetadata)

	for _, s := range study.Series {
		if seriesFilter != "" && s.SeriesInstanceUID != seriesFilter {
			continue
		}
		for _, inst := range s.Instances {
			if sopFilter != "" && inst.SOPInstanceUID != sopFilter {
				continue
			}
			key := models.AssociationKey{SeriesInstanceUID: inst.SeriesInstanceUID, SOPClassUID: inst.SOPClassUID}
			if _, ok := grouped[key]; !ok {
				order = append(order, key)
			}
			grouped[key] = append(grouped[key], inst)
		}
	}
	return order, grouped
}

// moveProgress serializes the C-MOVE progress counters and their
// corresponding Pending responses on the originating association,
// satisfying §5's "progress-write path must be serialized" invariant.
type moveProgress struct {
	engine        *Engine
	assoc         *dimse.Association
	presContextID byte
	sopClassUID   string
	messageID     uint16
	expected      int

	mu        sync.Mutex
	completed int
	failed    int
}

func (p *moveProgress) recordOutcome(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.completed++
	} else {
		p.failed++
	}
	completed, failed := p.completed, p.failed

	remaining := p.expected - completed - failed
	if err := p.engine.sendMoveResponse(p.assoc, p.presContextID, p.sopClassUID, p.messageID, dimse.StatusPending, remaining, completed, failed); err != nil {
		p.engine.logger.Warn().Err(err).Msg("failed to emit C-MOVE progress response")
	}
}

func (p *moveProgress) snapshot() (completed, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed, p.failed
}

type downloadedInstance struct {
	inst           *models.InstanceMetadata
	dataset        []byte
	transferSyntax string
}

// processBucket runs the download→store pipeline for one
// (seriesInstanceUID, sopClassUID) bucket: a bounded queue fed by a
// download pool, consumed by a store pool that shares one outbound
// association opened with the transfer syntax observed on the first
// downloaded instance.
func (e *Engine) processBucket(ctx context.Context, key models.AssociationKey, instances []*models.InstanceMetadata, destHost string, destPort int, moveDestination string, progress *moveProgress) {
	bucketSize := len(instances)
	if bucketSize == 0 {
		return
	}

	downloadCtx, cancelDownloads := context.WithCancel(ctx)
	defer cancelDownloads()

	queueCap := 2 * e.cfg.MaxParallelStores
	if queueCap <= 0 {
		queueCap = 2
	}
	queue := make(chan downloadedInstance, queueCap)

	maxDownloads := e.cfg.MaxParallelDownloads
	if maxDownloads <= 0 {
		maxDownloads = 1
	}
	if maxDownloads > bucketSize {
		maxDownloads = bucketSize
	}
	sem := make(chan struct{}, maxDownloads)

	var downloadWG sync.WaitGroup
	for _, inst := range instances {
		downloadWG.Add(1)
		go func(inst *models.InstanceMetadata) {
			defer downloadWG.Done()

			select {
			case sem <- struct{}{}:
			case <-downloadCtx.Done():
				progress.recordOutcome(false)
				return
			}
			defer func() { <-sem }()

			dataset, ts, err := e.downloadInstance(downloadCtx, inst)
			if err != nil {
				e.logger.Warn().Err(err).Str("sop_instance_uid", inst.SOPInstanceUID).Msg("WADO-RS download failed")
				progress.recordOutcome(false)
				return
			}

			select {
			case queue <- downloadedInstance{inst: inst, dataset: dataset, transferSyntax: ts}:
			case <-downloadCtx.Done():
				progress.recordOutcome(false)
			}
		}(inst)
	}

	// Closing queue once every download goroutine has returned is this
	// implementation's sentinel: range-until-closed on the consumer side
	// plays the role the design notes describe for a distinct completion
	// marker, without needing one encoded as a value.
	go func() {
		downloadWG.Wait()
		close(queue)
	}()

	var first downloadedInstance
	gotFirst := false
	select {
	case item, ok := <-queue:
		if ok {
			first = item
			gotFirst = true
		}
	case <-time.After(firstInstanceTimeout):
	case <-ctx.Done():
	}

	if !gotFirst {
		cancelDownloads()
		drainAsFailed(queue, progress)
		return
	}

	outAssoc, err := dimse.Associate(ctx, dimse.AssociateRequest{
		Host:           destHost,
		Port:           destPort,
		CallingAETitle: e.cfg.AETitle,
		CalledAETitle:  moveDestination,
		AbstractSyntax: key.SOPClassUID,
		TransferSyntax: first.transferSyntax,
		MaxPDULength:   e.cfg.MaxPDULength,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("move_destination", moveDestination).Str("sop_class_uid", key.SOPClassUID).Msg("outbound association rejected")
		progress.recordOutcome(false)
		cancelDownloads()
		drainAsFailed(queue, progress)
		return
	}
	defer func() {
		if err := outAssoc.Release(); err != nil {
			e.logger.Warn().Err(err).Msg("outbound association release failed")
		}
	}()

	storeOne := func(item downloadedInstance) {
		status, err := outAssoc.Store(item.inst.SOPClassUID, item.inst.SOPInstanceUID, item.dataset)
		ok := err == nil && status == dimse.StatusSuccess
		if !ok {
			e.logger.Warn().Err(err).Uint16("status", status).Str("sop_instance_uid", item.inst.SOPInstanceUID).Msg("C-STORE failed")
		}
		progress.recordOutcome(ok)
	}

	storeOne(first)

	storeWorkers := e.cfg.MaxParallelStores
	if storeWorkers <= 0 {
		storeWorkers = 1
	}
	var storeWG sync.WaitGroup
	for i := 0; i < storeWorkers; i++ {
		storeWG.Add(1)
		go func() {
			defer storeWG.Done()
			for item := range queue {
				storeOne(item)
			}
		}()
	}
	storeWG.Wait()
}

// drainAsFailed consumes every item still arriving on queue (downloads
// that completed but will never be stored) and counts each as failed.
func drainAsFailed(queue <-chan downloadedInstance, progress *moveProgress) {
	for range queue {
		progress.recordOutcome(false)
	}
}

// downloadInstance returns an instance's main dataset bytes (Part-10
// preamble and file meta stripped) and its transfer syntax, consulting
// the instance cache before falling back to a WADO-RS retrieve.
func (e *Engine) downloadInstance(ctx context.Context, inst *models.InstanceMetadata) ([]byte, string, error) {
	if cached, ok := e.instances.Get(inst.SOPInstanceUID); ok {
		meta, dataset, err := dicomutil.SplitFileMeta(cached)
		if err != nil {
			return nil, "", fmt.Errorf("scp: cached blob for %s: %w", inst.SOPInstanceUID, err)
		}
		return dataset, meta.TransferSyntaxUID, nil
	}

	retrieveURL := inst.RetrieveURL
	if retrieveURL == "" {
		retrieveURL = e.wado.InstanceURL(inst.StudyInstanceUID, inst.SeriesInstanceUID, inst.SOPInstanceUID)
	}

	blobs, err := e.wado.RetrieveInstance(ctx, retrieveURL)
	if err != nil {
		return nil, "", err
	}
	if len(blobs) == 0 {
		return nil, "", fmt.Errorf("scp: WADO-RS response for %s contained no instances", inst.SOPInstanceUID)
	}
	if len(blobs) > 1 {
		e.logger.Warn().Str("sop_instance_uid", inst.SOPInstanceUID).Int("count", len(blobs)).Msg("WADO-RS returned more than one instance for a single-instance retrieve")
	}

	blob := blobs[0]
	e.instances.Put(inst.SOPInstanceUID, blob)

	meta, dataset, err := dicomutil.SplitFileMeta(blob)
	if err != nil {
		return nil, "", fmt.Errorf("scp: downloaded blob for %s: %w", inst.SOPInstanceUID, err)
	}
	return dataset, meta.TransferSyntaxUID, nil
}

// sendMoveResponse emits one C-MOVE-RSP on the originating association.
func (e *Engine) sendMoveResponse(assoc *dimse.Association, presContextID byte, sopClassUID string, messageID uint16, status uint16, remaining, completed, failed int) error {
	cmd := dimse.NewDataSet()
	cmd.SetString(dimse.TagAffectedSOPClassUID, sopClassUID)
	cmd.SetUint16(dimse.TagCommandField, dimse.CommandCMoveRSP)
	cmd.SetUint16(dimse.TagMessageIDBeingRespondedTo, messageID)
	cmd.SetUint16(dimse.TagCommandDataSetType, dimse.CommandDataSetTypeNull)
	cmd.SetUint16(dimse.TagStatus, status)
	cmd.SetUint16(dimse.TagNumberOfRemainingSubOps, clampUint16(remaining))
	cmd.SetUint16(dimse.TagNumberOfCompletedSubOps, clampUint16(completed))
	cmd.SetUint16(dimse.TagNumberOfFailedSubOps, clampUint16(failed))
	cmd.SetUint16(dimse.TagNumberOfWarningSubOps, 0)
	return assoc.Send(presContextID, cmd, nil)
}

func clampUint16(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > 0xFFFF {
		return 0xFFFF
	}
	return uint16(v)
}
