package scp

import (
	"context"
	"fmt"

	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

// HandleFind dispatches the request's QueryRetrieveLevel to the
// metadata cache, emits one Pending response per matching entity with
// the request-key filter applied, and a final terminal response, per
// spec.md §4.D.
func (e *Engine) HandleFind(ctx context.Context, assoc *dimse.Association, msg *dimse.ReceivedMessage) error {
	sopClassUID := msg.Command.GetString(dimse.TagAffectedSOPClassUID)
	messageID := msg.Command.GetUint16(dimse.TagMessageID)

	identifier, err := dimse.DecodeDataSet(msg.Dataset)
	if err != nil {
		return e.sendFindFinal(assoc, msg.PresContextID, sopClassUID, messageID, dimse.StatusProcessingFailure)
	}

	level := queryRetrieveLevel(identifier)
	keys := keysFromIdentifier(identifier)

	var attrs []*dimse.DataSet
	switch level {
	case levelStudy, levelPatient:
		studies, ferr := e.metadata.FindStudies(ctx, keys)
		if ferr != nil {
			return e.sendFindFinal(assoc, msg.PresContextID, sopClassUID, messageID, dimse.StatusProcessingFailure)
		}
		for _, s := range studies {
			attrs = append(attrs, studyAttrs(s, level))
		}
	case levelSeries:
		series, ferr := e.metadata.FindSeries(ctx, keys)
		if ferr != nil {
			return e.sendFindFinal(assoc, msg.PresContextID, sopClassUID, messageID, dimse.StatusProcessingFailure)
		}
		for _, s := range series {
			attrs = append(attrs, seriesAttrs(s, level))
		}
	case levelImage, levelInstance:
		instances, ferr := e.metadata.FindInstances(ctx, keys)
		if ferr != nil {
			return e.sendFindFinal(assoc, msg.PresContextID, sopClassUID, messageID, dimse.StatusProcessingFailure)
		}
		for _, i := range instances {
			attrs = append(attrs, instanceAttrs(i, level))
		}
	default:
		return e.sendFindFinal(assoc, msg.PresContextID, sopClassUID, messageID, dimse.StatusUnrecognizedOperation)
	}

	for _, full := range attrs {
		filtered := filterResponse(full, identifier)
		if err := e.sendFindPending(assoc, msg.PresContextID, sopClassUID, messageID, filtered); err != nil {
			return err
		}
	}
	return e.sendFindFinal(assoc, msg.PresContextID, sopClassUID, messageID, dimse.StatusSuccess)
}

func (e *Engine) sendFindPending(assoc *dimse.Association, presContextID byte, sopClassUID string, messageID uint16, identifier *dimse.DataSet) error {
	cmd := dimse.NewDataSet()
	cmd.SetString(dimse.TagAffectedSOPClassUID, sopClassUID)
	cmd.SetUint16(dimse.TagCommandField, dimse.CommandCFindRSP)
	cmd.SetUint16(dimse.TagMessageIDBeingRespondedTo, messageID)
	cmd.SetUint16(dimse.TagCommandDataSetType, 1)
	cmd.SetUint16(dimse.TagStatus, dimse.StatusPending)

	if err := assoc.Send(presContextID, cmd, identifier.Encode()); err != nil {
		return fmt.Errorf("scp: send C-FIND-RSP (pending): %w", err)
	}
	return nil
}

func (e *Engine) sendFindFinal(assoc *dimse.Association, presContextID byte, sopClassUID string, messageID uint16, status uint16) error {
	cmd := dimse.NewDataSet()
	cmd.SetString(dimse.TagAffectedSOPClassUID, sopClassUID)
	cmd.SetUint16(dimse.TagCommandField, dimse.CommandCFindRSP)
	cmd.SetUint16(dimse.TagMessageIDBeingRespondedTo, messageID)
	cmd.SetUint16(dimse.TagCommandDataSetType, dimse.CommandDataSetTypeNull)
	cmd.SetUint16(dimse.TagStatus, status)

	if err := assoc.Send(presContextID, cmd, nil); err != nil {
		return fmt.Errorf("scp: send C-FIND-RSP (final): %w", err)
	}
	return nil
}
