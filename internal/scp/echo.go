package scp

import (
	"context"
	"fmt"

	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

// HandleEcho answers a C-ECHO-RQ with an unconditional Success, per
// spec.md §4.D.
func (e *Engine) HandleEcho(ctx context.Context, assoc *dimse.Association, msg *dimse.ReceivedMessage) error {
	resp := dimse.NewDataSet()
	resp.SetString(dimse.TagAffectedSOPClassUID, msg.Command.GetString(dimse.TagAffectedSOPClassUID))
	resp.SetUint16(dimse.TagCommandField, dimse.CommandCEchoRSP)
	resp.SetUint16(dimse.TagMessageIDBeingRespondedTo, msg.Command.GetUint16(dimse.TagMessageID))
	resp.SetUint16(dimse.TagCommandDataSetType, dimse.CommandDataSetTypeNull)
	resp.SetUint16(dimse.TagStatus, dimse.StatusSuccess)

	if err := assoc.Send(msg.PresContextID, resp, nil); err != nil {
		return fmt.Errorf("scp: send C-ECHO-RSP: %w", err)
	}
	return nil
}
