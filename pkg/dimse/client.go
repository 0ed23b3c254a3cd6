package dimse

import (
	"context"
	"fmt"
	"net"
	"time"
)

// AssociateRequest describes an outbound association this gateway wants
// to open as an SCU: to a move destination for C-STORE sub-operations,
// or to test an AE title's reachability with C-ECHO.
type AssociateRequest struct {
	Host               string
	Port               int
	CallingAETitle     string
	CalledAETitle      string
	AbstractSyntax     string
	TransferSyntax     string // single TS to propose; required
	MaxPDULength       uint32
	ConnectTimeout     time.Duration
	AssociationTimeout time.Duration
}

// Associate dials host:port and negotiates a single presentation context
// proposing exactly one transfer syntax, as required for the C-MOVE
// download→store pipeline (§4.D: "no association is opened before its
// original transfer syntax is known").
func Associate(ctx context.Context, req AssociateRequest) (*Association, error) {
	if req.MaxPDULength == 0 {
		req.MaxPDULength = 16384
	}
	connectTimeout := req.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	addr := fmt.Sprintf("%s:%d", req.Host, req.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, NewError(KindTimeout, fmt.Sprintf("dial %s", addr), err)
	}

	assocTimeout := req.AssociationTimeout
	if assocTimeout == 0 {
		assocTimeout = 30 * time.Second
	}
	_ = conn.SetDeadline(time.Now().Add(assocTimeout))

	params := AssociateParams{
		CalledAETitle:          req.CalledAETitle,
		CallingAETitle:         req.CallingAETitle,
		ApplicationContextName: ApplicationContextName,
		MaxPDULength:           req.MaxPDULength,
		PresentationContexts: []PresentationContext{
			{ID: 1, AbstractSyntax: req.AbstractSyntax, TransferSyntaxes: []string{req.TransferSyntax}},
		},
	}

	if err := writePDU(conn, PDUTypeAssociateRQ, EncodeAssociateRQ(params)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dimse: send A-ASSOCIATE-RQ: %w", err)
	}

	pduType, payload, err := readPDU(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dimse: awaiting A-ASSOCIATE response: %w", err)
	}

	switch pduType {
	case PDUTypeAssociateAC:
		ac, err := DecodeAssociateAC(payload)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("dimse: decode A-ASSOCIATE-AC: %w", err)
		}
		_ = conn.SetDeadline(time.Time{})
		// The AC carries no abstract syntax; restore it from the proposal
		// by presentation context ID.
		for i := range ac.PresentationContexts {
			for _, proposed := range params.PresentationContexts {
				if ac.PresentationContexts[i].ID == proposed.ID {
					ac.PresentationContexts[i].AbstractSyntax = proposed.AbstractSyntax
				}
			}
		}
		assoc := &Association{
			conn:                 conn,
			CallingAETitle:       req.CallingAETitle,
			CalledAETitle:        req.CalledAETitle,
			PresentationContexts: ac.PresentationContexts,
			PeerMaxPDULength:     ac.MaxPDULength,
		}
		if pc, ok := assoc.FindAcceptedContext(req.AbstractSyntax); !ok || pc.Result != PresentationResultAccepted {
			conn.Close()
			return nil, NewError(KindPresentationContextRejected, fmt.Sprintf("abstract syntax %s rejected by %s", req.AbstractSyntax, req.CalledAETitle), nil)
		}
		return assoc, nil

	case PDUTypeAssociateRJ:
		conn.Close()
		return nil, NewError(KindPresentationContextRejected, fmt.Sprintf("association rejected by %s", req.CalledAETitle), nil)

	default:
		conn.Close()
		return nil, fmt.Errorf("dimse: unexpected PDU type 0x%02x during association", pduType)
	}
}

// Echo performs a C-ECHO over an already-established association and
// returns the response status.
func (a *Association) Echo(ctx context.Context) (uint16, error) {
	pc, ok := a.FindAcceptedContext(VerificationSOPClass)
	if !ok {
		return 0, NewError(KindPresentationContextRejected, "verification context not negotiated", nil)
	}

	messageID := a.NextMessageID()
	cmd := NewDataSet()
	cmd.SetString(TagAffectedSOPClassUID, VerificationSOPClass)
	cmd.SetUint16(TagCommandField, CommandCEchoRQ)
	cmd.SetUint16(TagMessageID, messageID)
	cmd.SetUint16(TagCommandDataSetType, CommandDataSetTypeNull)

	if err := a.Send(pc.ID, cmd, nil); err != nil {
		return 0, fmt.Errorf("dimse: send C-ECHO-RQ: %w", err)
	}

	msg, err := a.Receive()
	if err != nil {
		return 0, fmt.Errorf("dimse: receive C-ECHO-RSP: %w", err)
	}
	return msg.Command.GetUint16(TagStatus), nil
}

// Store performs a C-STORE of dataset (the Part-10 payload, minus its
// preamble/file-meta, as raw Implicit/Explicit VR dataset bytes) over an
// already-established association whose accepted context matches
// sopClassUID, and returns the response status.
func (a *Association) Store(sopClassUID, sopInstanceUID string, dataset []byte) (uint16, error) {
	pc, ok := a.FindAcceptedContext(sopClassUID)
	if !ok {
		return 0, NewError(KindPresentationContextRejected, fmt.Sprintf("no accepted context for %s", sopClassUID), nil)
	}

	messageID := a.NextMessageID()
	cmd := NewDataSet()
	cmd.SetString(TagAffectedSOPClassUID, sopClassUID)
	cmd.SetUint16(TagCommandField, CommandCStoreRQ)
	cmd.SetUint16(TagMessageID, messageID)
	cmd.SetUint16(TagPriority, 0)
	cmd.SetUint16(TagCommandDataSetType, 1) // non-null: a data set follows
	cmd.SetString(TagAffectedSOPInstanceUID, sopInstanceUID)

	if err := a.Send(pc.ID, cmd, dataset); err != nil {
		return 0, fmt.Errorf("dimse: send C-STORE-RQ: %w", err)
	}

	msg, err := a.Receive()
	if err != nil {
		return 0, fmt.Errorf("dimse: receive C-STORE-RSP: %w", err)
	}
	return msg.Command.GetUint16(TagStatus), nil
}
