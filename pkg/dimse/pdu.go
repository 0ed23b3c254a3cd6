package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PresentationContext is one (abstract syntax, transfer syntax) pairing
// offered in an A-ASSOCIATE-RQ, or its negotiated outcome in the AC.
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string // proposed (RQ); exactly one entry once accepted (AC)
	Result           byte     // meaningful on AC only
}

// Accepted reports whether the negotiated result is PresentationResultAccepted.
func (p PresentationContext) Accepted() bool {
	return p.Result == PresentationResultAccepted
}

// AssociateParams carries everything negotiated during association
// establishment, shared by both RQ and AC encode/decode paths.
type AssociateParams struct {
	CalledAETitle             string
	CallingAETitle            string
	ApplicationContextName    string
	PresentationContexts      []PresentationContext
	MaxPDULength               uint32
	ImplementationClassUID    string
	ImplementationVersionName string
}

func padAET(aet string) []byte {
	b := make([]byte, 16)
	for i := range b {
		b[i] = ' '
	}
	copy(b, aet)
	return b
}

func trimAET(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

// writePDU writes a complete PDU: 1-byte type, 1-byte reserved, 4-byte
// big-endian length, then payload.
func writePDU(w io.Writer, pduType byte, payload []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	header[1] = 0
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("dimse: write PDU header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("dimse: write PDU payload: %w", err)
	}
	return nil
}

// readPDU reads one complete PDU from r.
func readPDU(r io.Reader) (pduType byte, payload []byte, err error) {
	header := make([]byte, 6)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	pduType = header[0]
	length := binary.BigEndian.Uint32(header[2:6])
	payload = make([]byte, length)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("dimse: read PDU payload (type 0x%02x, length %d): %w", pduType, length, err)
	}
	return pduType, payload, nil
}

func writeItem(itemType byte, payload []byte) []byte {
	item := make([]byte, 4, 4+len(payload))
	item[0] = itemType
	item[1] = 0
	binary.BigEndian.PutUint16(item[2:4], uint16(len(payload)))
	return append(item, payload...)
}

func readItem(data []byte, offset int) (itemType byte, payload []byte, next int, err error) {
	if offset+4 > len(data) {
		return 0, nil, offset, fmt.Errorf("dimse: truncated item header at offset %d", offset)
	}
	itemType = data[offset]
	length := binary.BigEndian.Uint16(data[offset+2 : offset+4])
	start := offset + 4
	end := start + int(length)
	if end > len(data) {
		return 0, nil, offset, fmt.Errorf("dimse: item at offset %d declares length %d beyond buffer", offset, length)
	}
	return itemType, data[start:end], end, nil
}

// EncodeAssociateRQ builds an A-ASSOCIATE-RQ PDU.
func EncodeAssociateRQ(p AssociateParams) []byte {
	payload := make([]byte, 0, 256)
	payload = append(payload, 0x00, 0x01) // protocol version
	payload = append(payload, 0x00, 0x00) // reserved
	payload = append(payload, padAET(p.CalledAETitle)...)
	payload = append(payload, padAET(p.CallingAETitle)...)
	payload = append(payload, make([]byte, 32)...)

	payload = append(payload, writeItem(ItemTypeApplicationContext, []byte(p.ApplicationContextName))...)

	for _, pc := range p.PresentationContexts {
		var body []byte
		body = append(body, pc.ID, 0, 0, 0)
		body = append(body, writeItem(ItemTypeAbstractSyntax, []byte(pc.AbstractSyntax))...)
		for _, ts := range pc.TransferSyntaxes {
			body = append(body, writeItem(ItemTypeTransferSyntax, []byte(ts))...)
		}
		payload = append(payload, writeItem(ItemTypePresentationContextRQ, body)...)
	}

	payload = append(payload, encodeUserInformation(p)...)
	return payload
}

// DecodeAssociateRQ parses an A-ASSOCIATE-RQ PDU payload.
func DecodeAssociateRQ(payload []byte) (AssociateParams, error) {
	var p AssociateParams
	if len(payload) < 68 {
		return p, fmt.Errorf("dimse: A-ASSOCIATE-RQ too short: %d bytes", len(payload))
	}
	p.CalledAETitle = trimAET(payload[4:20])
	p.CallingAETitle = trimAET(payload[20:36])

	offset := 68
	for offset < len(payload) {
		itemType, body, next, err := readItem(payload, offset)
		if err != nil {
			return p, err
		}
		offset = next

		switch itemType {
		case ItemTypeApplicationContext:
			p.ApplicationContextName = string(body)
		case ItemTypePresentationContextRQ:
			pc, err := decodePresentationContextRQ(body)
			if err != nil {
				return p, err
			}
			p.PresentationContexts = append(p.PresentationContexts, pc)
		case ItemTypeUserInformation:
			decodeUserInformation(body, &p)
		}
	}
	return p, nil
}

func decodePresentationContextRQ(body []byte) (PresentationContext, error) {
	var pc PresentationContext
	if len(body) < 4 {
		return pc, fmt.Errorf("dimse: presentation context item too short")
	}
	pc.ID = body[0]
	offset := 4
	for offset < len(body) {
		itemType, itemBody, next, err := readItem(body, offset)
		if err != nil {
			return pc, err
		}
		offset = next
		switch itemType {
		case ItemTypeAbstractSyntax:
			pc.AbstractSyntax = string(itemBody)
		case ItemTypeTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, string(itemBody))
		}
	}
	return pc, nil
}

// EncodeAssociateAC builds an A-ASSOCIATE-AC PDU. Only accepted contexts
// are expected to carry a single transfer syntax; rejected contexts echo
// back the first proposed transfer syntax, matching what DCMTK/Orthanc
// emit and what lenient SCUs expect to see.
func EncodeAssociateAC(p AssociateParams) []byte {
	payload := make([]byte, 0, 256)
	payload = append(payload, 0x00, 0x01)
	payload = append(payload, 0x00, 0x00)
	payload = append(payload, padAET(p.CalledAETitle)...)
	payload = append(payload, padAET(p.CallingAETitle)...)
	payload = append(payload, make([]byte, 32)...)

	payload = append(payload, writeItem(ItemTypeApplicationContext, []byte(p.ApplicationContextName))...)

	for _, pc := range p.PresentationContexts {
		ts := ""
		if len(pc.TransferSyntaxes) > 0 {
			ts = pc.TransferSyntaxes[0]
		}
		body := []byte{pc.ID, 0, pc.Result, 0}
		body = append(body, writeItem(ItemTypeTransferSyntax, []byte(ts))...)
		payload = append(payload, writeItem(ItemTypePresentationContextAC, body)...)
	}

	payload = append(payload, encodeUserInformation(p)...)
	return payload
}

// DecodeAssociateAC parses an A-ASSOCIATE-AC PDU payload.
func DecodeAssociateAC(payload []byte) (AssociateParams, error) {
	var p AssociateParams
	if len(payload) < 68 {
		return p, fmt.Errorf("dimse: A-ASSOCIATE-AC too short: %d bytes", len(payload))
	}
	p.CalledAETitle = trimAET(payload[4:20])
	p.CallingAETitle = trimAET(payload[20:36])

	offset := 68
	for offset < len(payload) {
		itemType, body, next, err := readItem(payload, offset)
		if err != nil {
			return p, err
		}
		offset = next

		switch itemType {
		case ItemTypeApplicationContext:
			p.ApplicationContextName = string(body)
		case ItemTypePresentationContextAC:
			if len(body) < 4 {
				return p, fmt.Errorf("dimse: presentation context AC item too short")
			}
			pc := PresentationContext{ID: body[0], Result: body[2]}
			inner := 4
			for inner < len(body) {
				itemType, itemBody, next, err := readItem(body, inner)
				if err != nil {
					return p, err
				}
				inner = next
				if itemType == ItemTypeTransferSyntax {
					pc.TransferSyntaxes = append(pc.TransferSyntaxes, string(itemBody))
				}
			}
			p.PresentationContexts = append(p.PresentationContexts, pc)
		case ItemTypeUserInformation:
			decodeUserInformation(body, &p)
		}
	}
	return p, nil
}

func encodeUserInformation(p AssociateParams) []byte {
	var body []byte

	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, p.MaxPDULength)
	body = append(body, writeItem(ItemTypeMaxLength, maxLen)...)

	implClassUID := p.ImplementationClassUID
	if implClassUID == "" {
		implClassUID = ImplementationClassUID
	}
	body = append(body, writeItem(ItemTypeImplementationClassUID, []byte(implClassUID))...)

	implVersion := p.ImplementationVersionName
	if implVersion == "" {
		implVersion = ImplementationVersionName
	}
	body = append(body, writeItem(ItemTypeImplementationVersion, []byte(implVersion))...)

	return writeItem(ItemTypeUserInformation, body)
}

func decodeUserInformation(body []byte, p *AssociateParams) {
	offset := 0
	for offset < len(body) {
		itemType, itemBody, next, err := readItem(body, offset)
		if err != nil {
			return
		}
		offset = next
		switch itemType {
		case ItemTypeMaxLength:
			if len(itemBody) >= 4 {
				p.MaxPDULength = binary.BigEndian.Uint32(itemBody)
			}
		case ItemTypeImplementationClassUID:
			p.ImplementationClassUID = string(itemBody)
		case ItemTypeImplementationVersion:
			p.ImplementationVersionName = string(itemBody)
		}
	}
}

// EncodeAssociateRJ builds an A-ASSOCIATE-RJ PDU payload.
func EncodeAssociateRJ(result, source, reason byte) []byte {
	return []byte{0x00, result, source, reason}
}

// EncodeAbort builds an A-ABORT PDU payload.
func EncodeAbort(source, reason byte) []byte {
	return []byte{0x00, 0x00, source, reason}
}
