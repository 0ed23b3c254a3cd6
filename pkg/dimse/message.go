package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
)

// defaultFragmentSize bounds how much value data one PDV item carries
// when the peer's negotiated max PDU length is unknown or zero.
const defaultFragmentSize = 16000

// SendMessage writes command (and, if non-nil, dataset) as one or more
// P-DATA-TF PDUs on presContextID. Each PDV item in this implementation
// carries at most one fragment's worth of bytes; large datasets are
// split across multiple PDUs bounded by maxPDULength, matching the
// peer's advertised limit from A-ASSOCIATE-RQ/AC.
func SendMessage(w io.Writer, presContextID byte, command *DataSet, dataset []byte, maxPDULength uint32) error {
	fragSize := int(maxPDULength)
	if fragSize <= 12 {
		fragSize = defaultFragmentSize
	} else {
		fragSize -= 12 // PDU header (6) + PDV length/header (6)
	}

	if err := sendFragments(w, presContextID, command.Encode(), mchCommandBit, fragSize); err != nil {
		return fmt.Errorf("dimse: send command: %w", err)
	}
	if dataset != nil {
		if err := sendFragments(w, presContextID, dataset, 0, fragSize); err != nil {
			return fmt.Errorf("dimse: send dataset: %w", err)
		}
	}
	return nil
}

func sendFragments(w io.Writer, presContextID byte, data []byte, mchBase byte, fragSize int) error {
	if len(data) == 0 {
		return sendPDV(w, presContextID, mchBase|mchLastBit, nil)
	}
	for offset := 0; offset < len(data); offset += fragSize {
		end := offset + fragSize
		if end > len(data) {
			end = len(data)
		}
		mch := mchBase
		if end == len(data) {
			mch |= mchLastBit
		}
		if err := sendPDV(w, presContextID, mch, data[offset:end]); err != nil {
			return err
		}
	}
	return nil
}

func sendPDV(w io.Writer, presContextID, mch byte, data []byte) error {
	pdv := make([]byte, 2, 2+len(data))
	pdv[0] = presContextID
	pdv[1] = mch
	pdv = append(pdv, data...)

	payload := make([]byte, 4, 4+len(pdv))
	binary.BigEndian.PutUint32(payload[0:4], uint32(len(pdv)))
	payload = append(payload, pdv...)

	return writePDU(w, PDUTypePDataTF, payload)
}

// ReceivedMessage is a fully reassembled DIMSE command plus its optional
// accompanying data set, read off one presentation context.
type ReceivedMessage struct {
	PresContextID byte
	Command       *DataSet
	Dataset       []byte
}

// ReceiveMessage reads P-DATA-TF PDUs from r until a full command (and,
// if CommandDataSetType signals one follows, its data set) has been
// reassembled.
func ReceiveMessage(r io.Reader) (*ReceivedMessage, error) {
	var presContextID byte
	var commandBuf []byte
	var command *DataSet
	var datasetBuf []byte
	wantDataset := false
	commandDone := false

	for {
		pduType, payload, err := readPDU(r)
		if err != nil {
			return nil, err
		}
		if pduType != PDUTypePDataTF {
			return nil, fmt.Errorf("dimse: expected P-DATA-TF, got PDU type 0x%02x", pduType)
		}

		offset := 0
		for offset < len(payload) {
			if offset+4 > len(payload) {
				return nil, fmt.Errorf("dimse: truncated PDV item")
			}
			pdvLen := binary.BigEndian.Uint32(payload[offset : offset+4])
			offset += 4
			if offset+int(pdvLen) > len(payload) {
				return nil, fmt.Errorf("dimse: PDV length %d exceeds PDU payload", pdvLen)
			}
			if pdvLen < 2 {
				return nil, fmt.Errorf("dimse: PDV too short: %d bytes", pdvLen)
			}
			presContextID = payload[offset]
			mch := payload[offset+1]
			data := payload[offset+2 : offset+int(pdvLen)]
			offset += int(pdvLen)

			if mch&mchCommandBit != 0 {
				commandBuf = append(commandBuf, data...)
				if mch&mchLastBit != 0 {
					command, err = DecodeDataSet(commandBuf)
					if err != nil {
						return nil, fmt.Errorf("dimse: decode command: %w", err)
					}
					commandDone = true
					wantDataset = command.GetUint16(TagCommandDataSetType) != CommandDataSetTypeNull
					if !wantDataset {
						return &ReceivedMessage{PresContextID: presContextID, Command: command}, nil
					}
				}
			} else {
				datasetBuf = append(datasetBuf, data...)
				if mch&mchLastBit != 0 {
					return &ReceivedMessage{PresContextID: presContextID, Command: command, Dataset: datasetBuf}, nil
				}
			}
		}

		_ = commandDone
		if commandDone && !wantDataset {
			return &ReceivedMessage{PresContextID: presContextID, Command: command}, nil
		}
	}
}
