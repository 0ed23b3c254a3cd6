package dimse

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Association is one established DICOM association, usable for either
// the SCP role (accepted inbound) or the SCU role (dialed outbound).
// Its write path is internally serialized: concurrent callers issuing
// C-STORE responses or C-MOVE progress updates on the same association
// do not need their own locking.
type Association struct {
	conn               net.Conn
	CallingAETitle     string
	CalledAETitle      string
	PresentationContexts []PresentationContext
	PeerMaxPDULength   uint32

	writeMu   sync.Mutex
	messageID uint32
}

// FindAcceptedContext returns the accepted presentation context for
// abstractSyntax, if any.
func (a *Association) FindAcceptedContext(abstractSyntax string) (PresentationContext, bool) {
	for _, pc := range a.PresentationContexts {
		if pc.AbstractSyntax == abstractSyntax && pc.Accepted() {
			return pc, true
		}
	}
	return PresentationContext{}, false
}

// ContextByID returns the presentation context with the given ID.
func (a *Association) ContextByID(id byte) (PresentationContext, bool) {
	for _, pc := range a.PresentationContexts {
		if pc.ID == id {
			return pc, true
		}
	}
	return PresentationContext{}, false
}

// NextMessageID returns a fresh, monotonically increasing message ID for
// outbound RQ commands on this association.
func (a *Association) NextMessageID() uint16 {
	return uint16(atomic.AddUint32(&a.messageID, 1))
}

// Send writes one DIMSE command (and optional data set) on presContextID.
// Safe for concurrent callers; writes are serialized.
func (a *Association) Send(presContextID byte, command *DataSet, dataset []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return SendMessage(a.conn, presContextID, command, dataset, a.PeerMaxPDULength)
}

// Receive reads the next full DIMSE message from the peer.
func (a *Association) Receive() (*ReceivedMessage, error) {
	return ReceiveMessage(a.conn)
}

// SetDeadline forwards to the underlying connection.
func (a *Association) SetDeadline(t time.Time) error { return a.conn.SetDeadline(t) }

// RemoteAddr returns the peer's network address.
func (a *Association) RemoteAddr() net.Addr { return a.conn.RemoteAddr() }

// Release performs a graceful A-RELEASE exchange and closes the
// connection. Safe to call more than once.
func (a *Association) Release() error {
	a.writeMu.Lock()
	err := writePDU(a.conn, PDUTypeReleaseRQ, nil)
	a.writeMu.Unlock()
	if err != nil {
		_ = a.conn.Close()
		return fmt.Errorf("dimse: send A-RELEASE-RQ: %w", err)
	}

	_ = a.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	pduType, _, err := readPDU(a.conn)
	closeErr := a.conn.Close()
	if err != nil {
		return fmt.Errorf("dimse: awaiting A-RELEASE-RP: %w", err)
	}
	if pduType != PDUTypeReleaseRP {
		return fmt.Errorf("dimse: expected A-RELEASE-RP, got PDU type 0x%02x", pduType)
	}
	return closeErr
}

// Abort sends an A-ABORT and closes the connection immediately.
func (a *Association) Abort() error {
	a.writeMu.Lock()
	_ = writePDU(a.conn, PDUTypeAbort, EncodeAbort(0, 0))
	a.writeMu.Unlock()
	return a.conn.Close()
}
