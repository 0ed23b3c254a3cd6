package dimse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler dispatches the DIMSE commands this gateway's SCP engine
// supports. Implementations run on the accepting connection's own
// goroutine; C-MOVE implementations are expected to spawn their own
// worker pools internally and only return once the final response has
// been sent.
type Handler interface {
	HandleEcho(ctx context.Context, assoc *Association, msg *ReceivedMessage) error
	HandleFind(ctx context.Context, assoc *Association, msg *ReceivedMessage) error
	HandleMove(ctx context.Context, assoc *Association, msg *ReceivedMessage) error
}

// OfferedContexts returns the presentation contexts this gateway offers
// as an SCP: Verification, and Patient-Root/Study-Root Query/Retrieve
// Find and Move, each with the three standard uncompressed transfer
// syntaxes.
func OfferedContexts() []PresentationContext {
	abstractSyntaxes := []string{
		VerificationSOPClass,
		PatientRootFindSOPClass,
		PatientRootMoveSOPClass,
		StudyRootFindSOPClass,
		StudyRootMoveSOPClass,
	}
	contexts := make([]PresentationContext, len(abstractSyntaxes))
	for i, as := range abstractSyntaxes {
		contexts[i] = PresentationContext{
			ID:               byte(1 + 2*i),
			AbstractSyntax:   as,
			TransferSyntaxes: DefaultTransferSyntaxes,
		}
	}
	return contexts
}

// Server accepts inbound associations and dispatches DIMSE commands to
// Handler. Modeled on a plain accept-loop-per-connection TCP server: one
// goroutine per association, a WaitGroup drained on Serve's return.
type Server struct {
	AETitle            string
	Handler            Handler
	Logger             zerolog.Logger
	MaxPDULength       uint32
	AssociationTimeout time.Duration
	MaxAssociations    int

	mu     sync.Mutex
	active int
}

// ListenAndServe binds address and serves until ctx is cancelled. A bind
// failure whose underlying cause is "address already in use" is returned
// as a *Error of KindPortInUse so callers can surface a distinct message.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			return NewError(KindPortInUse, address, err)
		}
		return err
	}
	defer listener.Close()
	return s.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.Handler == nil {
		return errors.New("dimse: server handler is required")
	}
	if s.AETitle == "" {
		return errors.New("dimse: server AE title is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.Logger.Info().Str("address", listener.Addr().String()).Str("ae_title", s.AETitle).Msg("DIMSE SCP listening")

	var wg sync.WaitGroup
	var serveErr error

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			serveErr = err
			break
		}

		if s.MaxAssociations > 0 && !s.acquireSlot() {
			s.Logger.Warn().Str("remote_addr", conn.RemoteAddr().String()).Msg("rejecting association: max-associations reached")
			_ = writePDU(conn, PDUTypeAssociateRJ, EncodeAssociateRJ(1, 2, 2))
			conn.Close()
			continue
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			if s.MaxAssociations > 0 {
				defer s.releaseSlot()
			}
			s.handleConnection(ctx, c)
		}(conn)
	}

	wg.Wait()
	if serveErr != nil {
		return serveErr
	}
	return ctx.Err()
}

func (s *Server) acquireSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.MaxAssociations {
		return false
	}
	s.active++
	return true
}

func (s *Server) releaseSlot() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.Logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()

	timeout := s.AssociationTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))

	pduType, payload, err := readPDU(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read A-ASSOCIATE-RQ")
		return
	}
	if pduType != PDUTypeAssociateRQ {
		logger.Warn().Uint8("pdu_type", pduType).Msg("expected A-ASSOCIATE-RQ")
		_ = writePDU(conn, PDUTypeAbort, EncodeAbort(0, 0))
		return
	}

	rq, err := DecodeAssociateRQ(payload)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to decode A-ASSOCIATE-RQ")
		_ = writePDU(conn, PDUTypeAbort, EncodeAbort(0, 0))
		return
	}

	negotiated := negotiate(rq.PresentationContexts)

	ac := AssociateParams{
		CalledAETitle:          s.AETitle,
		CallingAETitle:         rq.CallingAETitle,
		ApplicationContextName: rq.ApplicationContextName,
		PresentationContexts:   negotiated,
		MaxPDULength:           s.MaxPDULength,
	}
	if err := writePDU(conn, PDUTypeAssociateAC, EncodeAssociateAC(ac)); err != nil {
		logger.Warn().Err(err).Msg("failed to send A-ASSOCIATE-AC")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	assoc := &Association{
		conn:                 conn,
		CallingAETitle:       rq.CallingAETitle,
		CalledAETitle:        s.AETitle,
		PresentationContexts: negotiated,
		PeerMaxPDULength:     rq.MaxPDULength,
	}

	logger.Info().Str("calling_ae", rq.CallingAETitle).Msg("association accepted")

	for {
		msg, err := assoc.Receive()
		if err != nil {
			logger.Info().Err(err).Msg("association ended")
			return
		}

		if err := s.dispatch(ctx, assoc, msg); err != nil {
			logger.Warn().Err(err).Msg("handler error")
		}
	}
}

func (s *Server) dispatch(ctx context.Context, assoc *Association, msg *ReceivedMessage) error {
	switch msg.Command.GetUint16(TagCommandField) {
	case CommandCEchoRQ:
		return s.Handler.HandleEcho(ctx, assoc, msg)
	case CommandCFindRQ:
		return s.Handler.HandleFind(ctx, assoc, msg)
	case CommandCMoveRQ:
		return s.Handler.HandleMove(ctx, assoc, msg)
	case 0x0000:
		// Command field absent: peer likely sent A-RELEASE-RQ/A-ABORT,
		// which Receive's PDU-type check would already have surfaced as
		// an error; treat defensively as a no-op.
		return nil
	default:
		return fmt.Errorf("dimse: unsupported command field 0x%04x", msg.Command.GetUint16(TagCommandField))
	}
}

// negotiate picks, for each proposed context whose abstract syntax we
// offer, the first proposed transfer syntax we also support; contexts
// for abstract syntaxes we don't support are marked rejected but still
// echo back a transfer syntax, matching what DCMTK/Orthanc emit and what
// lenient SCUs expect to find in the AC.
func negotiate(proposed []PresentationContext) []PresentationContext {
	offered := OfferedContexts()
	offeredByAS := make(map[string]bool, len(offered))
	for _, pc := range offered {
		offeredByAS[pc.AbstractSyntax] = true
	}

	result := make([]PresentationContext, 0, len(proposed))
	for _, pc := range proposed {
		out := PresentationContext{ID: pc.ID, AbstractSyntax: pc.AbstractSyntax}

		if !offeredByAS[pc.AbstractSyntax] {
			out.Result = PresentationResultAbstractSyntaxNotSupported
			if len(pc.TransferSyntaxes) > 0 {
				out.TransferSyntaxes = []string{pc.TransferSyntaxes[0]}
			}
			result = append(result, out)
			continue
		}

		accepted := ""
		for _, ts := range pc.TransferSyntaxes {
			for _, supported := range DefaultTransferSyntaxes {
				if ts == supported {
					accepted = ts
					break
				}
			}
			if accepted != "" {
				break
			}
		}

		if accepted == "" {
			out.Result = PresentationResultTransferSyntaxNotSupported
			if len(pc.TransferSyntaxes) > 0 {
				out.TransferSyntaxes = []string{pc.TransferSyntaxes[0]}
			}
		} else {
			out.Result = PresentationResultAccepted
			out.TransferSyntaxes = []string{accepted}
		}
		result = append(result, out)
	}
	return result
}
