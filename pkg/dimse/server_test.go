package dimse

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type echoOnlyHandler struct{}

func (echoOnlyHandler) HandleEcho(ctx context.Context, assoc *Association, msg *ReceivedMessage) error {
	messageID := msg.Command.GetUint16(TagMessageID)
	rsp := NewDataSet()
	rsp.SetUint16(TagCommandField, CommandCEchoRSP)
	rsp.SetUint16(TagMessageIDBeingRespondedTo, messageID)
	rsp.SetUint16(TagCommandDataSetType, CommandDataSetTypeNull)
	rsp.SetUint16(TagStatus, StatusSuccess)
	return assoc.Send(msg.PresContextID, rsp, nil)
}

func (echoOnlyHandler) HandleFind(ctx context.Context, assoc *Association, msg *ReceivedMessage) error {
	return nil
}

func (echoOnlyHandler) HandleMove(ctx context.Context, assoc *Association, msg *ReceivedMessage) error {
	return nil
}

func TestServeAndAssociateEcho(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	server := &Server{
		AETitle:            "MADOSCP",
		Handler:            echoOnlyHandler{},
		Logger:             zerolog.Nop(),
		MaxPDULength:       16384,
		AssociationTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(ctx, listener) }()

	addr := listener.Addr().(*net.TCPAddr)

	assoc, err := Associate(context.Background(), AssociateRequest{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		CallingAETitle: "TESTSCU",
		CalledAETitle:  "MADOSCP",
		AbstractSyntax: VerificationSOPClass,
		TransferSyntax: TransferSyntaxImplicitVRLittleEndian,
	})
	if err != nil {
		t.Fatalf("Associate: %v", err)
	}
	defer assoc.Release()

	status, err := assoc.Echo(context.Background())
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if status != StatusSuccess {
		t.Errorf("Echo status = 0x%04x, want Success", status)
	}

	cancel()
	<-serveDone
}

func TestAssociateRejectsUnsupportedAbstractSyntax(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	server := &Server{
		AETitle:            "MADOSCP",
		Handler:            echoOnlyHandler{},
		Logger:             zerolog.Nop(),
		MaxPDULength:       16384,
		AssociationTimeout: 5 * time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, listener)

	addr := listener.Addr().(*net.TCPAddr)
	_, err = Associate(context.Background(), AssociateRequest{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		CallingAETitle: "TESTSCU",
		CalledAETitle:  "MADOSCP",
		AbstractSyntax: "1.2.840.10008.5.1.4.1.1.2", // CT Image Storage: not offered
		TransferSyntax: TransferSyntaxImplicitVRLittleEndian,
	})
	if err == nil {
		t.Fatal("expected Associate to fail for unsupported abstract syntax")
	}
	if !IsKind(err, KindPresentationContextRejected) {
		t.Errorf("err = %v, want KindPresentationContextRejected", err)
	}
}
