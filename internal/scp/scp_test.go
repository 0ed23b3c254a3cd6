package scp

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcheredev/mado-gateway/internal/aedirectory"
	"github.com/otcheredev/mado-gateway/internal/instancecache"
	"github.com/otcheredev/mado-gateway/internal/metadatacache"
	"github.com/otcheredev/mado-gateway/internal/mhdclient"
	"github.com/otcheredev/mado-gateway/internal/models"
	"github.com/otcheredev/mado-gateway/internal/wadoclient"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

// fakeManifestSource is a metadatacache.ManifestSource test double. Only
// the method the test needs actually behaves; the other panics if
// reached, so an accidental extra upstream call fails loudly.
type fakeManifestSource struct {
	docs []mhdclient.DocumentReference
}

func (f *fakeManifestSource) SearchDocumentReferences(ctx context.Context, params mhdclient.SearchParams) ([]mhdclient.DocumentReference, error) {
	return f.docs, nil
}

func (f *fakeManifestSource) RetrieveManifestBytes(ctx context.Context, studyUID string) ([]byte, error) {
	panic("RetrieveManifestBytes should not be called by this test")
}

func newTestEngine(t *testing.T, source metadatacache.ManifestSource, directory *aedirectory.Directory, wado *wadoclient.Client) *Engine {
	t.Helper()
	cfg := Config{
		AETitle:              "MADOSCP",
		MaxPDULength:         16384,
		AssociationTimeout:   5 * time.Second,
		MaxParallelDownloads: 4,
		MaxParallelStores:    2,
	}
	metadata := metadatacache.New(source, 5*time.Minute)
	instances := instancecache.New(64<<20, 10*time.Minute, true)
	if directory == nil {
		directory = aedirectory.New("", 0)
	}
	return New(cfg, metadata, instances, wado, directory, zerolog.Nop())
}

func startTestServer(t *testing.T, engine *Engine) *net.TCPAddr {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	server := &dimse.Server{
		AETitle:            "MADOSCP",
		Handler:            engine,
		Logger:             zerolog.Nop(),
		MaxPDULength:       16384,
		AssociationTimeout: 5 * time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Serve(ctx, listener)
	return listener.Addr().(*net.TCPAddr)
}

func TestHandleEchoReturnsSuccess(t *testing.T) {
	engine := newTestEngine(t, &fakeManifestSource{}, nil, wadoclient.New("http://unused.invalid"))
	addr := startTestServer(t, engine)

	assoc, err := dimse.Associate(context.Background(), dimse.AssociateRequest{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		CallingAETitle: "TESTSCU",
		CalledAETitle:  "MADOSCP",
		AbstractSyntax: dimse.VerificationSOPClass,
		TransferSyntax: dimse.TransferSyntaxImplicitVRLittleEndian,
	})
	if err != nil {
		t.Fatalf("Associate: %v", err)
	}
	defer assoc.Release()

	status, err := assoc.Echo(context.Background())
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if status != dimse.StatusSuccess {
		t.Errorf("Echo status = 0x%04x, want Success", status)
	}
}

// TestHandleFindStudyFiltersAttributes exercises S2 from spec.md §8: a
// STUDY-level C-FIND with PatientID and QueryRetrieveLevel as the only
// request keys must echo back only those two attributes per result, in
// result order, followed by a terminal Success.
func TestHandleFindStudyFiltersAttributes(t *testing.T) {
	source := &fakeManifestSource{docs: []mhdclient.DocumentReference{
		{StudyInstanceUID: "1.2.3.4.5.6.7.8.2", PatientID: "PAT-001", ModalitiesInStudy: []string{"CT"}},
		{StudyInstanceUID: "1.2.3.4.5.6.7.8.20", PatientID: "PAT-001", ModalitiesInStudy: []string{"MR"}},
	}}
	engine := newTestEngine(t, source, nil, wadoclient.New("http://unused.invalid"))
	addr := startTestServer(t, engine)

	assoc, err := dimse.Associate(context.Background(), dimse.AssociateRequest{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		CallingAETitle: "TESTSCU",
		CalledAETitle:  "MADOSCP",
		AbstractSyntax: dimse.StudyRootFindSOPClass,
		TransferSyntax: dimse.TransferSyntaxImplicitVRLittleEndian,
	})
	if err != nil {
		t.Fatalf("Associate: %v", err)
	}
	defer assoc.Release()

	pc, ok := assoc.FindAcceptedContext(dimse.StudyRootFindSOPClass)
	if !ok {
		t.Fatal("STUDY-root FIND context not accepted")
	}

	identifier := dimse.NewDataSet()
	identifier.SetString(dimse.TagPatientID, "PAT-001")
	identifier.SetString(dimse.TagQueryRetrieveLevel, "STUDY")

	messageID := assoc.NextMessageID()
	cmd := dimse.NewDataSet()
	cmd.SetString(dimse.TagAffectedSOPClassUID, dimse.StudyRootFindSOPClass)
	cmd.SetUint16(dimse.TagCommandField, dimse.CommandCFindRQ)
	cmd.SetUint16(dimse.TagMessageID, messageID)
	cmd.SetUint16(dimse.TagCommandDataSetType, 1)

	if err := assoc.Send(pc.ID, cmd, identifier.Encode()); err != nil {
		t.Fatalf("send C-FIND-RQ: %v", err)
	}

	var pendingCount int
	for {
		msg, err := assoc.Receive()
		if err != nil {
			t.Fatalf("receive C-FIND-RSP: %v", err)
		}
		status := msg.Command.GetUint16(dimse.TagStatus)
		if status == dimse.StatusSuccess {
			break
		}
		if status != dimse.StatusPending {
			t.Fatalf("unexpected status 0x%04x", status)
		}
		pendingCount++

		rsp, err := dimse.DecodeDataSet(msg.Dataset)
		if err != nil {
			t.Fatalf("decode pending response dataset: %v", err)
		}
		wantTags := map[dimse.Tag]bool{
			dimse.TagPatientID:           true,
			dimse.TagQueryRetrieveLevel: true,
		}
		for _, tg := range rsp.Tags() {
			if !wantTags[tg] {
				t.Errorf("pending response carries unrequested tag %v", tg)
			}
		}
		if rsp.GetString(dimse.TagPatientID) != "PAT-001" {
			t.Errorf("PatientID = %q, want PAT-001", rsp.GetString(dimse.TagPatientID))
		}
		if rsp.GetString(dimse.TagQueryRetrieveLevel) != "STUDY" {
			t.Errorf("QueryRetrieveLevel = %q, want STUDY", rsp.GetString(dimse.TagQueryRetrieveLevel))
		}
	}
	if pendingCount != 2 {
		t.Errorf("pendingCount = %d, want 2", pendingCount)
	}
}

func TestHandleMoveRejectsEmptyDestination(t *testing.T) {
	engine := newTestEngine(t, &fakeManifestSource{}, nil, wadoclient.New("http://unused.invalid"))
	addr := startTestServer(t, engine)

	status := sendMoveAndGetFinalStatus(t, addr, "", "1.2.3")
	if status != dimse.StatusInvalidArgumentValue {
		t.Errorf("status = 0x%04x, want StatusInvalidArgumentValue", status)
	}
}

func TestHandleMoveRejectsMissingStudyUID(t *testing.T) {
	engine := newTestEngine(t, &fakeManifestSource{}, nil, wadoclient.New("http://unused.invalid"))
	addr := startTestServer(t, engine)

	status := sendMoveAndGetFinalStatus(t, addr, "DEST", "")
	if status != dimse.StatusIdentifierDoesNotMatchSOPClass {
		t.Errorf("status = 0x%04x, want StatusIdentifierDoesNotMatchSOPClass", status)
	}
}

func TestHandleMoveRejectsUnknownDestination(t *testing.T) {
	engine := newTestEngine(t, &fakeManifestSource{}, nil, wadoclient.New("http://unused.invalid"))
	addr := startTestServer(t, engine)

	status := sendMoveAndGetFinalStatus(t, addr, "NOWHERE", "1.2.3")
	if status != dimse.StatusMoveDestinationUnknown {
		t.Errorf("status = 0x%04x, want StatusMoveDestinationUnknown", status)
	}
}

// sendMoveAndGetFinalStatus opens an association to addr, issues a
// single C-MOVE-RQ, drains Pending responses, and returns the terminal
// response's status.
func sendMoveAndGetFinalStatus(t *testing.T, addr *net.TCPAddr, moveDestination, studyUID string) uint16 {
	t.Helper()
	assoc, err := dimse.Associate(context.Background(), dimse.AssociateRequest{
		Host:           "127.0.0.1",
		Port:           addr.Port,
		CallingAETitle: "TESTSCU",
		CalledAETitle:  "MADOSCP",
		AbstractSyntax: dimse.StudyRootMoveSOPClass,
		TransferSyntax: dimse.TransferSyntaxImplicitVRLittleEndian,
	})
	if err != nil {
		t.Fatalf("Associate: %v", err)
	}
	defer assoc.Release()

	pc, ok := assoc.FindAcceptedContext(dimse.StudyRootMoveSOPClass)
	if !ok {
		t.Fatal("STUDY-root MOVE context not accepted")
	}

	identifier := dimse.NewDataSet()
	identifier.SetString(dimse.TagQueryRetrieveLevel, "STUDY")
	if studyUID != "" {
		identifier.SetString(dimse.TagStudyInstanceUID, studyUID)
	}

	messageID := assoc.NextMessageID()
	cmd := dimse.NewDataSet()
	cmd.SetString(dimse.TagAffectedSOPClassUID, dimse.StudyRootMoveSOPClass)
	cmd.SetUint16(dimse.TagCommandField, dimse.CommandCMoveRQ)
	cmd.SetUint16(dimse.TagMessageID, messageID)
	cmd.SetUint16(dimse.TagCommandDataSetType, 1)
	cmd.SetString(dimse.TagMoveDestination, moveDestination)

	if err := assoc.Send(pc.ID, cmd, identifier.Encode()); err != nil {
		t.Fatalf("send C-MOVE-RQ: %v", err)
	}

	for {
		msg, err := assoc.Receive()
		if err != nil {
			t.Fatalf("receive C-MOVE-RSP: %v", err)
		}
		status := msg.Command.GetUint16(dimse.TagStatus)
		if status != dimse.StatusPending {
			return status
		}
	}
}

// --- processBucket pipeline test, using hand-rolled wire helpers to
// stand in for an external C-STORE SCP (out of this module's scope). ---

func writeRawPDU(w io.Writer, pduType byte, payload []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readRawPDU(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}

// fakeStoreDestination stands in for the external move-destination SCP:
// it accepts exactly one association, accepts whatever single
// presentation context is proposed, answers every C-STORE-RQ with
// Success, records the datasets it received, then releases.
type fakeStoreDestination struct {
	received chan storedInstance
}

type storedInstance struct {
	sopClassUID    string
	sopInstanceUID string
	dataset        []byte
}

func startFakeStoreDestination(t *testing.T) (*net.TCPAddr, *fakeStoreDestination) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	dest := &fakeStoreDestination{received: make(chan storedInstance, 8)}

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dest.serve(conn)
	}()

	return listener.Addr().(*net.TCPAddr), dest
}

func (d *fakeStoreDestination) serve(conn net.Conn) {
	pduType, payload, err := readRawPDU(conn)
	if err != nil || pduType != dimse.PDUTypeAssociateRQ {
		return
	}
	rq, err := dimse.DecodeAssociateRQ(payload)
	if err != nil {
		return
	}

	accepted := make([]dimse.PresentationContext, len(rq.PresentationContexts))
	for i, pc := range rq.PresentationContexts {
		ts := ""
		if len(pc.TransferSyntaxes) > 0 {
			ts = pc.TransferSyntaxes[0]
		}
		accepted[i] = dimse.PresentationContext{
			ID:               pc.ID,
			AbstractSyntax:   pc.AbstractSyntax,
			TransferSyntaxes: []string{ts},
			Result:           dimse.PresentationResultAccepted,
		}
	}

	ac := dimse.AssociateParams{
		CalledAETitle:          rq.CalledAETitle,
		CallingAETitle:         rq.CallingAETitle,
		ApplicationContextName: dimse.ApplicationContextName,
		MaxPDULength:           16384,
		PresentationContexts:   accepted,
	}
	if err := writeRawPDU(conn, dimse.PDUTypeAssociateAC, dimse.EncodeAssociateAC(ac)); err != nil {
		return
	}

	for {
		msg, err := dimse.ReceiveMessage(conn)
		if err != nil {
			// Peer almost certainly sent A-RELEASE-RQ; the PDU was fully
			// consumed by ReceiveMessage's own frame read before it
			// rejected the type, so the connection is left positioned
			// right after it.
			writeRawPDU(conn, dimse.PDUTypeReleaseRP, nil)
			return
		}

		sopClassUID := msg.Command.GetString(dimse.TagAffectedSOPClassUID)
		sopInstanceUID := msg.Command.GetString(dimse.TagAffectedSOPInstanceUID)
		d.received <- storedInstance{sopClassUID: sopClassUID, sopInstanceUID: sopInstanceUID, dataset: msg.Dataset}

		rsp := dimse.NewDataSet()
		rsp.SetString(dimse.TagAffectedSOPClassUID, sopClassUID)
		rsp.SetUint16(dimse.TagCommandField, dimse.CommandCStoreRSP)
		rsp.SetUint16(dimse.TagMessageIDBeingRespondedTo, msg.Command.GetUint16(dimse.TagMessageID))
		rsp.SetUint16(dimse.TagCommandDataSetType, dimse.CommandDataSetTypeNull)
		rsp.SetUint16(dimse.TagStatus, dimse.StatusSuccess)
		if err := dimse.SendMessage(conn, msg.PresContextID, rsp, nil, 16384); err != nil {
			return
		}
	}
}

func explicitVRElementForTest(group, element uint16, vr string, value []byte) []byte {
	if len(value)%2 == 1 {
		value = append(value, 0x00)
	}
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], group)
	binary.LittleEndian.PutUint16(b[2:4], element)
	copy(b[4:6], vr)
	binary.LittleEndian.PutUint16(b[6:8], uint16(len(value)))
	return append(b, value...)
}

// buildPart10ForTest assembles a minimal Part-10 byte stream: a 128-byte
// preamble, the "DICM" magic, a File Meta Information group carrying
// just the three elements this gateway reads, and an opaque main
// dataset payload standing in for a real encoded DICOM dataset (the
// pipeline forwards it untouched regardless of its content).
func buildPart10ForTest(sopClassUID, sopInstanceUID, transferSyntax string, mainDataset []byte) []byte {
	var metaElements []byte
	metaElements = append(metaElements, explicitVRElementForTest(0x0002, 0x0002, "UI", []byte(sopClassUID))...)
	metaElements = append(metaElements, explicitVRElementForTest(0x0002, 0x0003, "UI", []byte(sopInstanceUID))...)
	metaElements = append(metaElements, explicitVRElementForTest(0x0002, 0x0010, "UI", []byte(transferSyntax))...)

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(len(metaElements)))
	groupLengthElement := explicitVRElementForTest(0x0002, 0x0000, "UL", groupLength)

	out := make([]byte, 128)
	out = append(out, []byte("DICM")...)
	out = append(out, groupLengthElement...)
	out = append(out, metaElements...)
	out = append(out, mainDataset...)
	return out
}

// TestProcessBucketDownloadsAndStores exercises the C-MOVE download→store
// pipeline end to end (spec.md §4.D, invariant 7): one instance is
// downloaded from a WADO-RS stand-in, and stored over an outbound
// association negotiated with the transfer syntax observed in that
// download's File Meta.
func TestProcessBucketDownloadsAndStores(t *testing.T) {
	const sopClassUID = "1.2.840.10008.5.1.4.1.1.2"
	const sopInstanceUID = "1.2.3.4.5"
	const transferSyntax = dimse.TransferSyntaxExplicitVRLittleEndian
	mainDataset := []byte{0x01, 0x02, 0x03, 0x04}

	blob := buildPart10ForTest(sopClassUID, sopInstanceUID, transferSyntax, mainDataset)
	wadoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dicom")
		w.WriteHeader(http.StatusOK)
		w.Write(blob)
	}))
	defer wadoServer.Close()

	destAddr, dest := startFakeStoreDestination(t)

	directory := aedirectory.New("", 0)
	directory.Put("DEST", "127.0.0.1", destAddr.Port, "test destination")

	engine := newTestEngine(t, &fakeManifestSource{}, directory, wadoclient.New(wadoServer.URL))

	// The engine's own Engine implements dimse.Handler, so it can also
	// serve as the "inbound" association progress writes are sent on;
	// nothing needs to read those bytes for this test.
	inboundAddr := startTestServer(t, engine)
	inboundAssoc, err := dimse.Associate(context.Background(), dimse.AssociateRequest{
		Host:           "127.0.0.1",
		Port:           inboundAddr.Port,
		CallingAETitle: "TESTSCU",
		CalledAETitle:  "MADOSCP",
		AbstractSyntax: dimse.StudyRootMoveSOPClass,
		TransferSyntax: dimse.TransferSyntaxImplicitVRLittleEndian,
	})
	if err != nil {
		t.Fatalf("Associate (inbound stand-in): %v", err)
	}
	defer inboundAssoc.Release()
	pc, _ := inboundAssoc.FindAcceptedContext(dimse.StudyRootMoveSOPClass)

	progress := &moveProgress{
		engine:        engine,
		assoc:         inboundAssoc,
		presContextID: pc.ID,
		sopClassUID:   sopClassUID,
		messageID:     1,
		expected:      1,
	}

	inst := &models.InstanceMetadata{
		SeriesInstanceUID: "1.2.3.2",
		SOPClassUID:       sopClassUID,
		SOPInstanceUID:    sopInstanceUID,
		RetrieveURL:       wadoServer.URL + "/instances/" + sopInstanceUID,
	}
	key := models.AssociationKey{SeriesInstanceUID: inst.SeriesInstanceUID, SOPClassUID: sopClassUID}

	engine.processBucket(context.Background(), key, []*models.InstanceMetadata{inst}, "127.0.0.1", destAddr.Port, "DEST", progress)

	completed, failed := progress.snapshot()
	if completed != 1 || failed != 0 {
		t.Fatalf("progress = (completed=%d, failed=%d), want (1, 0)", completed, failed)
	}

	select {
	case stored := <-dest.received:
		if stored.sopClassUID != sopClassUID {
			t.Errorf("stored sopClassUID = %q, want %q", stored.sopClassUID, sopClassUID)
		}
		if stored.sopInstanceUID != sopInstanceUID {
			t.Errorf("stored sopInstanceUID = %q, want %q", stored.sopInstanceUID, sopInstanceUID)
		}
		if string(stored.dataset) != string(mainDataset) {
			t.Errorf("stored dataset = %v, want %v (no transcoding)", stored.dataset, mainDataset)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fake destination to receive C-STORE")
	}

	// The instance cache should now hold the downloaded blob keyed by
	// SOP Instance UID.
	if _, ok := engine.instances.Get(sopInstanceUID); !ok {
		t.Error("instance cache miss for downloaded instance after processBucket")
	}
}
