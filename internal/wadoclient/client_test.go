package wadoclient

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

func explicitVRElement(group, element uint16, vr string, value []byte) []byte {
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

func buildPart10(sopClassUID, sopInstanceUID, transferSyntax string, mainDataset []byte) []byte {
	var metaElements []byte
	metaElements = append(metaElements, explicitVRElement(0x0002, 0x0002, "UI", []byte(sopClassUID))...)
	metaElements = append(metaElements, explicitVRElement(0x0002, 0x0003, "UI", []byte(sopInstanceUID))...)
	metaElements = append(metaElements, explicitVRElement(0x0002, 0x0010, "UI", []byte(transferSyntax))...)

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(len(metaElements)))
	groupLengthElement := explicitVRElement(0x0002, 0x0000, "UL", groupLength)

	out := make([]byte, 128)
	out = append(out, []byte("DICM")...)
	out = append(out, groupLengthElement...)
	out = append(out, metaElements...)
	out = append(out, mainDataset...)
	return out
}

func TestRetrieveInstanceSingleDicomBody(t *testing.T) {
	blob := buildPart10("1.2.840.10008.5.1.4.1.1.7", "1.2.3", "1.2.840.10008.1.2.1", []byte{0xAA})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dicom")
		w.Write(blob)
	}))
	defer server.Close()

	client := New(server.URL)
	blobs, err := client.RetrieveInstance(context.Background(), server.URL+"/instances/1.2.3")
	if err != nil {
		t.Fatalf("RetrieveInstance: %v", err)
	}
	if len(blobs) != 1 {
		t.Fatalf("len(blobs) = %d, want 1", len(blobs))
	}
	if string(blobs[0]) != string(blob) {
		t.Error("retrieved blob does not match server response")
	}
}

func TestRetrieveInstanceMultipartRelated(t *testing.T) {
	blobA := buildPart10("1.2.840.10008.5.1.4.1.1.7", "1.2.3.1", "1.2.840.10008.1.2", []byte{0x01})
	blobB := buildPart10("1.2.840.10008.5.1.4.1.1.7", "1.2.3.2", "1.2.840.10008.1.2", []byte{0x02})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for _, b := range [][]byte{blobA, blobB} {
			part, err := mw.CreatePart(map[string][]string{"Content-Type": {"application/dicom"}})
			if err != nil {
				t.Fatalf("CreatePart: %v", err)
			}
			part.Write(b)
		}
		mw.Close()
		w.Header().Set("Content-Type", `multipart/related; type="application/dicom"; boundary=`+mw.Boundary())
		w.Write(buf.Bytes())
	}))
	defer server.Close()

	client := New(server.URL)
	blobs, err := client.RetrieveInstance(context.Background(), server.URL+"/instances/series")
	if err != nil {
		t.Fatalf("RetrieveInstance: %v", err)
	}
	if len(blobs) != 2 {
		t.Fatalf("len(blobs) = %d, want 2", len(blobs))
	}
	if string(blobs[0]) != string(blobA) || string(blobs[1]) != string(blobB) {
		t.Error("multipart parts decoded in wrong order or content mismatch")
	}
}

func TestRetrieveInstanceZip(t *testing.T) {
	blob := buildPart10("1.2.840.10008.5.1.4.1.1.7", "1.2.3", "1.2.840.10008.1.2", []byte{0x03})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		f, err := zw.Create("instance.dcm")
		if err != nil {
			t.Fatalf("zip.Create: %v", err)
		}
		f.Write(blob)
		zw.Close()
		w.Header().Set("Content-Type", "application/zip")
		w.Write(buf.Bytes())
	}))
	defer server.Close()

	client := New(server.URL)
	blobs, err := client.RetrieveInstance(context.Background(), server.URL+"/instances/1.2.3")
	if err != nil {
		t.Fatalf("RetrieveInstance: %v", err)
	}
	if len(blobs) != 1 || string(blobs[0]) != string(blob) {
		t.Fatalf("zip-wrapped instance not recovered correctly")
	}
}

func TestRetrieveInstanceRejectsNonPart10Blob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dicom")
		w.Write([]byte("not a dicom blob"))
	}))
	defer server.Close()

	client := New(server.URL)
	_, err := client.RetrieveInstance(context.Background(), server.URL+"/instances/1.2.3")
	if err == nil {
		t.Fatal("expected error for blob missing the Part-10 magic")
	}
	if !dimse.IsKind(err, dimse.KindParseError) {
		t.Errorf("err kind = %v, want KindParseError", err)
	}
}

func TestRetrieveInstanceUpstreamErrorOnNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := New(server.URL)
	_, err := client.RetrieveInstance(context.Background(), server.URL+"/instances/1.2.3")
	if err == nil {
		t.Fatal("expected error on HTTP 404")
	}
	if !dimse.IsKind(err, dimse.KindUpstreamError) {
		t.Errorf("err kind = %v, want KindUpstreamError", err)
	}
}

func TestInstanceURL(t *testing.T) {
	client := New("https://wado.example/wado-rs/")
	got := client.InstanceURL("1.2.3", "1.2.3.2", "1.2.3.2.1")
	want := "https://wado.example/wado-rs/studies/1.2.3/series/1.2.3.2/instances/1.2.3.2.1"
	if got != want {
		t.Errorf("InstanceURL = %q, want %q", got, want)
	}
}
