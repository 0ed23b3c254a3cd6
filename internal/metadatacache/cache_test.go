package metadatacache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/otcheredev/mado-gateway/internal/mhdclient"
	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

type fakeSource struct {
	manifestBytes map[string][]byte
	manifestErr   error
	docs          []mhdclient.DocumentReference
	searchErr     error
	fetchCount    atomic.Int32
}

func (f *fakeSource) RetrieveManifestBytes(ctx context.Context, studyUID string) ([]byte, error) {
	f.fetchCount.Add(1)
	if f.manifestErr != nil {
		return nil, f.manifestErr
	}
	return f.manifestBytes[studyUID], nil
}

func (f *fakeSource) SearchDocumentReferences(ctx context.Context, params mhdclient.SearchParams) ([]mhdclient.DocumentReference, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.docs, nil
}

func TestGetOrFetchReturnsUpstreamErrorWhenManifestAbsent(t *testing.T) {
	src := &fakeSource{manifestBytes: map[string][]byte{}}
	cache := New(src, time.Minute)

	_, err := cache.GetOrFetch(context.Background(), "1.2.3")
	if err == nil {
		t.Fatal("expected error for absent manifest")
	}
	if !dimse.IsKind(err, dimse.KindUpstreamError) {
		t.Errorf("err = %v, want KindUpstreamError", err)
	}
}

func TestGetOrFetchWrapsParseErrorOnMalformedManifest(t *testing.T) {
	src := &fakeSource{manifestBytes: map[string][]byte{"1.2.3": []byte("not a dicom file")}}
	cache := New(src, time.Minute)

	_, err := cache.GetOrFetch(context.Background(), "1.2.3")
	if err == nil {
		t.Fatal("expected parse error for malformed manifest bytes")
	}
	if !dimse.IsKind(err, dimse.KindParseError) {
		t.Errorf("err = %v, want KindParseError", err)
	}
}

func TestFindStudiesAppliesModalityFilter(t *testing.T) {
	src := &fakeSource{docs: []mhdclient.DocumentReference{
		{StudyInstanceUID: "1.1", ModalitiesInStudy: []string{"CT"}},
		{StudyInstanceUID: "1.2", ModalitiesInStudy: []string{"MR"}},
	}}
	cache := New(src, time.Minute)

	studies, err := cache.FindStudies(context.Background(), Keys{Modality: "CT"})
	if err != nil {
		t.Fatalf("FindStudies: %v", err)
	}
	if len(studies) != 1 || studies[0].StudyInstanceUID != "1.1" {
		t.Errorf("studies = %+v, want only 1.1", studies)
	}
}

func TestFindInstancesRequiresStudyInstanceUID(t *testing.T) {
	src := &fakeSource{}
	cache := New(src, time.Minute)

	_, err := cache.FindInstances(context.Background(), Keys{})
	if err == nil {
		t.Fatal("expected error when StudyInstanceUID is missing")
	}
	if !dimse.IsKind(err, dimse.KindInvalidArgument) {
		t.Errorf("err = %v, want KindInvalidArgument", err)
	}
}

func TestClearAndLen(t *testing.T) {
	src := &fakeSource{docs: []mhdclient.DocumentReference{{StudyInstanceUID: "1.1"}}}
	cache := New(src, time.Minute)
	if _, err := cache.FindStudies(context.Background(), Keys{}); err != nil {
		t.Fatalf("FindStudies: %v", err)
	}
	// FindStudies does not populate the per-study cache (no manifest
	// fetch happens), so Len should still be zero here.
	if cache.Len() != 0 {
		t.Errorf("Len = %d, want 0 before any GetOrFetch", cache.Len())
	}
	cache.Clear()
	if cache.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", cache.Len())
	}
}
