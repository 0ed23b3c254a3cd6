package aedirectory

import (
	"testing"

	"github.com/otcheredev/mado-gateway/pkg/dimse"
)

func TestResolveRegisteredEntryCaseInsensitive(t *testing.T) {
	d := New("", 0)
	d.Put("storescp", "10.0.0.5", 104, "test PACS")

	host, port, err := d.Resolve("STORESCP")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if host != "10.0.0.5" || port != 104 {
		t.Errorf("Resolve = (%q, %d), want (10.0.0.5, 104)", host, port)
	}
}

func TestResolveUnknownWithoutFallback(t *testing.T) {
	d := New("", 0)
	_, _, err := d.Resolve("UNKNOWNAE")
	if err == nil {
		t.Fatal("expected error for unknown AE title with no fallback")
	}
	if !dimse.IsKind(err, dimse.KindUnknownDestination) {
		t.Errorf("err = %v, want KindUnknownDestination", err)
	}
}

func TestResolveUnknownFallsBackWhenConfigured(t *testing.T) {
	d := New("10.0.0.9", 11112)
	host, port, err := d.Resolve("UNKNOWNAE")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if host != "10.0.0.9" || port != 11112 {
		t.Errorf("Resolve = (%q, %d), want fallback (10.0.0.9, 11112)", host, port)
	}
}

func TestRemoveAndList(t *testing.T) {
	d := New("", 0)
	d.Put("AE1", "host1", 1, "")
	d.Put("AE2", "host2", 2, "")
	if len(d.List()) != 2 {
		t.Fatalf("List len = %d, want 2", len(d.List()))
	}

	d.Remove("ae1")
	if len(d.List()) != 1 {
		t.Fatalf("List len after Remove = %d, want 1", len(d.List()))
	}
	if _, _, err := d.Resolve("AE1"); err == nil {
		t.Fatal("expected AE1 to be gone after Remove")
	}
}

func TestPutReplacesExistingEntry(t *testing.T) {
	d := New("", 0)
	d.Put("AE1", "host1", 1, "first")
	d.Put("AE1", "host2", 2, "second")

	host, port, err := d.Resolve("AE1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if host != "host2" || port != 2 {
		t.Errorf("Resolve = (%q, %d), want replaced (host2, 2)", host, port)
	}
	if len(d.List()) != 1 {
		t.Errorf("List len = %d, want 1 (replace, not append)", len(d.List()))
	}
}
