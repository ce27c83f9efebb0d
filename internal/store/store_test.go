package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "phoenix.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAutoconfigRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, _, _, ok, err := s.LoadAutoconfig("cpu:0")
	if err != nil {
		t.Fatalf("LoadAutoconfig (empty): %v", err)
	}
	if ok {
		t.Fatalf("expected no record for an unknown key")
	}

	if err := s.SaveAutoconfig("cpu:0", 4, map[string]string{"threads": "8"}, []string{"gpu:1"}); err != nil {
		t.Fatalf("SaveAutoconfig: %v", err)
	}

	rating, autoconfig, aliasIDs, ok, err := s.LoadAutoconfig("cpu:0")
	if err != nil {
		t.Fatalf("LoadAutoconfig: %v", err)
	}
	if !ok {
		t.Fatalf("expected a saved record")
	}
	if rating != 4 || autoconfig["threads"] != "8" || len(aliasIDs) != 1 || aliasIDs[0] != "gpu:1" {
		t.Fatalf("round-tripped record mismatch: rating=%d autoconfig=%v aliasIDs=%v", rating, autoconfig, aliasIDs)
	}
}

func TestRecentAcceptedOrdersNewestFirst(t *testing.T) {
	s := openTestStore(t)

	s.RecordAccepted("cpu:0", 1, 1000, true)
	s.RecordAccepted("cpu:0", 2, 1001, false)
	s.RecordAccepted("cpu:0", 3, 1002, true)

	entries, err := s.RecentAccepted(2)
	if err != nil {
		t.Fatalf("RecentAccepted: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Nonce != 3 || entries[1].Nonce != 2 {
		t.Fatalf("entries not newest-first: %+v", entries)
	}
}

func TestRecordAcceptedSurvivesMarshalOfZeroValues(t *testing.T) {
	s := openTestStore(t)
	s.RecordAccepted("", 0, 0, false)

	entries, err := s.RecentAccepted(10)
	if err != nil {
		t.Fatalf("RecentAccepted: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
}
