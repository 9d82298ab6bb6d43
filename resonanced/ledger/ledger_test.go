// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tryfinity/resonance/api/v1"
)

func newTestTable(t *testing.T, root string) *MarkerTable {
	t.Helper()

	m, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
	})
	return m
}

func TestRecordMarker(t *testing.T) {
	m := newTestTable(t, t.TempDir())

	payload := map[string]string{
		PayloadFrom:   "0x1111",
		PayloadTo:     "0x2222",
		PayloadAmount: "500",
	}
	marker, err := m.RecordMarker(payload)
	if err != nil {
		t.Fatalf("RecordMarker: %v", err)
	}
	if !v1.RegexpSHA256.MatchString(marker.MarkerID) {
		t.Fatalf("malformed marker id %v", marker.MarkerID)
	}
	if marker.Status != StatusPending {
		t.Fatalf("status got %v want %v", marker.Status, StatusPending)
	}
	if marker.ExternalRef != "" {
		t.Fatalf("new marker has external ref %v", marker.ExternalRef)
	}

	pending, confirmed := m.Counts()
	if pending != 1 || confirmed != 0 {
		t.Fatalf("counts got %v/%v want 1/0", pending, confirmed)
	}

	stored, err := m.Marker(marker.MarkerID)
	if err != nil {
		t.Fatalf("Marker: %v", err)
	}
	if stored.Payload[PayloadAmount] != "500" {
		t.Fatalf("payload got %v", stored.Payload)
	}

	if _, err := m.Marker("0000000000000000000000000000000000000000000000000000000000000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestConfirmExactlyOnce(t *testing.T) {
	m := newTestTable(t, t.TempDir())

	marker, err := m.RecordMarker(map[string]string{PayloadAmount: "1"})
	if err != nil {
		t.Fatalf("RecordMarker: %v", err)
	}

	confirmed, err := m.Confirm(marker.MarkerID, "0xaaaa")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Fatalf("status got %v want %v", confirmed.Status,
			StatusConfirmed)
	}
	if confirmed.ExternalRef != "0xaaaa" {
		t.Fatalf("ref got %v want 0xaaaa", confirmed.ExternalRef)
	}
	if confirmed.Confirmed == 0 {
		t.Fatalf("confirmed timestamp not set")
	}

	p, c := m.Counts()
	if p != 0 || c != 1 {
		t.Fatalf("counts got %v/%v want 0/1", p, c)
	}

	// Replaying the same confirmation is a no-op.
	again, err := m.Confirm(marker.MarkerID, "0xaaaa")
	if err != nil {
		t.Fatalf("replay Confirm: %v", err)
	}
	if again.Confirmed != confirmed.Confirmed {
		t.Fatalf("replay altered marker")
	}
	p, c = m.Counts()
	if p != 0 || c != 1 {
		t.Fatalf("replay changed counts to %v/%v", p, c)
	}

	// A different reference must be rejected and must not alter the
	// stored marker.
	if _, err := m.Confirm(marker.MarkerID, "0xbbbb"); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Fatalf("expected ErrAlreadyConfirmed got %v", err)
	}
	stored, err := m.Marker(marker.MarkerID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ExternalRef != "0xaaaa" {
		t.Fatalf("conflicting confirmation altered ref to %v",
			stored.ExternalRef)
	}

	// Confirming an unknown marker is an error.
	if _, err := m.Confirm("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", "0xcccc"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestResolve(t *testing.T) {
	m := newTestTable(t, t.TempDir())

	now := int64(1700000000)
	m.myNow = func() time.Time {
		return time.Unix(now, 0)
	}

	// Opaque payloads never match.
	if _, err := m.RecordMarker(map[string]string{"note": "opaque"}); err != nil {
		t.Fatal(err)
	}

	older, err := m.RecordMarker(map[string]string{
		PayloadFrom:   "0xAAAA",
		PayloadAmount: "500",
	})
	if err != nil {
		t.Fatal(err)
	}
	now++
	newer, err := m.RecordMarker(map[string]string{
		PayloadFrom: "0xaaaa",
		PayloadTo:   "0xbbbb",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Oldest matching marker wins; address matching is case insensitive.
	got, err := m.Resolve("0xaaaa", "0xbbbb", "500")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.MarkerID != older.MarkerID {
		t.Fatalf("resolved %v want %v", got.MarkerID, older.MarkerID)
	}

	// A mismatched amount skips the older marker.
	got, err = m.Resolve("0xaaaa", "0xbbbb", "9999")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.MarkerID != newer.MarkerID {
		t.Fatalf("resolved %v want %v", got.MarkerID, newer.MarkerID)
	}

	// Confirmed markers never resolve again.
	if _, err := m.Confirm(older.MarkerID, "0x01"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Confirm(newer.MarkerID, "0x02"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resolve("0xaaaa", "0xbbbb", "500"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestSynthesize(t *testing.T) {
	m := newTestTable(t, t.TempDir())

	payload := map[string]string{
		PayloadFrom:   "0x1111",
		PayloadTo:     "0x2222",
		PayloadAmount: "42",
	}
	marker, err := m.SynthesizeConfirmed("0xfeed", payload)
	if err != nil {
		t.Fatalf("SynthesizeConfirmed: %v", err)
	}
	if marker.Status != StatusConfirmed {
		t.Fatalf("status got %v want %v", marker.Status,
			StatusConfirmed)
	}
	if !marker.Synthesized {
		t.Fatalf("marker not flagged synthesized")
	}
	if marker.ExternalRef != "0xfeed" {
		t.Fatalf("ref got %v", marker.ExternalRef)
	}

	// Replays converge on the stored marker.
	again, err := m.SynthesizeConfirmed("0xfeed", payload)
	if err != nil {
		t.Fatal(err)
	}
	if again.MarkerID != marker.MarkerID {
		t.Fatalf("replay minted a second marker")
	}
	p, c := m.Counts()
	if p != 0 || c != 1 {
		t.Fatalf("counts got %v/%v want 0/1", p, c)
	}
}

func TestByExternalRef(t *testing.T) {
	m := newTestTable(t, t.TempDir())

	marker, err := m.RecordMarker(map[string]string{PayloadAmount: "7"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ByExternalRef("0xdead"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	if _, err := m.Confirm(marker.MarkerID, "0xdead"); err != nil {
		t.Fatal(err)
	}

	got, err := m.ByExternalRef("0xdead")
	if err != nil {
		t.Fatalf("ByExternalRef: %v", err)
	}
	if got.MarkerID != marker.MarkerID {
		t.Fatalf("resolved %v want %v", got.MarkerID, marker.MarkerID)
	}
}

func TestSynthesizeAfterConfirm(t *testing.T) {
	m := newTestTable(t, t.TempDir())

	marker, err := m.RecordMarker(map[string]string{
		PayloadFrom:   "0x1111",
		PayloadAmount: "9",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Confirm(marker.MarkerID, "0xbeef"); err != nil {
		t.Fatal(err)
	}

	// A replayed confirmation for a reference that already settled a real
	// marker settles on that marker instead of minting a synthetic one.
	got, err := m.SynthesizeConfirmed("0xbeef", map[string]string{
		PayloadFrom:   "0x1111",
		PayloadAmount: "9",
	})
	if err != nil {
		t.Fatalf("SynthesizeConfirmed: %v", err)
	}
	if got.MarkerID != marker.MarkerID {
		t.Fatalf("minted %v instead of settling on %v", got.MarkerID,
			marker.MarkerID)
	}
	if got.Synthesized {
		t.Fatalf("real marker reported as synthesized")
	}
	p, c := m.Counts()
	if p != 0 || c != 1 {
		t.Fatalf("counts got %v/%v want 0/1", p, c)
	}
}

func TestCountersRebuild(t *testing.T) {
	root := t.TempDir()
	m := newTestTable(t, root)

	for i := 0; i < 3; i++ {
		if _, err := m.RecordMarker(map[string]string{PayloadAmount: "1"}); err != nil {
			t.Fatal(err)
		}
	}
	marker, err := m.RecordMarker(map[string]string{PayloadAmount: "2"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Confirm(marker.MarkerID, "0x01"); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := New(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	p, c := reopened.Counts()
	if p != 3 || c != 1 {
		t.Fatalf("rebuilt counts got %v/%v want 3/1", p, c)
	}
}

func TestSupplyBurnExactlyOnce(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "supply.json")
	tracker, err := NewSupplyTracker(filename, 1000, 600)
	if err != nil {
		t.Fatalf("NewSupplyTracker: %v", err)
	}

	// Below the total supply nothing burns.
	delta, state, err := tracker.Report(999)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if delta != 0 || state.BurnedTotal != 0 {
		t.Fatalf("premature burn: delta %v burned %v", delta,
			state.BurnedTotal)
	}

	// The triggering report burns the full target.
	delta, state, err = tracker.Report(1000)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if delta != 600 || state.BurnedTotal != 600 {
		t.Fatalf("burn got delta %v burned %v want 600/600", delta,
			state.BurnedTotal)
	}
	if state.TriggeredAt == 0 {
		t.Fatalf("triggered timestamp not set")
	}

	// Later reports never burn again.
	delta, state, err = tracker.Report(2000)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if delta != 0 || state.BurnedTotal != 600 {
		t.Fatalf("double burn: delta %v burned %v", delta,
			state.BurnedTotal)
	}

	// Exactly once survives a restart.
	reopened, err := NewSupplyTracker(filename, 1000, 600)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	delta, state, err = reopened.Report(5000)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if delta != 0 || state.BurnedTotal != 600 {
		t.Fatalf("burn re-triggered after restart: delta %v burned %v",
			delta, state.BurnedTotal)
	}
	if state.Circulating != 5000 {
		t.Fatalf("circulating got %v want 5000", state.Circulating)
	}
}

func TestSupplyDefaults(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "supply.json")
	tracker, err := NewSupplyTracker(filename, DefaultTotalSupply,
		DefaultBurnTarget)
	if err != nil {
		t.Fatal(err)
	}
	state := tracker.State()
	if state.TotalSupply != 1021000000 || state.BurnTarget != 1000000000 {
		t.Fatalf("defaults got %v/%v", state.TotalSupply,
			state.BurnTarget)
	}
	if state.BurnTarget >= state.TotalSupply {
		t.Fatalf("burn target must stay below total supply")
	}
}
