// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger tracks intent markers through their confirmation and
// applies the one shot supply burn rule.  Markers are append only; a marker
// moves from PENDING to CONFIRMED exactly once and is never deleted.
package ledger

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// refIndexPrefix namespaces the reverse index rows that map an external
// reference to the marker it confirmed.  Marker ids are hex so the prefix
// cannot collide with them.
var refIndexPrefix = []byte("ref/")

func refIndexKey(externalRef string) []byte {
	return append(refIndexPrefix[:len(refIndexPrefix):len(refIndexPrefix)],
		externalRef...)
}

// Marker status values.
const (
	StatusPending   = "PENDING"
	StatusConfirmed = "CONFIRMED"
)

// Well known payload keys that participate in confirmation matching.  All
// other payload content is opaque to the ledger.
const (
	PayloadFrom   = "from"
	PayloadTo     = "to"
	PayloadAmount = "amount"
)

var (
	// ErrNotFound is returned when no marker exists for an id or no
	// pending marker matches a transfer.
	ErrNotFound = errors.New("marker not found")

	// ErrAlreadyConfirmed is returned when a confirmation names a marker
	// that was already confirmed with a different external reference.
	ErrAlreadyConfirmed = errors.New("marker already confirmed")
)

// Marker records the intent to observe a transfer and, once resolved, the
// external reference that confirmed it.
type Marker struct {
	MarkerID    string            `json:"markerid"`
	Status      string            `json:"status"`
	ExternalRef string            `json:"externalref"`
	Payload     map[string]string `json:"payload"`
	Created     int64             `json:"created"`
	Confirmed   int64             `json:"confirmed"`
	Synthesized bool              `json:"synthesized,omitempty"`
}

// MarkerTable is the persistent marker store.  All status transitions occur
// under the table mutex; the table never performs network calls.
type MarkerTable struct {
	sync.Mutex

	db *leveldb.DB

	pending   uint64
	confirmed uint64

	myNow func() time.Time // Override for testing
}

// New opens or creates the marker table rooted at root and rebuilds the
// status counters from the stored markers.
func New(root string) (*MarkerTable, error) {
	db, err := leveldb.OpenFile(root, nil)
	if err != nil {
		return nil, err
	}

	m := &MarkerTable{
		db:    db,
		myNow: time.Now,
	}

	i := db.NewIterator(nil, nil)
	for i.Next() {
		if bytes.HasPrefix(i.Key(), refIndexPrefix) {
			continue
		}
		var marker Marker
		if err := json.Unmarshal(i.Value(), &marker); err != nil {
			i.Release()
			db.Close()
			return nil, fmt.Errorf("marker %s: %w", i.Key(), err)
		}
		switch marker.Status {
		case StatusPending:
			m.pending++
		case StatusConfirmed:
			m.confirmed++
		default:
			i.Release()
			db.Close()
			return nil, fmt.Errorf("marker %s: invalid status %v",
				i.Key(), marker.Status)
		}
	}
	err = i.Error()
	i.Release()
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Marker table: %v (%v pending, %v confirmed)", root,
		m.pending, m.confirmed)

	return m, nil
}

// Close releases the marker table.
func (m *MarkerTable) Close() error {
	m.Lock()
	defer m.Unlock()

	return m.db.Close()
}

// newMarkerID returns a fresh marker id: the sha256 over the canonical
// payload encoding and 16 random bytes.
func newMarkerID(payload map[string]string) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var rnd [16]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return "", err
	}
	digest := sha256.Sum256(append(b, rnd[:]...))
	return hex.EncodeToString(digest[:]), nil
}

// synthesizedMarkerID returns the deterministic marker id used when a
// confirmation arrives with no matching pending marker.  Determinism makes
// replayed batches converge on a single synthesized marker.
func synthesizedMarkerID(externalRef string) string {
	digest := sha256.Sum256([]byte("synthesized/" + externalRef))
	return hex.EncodeToString(digest[:])
}

// byRef returns the marker an external reference confirmed, found through
// the reverse index.
func (m *MarkerTable) byRef(externalRef string) (*Marker, error) {
	id, err := m.db.Get(refIndexKey(externalRef), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, fmt.Errorf("%w: ref %v", ErrNotFound,
				externalRef)
		}
		return nil, err
	}
	return m.get(string(id))
}

// get returns the decoded marker, mapping leveldb.ErrNotFound onto the
// package sentinel.
func (m *MarkerTable) get(markerID string) (*Marker, error) {
	v, err := m.db.Get([]byte(markerID), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, markerID)
		}
		return nil, err
	}
	var marker Marker
	if err := json.Unmarshal(v, &marker); err != nil {
		return nil, err
	}
	return &marker, nil
}

// put stores the marker.
func (m *MarkerTable) put(marker *Marker) error {
	v, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	return m.db.Put([]byte(marker.MarkerID), v, nil)
}

// putConfirmed stores a confirmed marker and its reverse index row in one
// batch so the index can never lag the marker.
func (m *MarkerTable) putConfirmed(marker *Marker) error {
	v, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(marker.MarkerID), v)
	batch.Put(refIndexKey(marker.ExternalRef), []byte(marker.MarkerID))
	return m.db.Write(batch, nil)
}

// RecordMarker stores a new pending marker for the provided payload and
// returns it.
func (m *MarkerTable) RecordMarker(payload map[string]string) (*Marker, error) {
	m.Lock()
	defer m.Unlock()

	id, err := newMarkerID(payload)
	if err != nil {
		return nil, err
	}
	marker := Marker{
		MarkerID: id,
		Status:   StatusPending,
		Payload:  payload,
		Created:  m.myNow().Unix(),
	}
	if err := m.put(&marker); err != nil {
		return nil, err
	}
	m.pending++

	log.Debugf("Marker recorded: %v", id)

	return &marker, nil
}

// Marker returns the marker stored under markerID.
func (m *MarkerTable) Marker(markerID string) (*Marker, error) {
	m.Lock()
	defer m.Unlock()

	return m.get(markerID)
}

// ByExternalRef returns the marker the external reference confirmed.
// ErrNotFound means the reference has confirmed nothing yet.
func (m *MarkerTable) ByExternalRef(externalRef string) (*Marker, error) {
	m.Lock()
	defer m.Unlock()

	return m.byRef(externalRef)
}

// matches reports whether a payload is consistent with a transfer.  Only
// the well known from/to/amount keys participate; a payload carrying none
// of them never matches.  Addresses compare case insensitively, amounts
// compare as exact decimal strings.
func matches(payload map[string]string, from, to, value string) bool {
	var keys int
	if v, ok := payload[PayloadFrom]; ok {
		keys++
		if !strings.EqualFold(v, from) {
			return false
		}
	}
	if v, ok := payload[PayloadTo]; ok {
		keys++
		if !strings.EqualFold(v, to) {
			return false
		}
	}
	if v, ok := payload[PayloadAmount]; ok {
		keys++
		if v != value {
			return false
		}
	}
	return keys > 0
}

// Resolve returns the pending marker that matches the transfer.  When
// several match, the oldest wins; creation time ties break on marker id so
// resolution is deterministic.  ErrNotFound is returned when nothing
// matches.
func (m *MarkerTable) Resolve(from, to, value string) (*Marker, error) {
	m.Lock()
	defer m.Unlock()

	var best *Marker
	i := m.db.NewIterator(nil, nil)
	defer i.Release()
	for i.Next() {
		if bytes.HasPrefix(i.Key(), refIndexPrefix) {
			continue
		}
		var marker Marker
		if err := json.Unmarshal(i.Value(), &marker); err != nil {
			return nil, fmt.Errorf("marker %s: %w", i.Key(), err)
		}
		if marker.Status != StatusPending {
			continue
		}
		if !matches(marker.Payload, from, to, value) {
			continue
		}
		if best == nil || marker.Created < best.Created ||
			(marker.Created == best.Created &&
				marker.MarkerID < best.MarkerID) {
			best = &marker
		}
	}
	if err := i.Error(); err != nil {
		return nil, err
	}
	if best == nil {
		return nil, fmt.Errorf("%w: transfer %v -> %v value %v",
			ErrNotFound, from, to, value)
	}
	return best, nil
}

// Confirm transitions the marker to CONFIRMED and links it to the external
// reference.  Confirming an already confirmed marker with the same
// reference is a no-op returning the stored marker; a different reference
// returns ErrAlreadyConfirmed.  The transition is one way.
func (m *MarkerTable) Confirm(markerID, externalRef string) (*Marker, error) {
	m.Lock()
	defer m.Unlock()

	marker, err := m.get(markerID)
	if err != nil {
		return nil, err
	}
	if marker.Status == StatusConfirmed {
		if marker.ExternalRef == externalRef {
			return marker, nil
		}
		return nil, fmt.Errorf("%w: %v has %v", ErrAlreadyConfirmed,
			markerID, marker.ExternalRef)
	}

	marker.Status = StatusConfirmed
	marker.ExternalRef = externalRef
	marker.Confirmed = m.myNow().Unix()
	if err := m.putConfirmed(marker); err != nil {
		return nil, err
	}
	m.pending--
	m.confirmed++

	log.Debugf("Marker confirmed: %v ref %v", markerID, externalRef)

	return marker, nil
}

// SynthesizeConfirmed records a confirmed marker for a transfer that had no
// pending marker.  A reference that already confirmed a marker, real or
// synthesized, settles on that marker, so replayed batches never mint a
// second one.
func (m *MarkerTable) SynthesizeConfirmed(externalRef string, payload map[string]string) (*Marker, error) {
	m.Lock()
	defer m.Unlock()

	marker, err := m.byRef(externalRef)
	if err == nil {
		return marker, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := m.myNow().Unix()
	marker = &Marker{
		MarkerID:    synthesizedMarkerID(externalRef),
		Status:      StatusConfirmed,
		ExternalRef: externalRef,
		Payload:     payload,
		Created:     now,
		Confirmed:   now,
		Synthesized: true,
	}
	if err := m.putConfirmed(marker); err != nil {
		return nil, err
	}
	m.confirmed++

	log.Infof("Marker synthesized: %v ref %v", marker.MarkerID,
		externalRef)

	return marker, nil
}

// Counts returns the number of pending and confirmed markers.
func (m *MarkerTable) Counts() (uint64, uint64) {
	m.Lock()
	defer m.Unlock()

	return m.pending, m.confirmed
}
