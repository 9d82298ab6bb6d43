// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package reconciler drives the confirmation pipeline.  It polls the
// transfer feed, stores every confirmed transfer as an encrypted record,
// matches transfers against pending markers and periodically commits the
// record set into a merkle tree whose root is anchored in the external
// registry.
package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron"

	"github.com/tryfinity/resonance/merkle"
	"github.com/tryfinity/resonance/resonanced/feed"
	"github.com/tryfinity/resonance/resonanced/ledger"
	"github.com/tryfinity/resonance/resonanced/metrics"
	"github.com/tryfinity/resonance/resonanced/store"
)

const (
	// DefaultPollInterval is how often the feed is polled for new
	// transfers.
	DefaultPollInterval = 10 * time.Second

	// DefaultCommitSchedule commits and anchors at the top of every
	// minute.
	DefaultCommitSchedule = "0 * * * * *"

	// DefaultBatchLimit caps how many feed positions one poll consumes.
	// A deep backlog is drained across consecutive polls instead of one
	// unbounded fetch.
	DefaultBatchLimit = 1000

	// startupWindow bounds how long the initial feed position fetch is
	// retried before the daemon gives up.
	startupWindow = 5 * time.Minute

	// anchorWindow bounds anchor retries within one commit.  It must be
	// shorter than the commit cadence so commits do not pile up.
	anchorWindow = 45 * time.Second
)

// MarkerTable is the subset of the ledger the reconciler drives.
type MarkerTable interface {
	Resolve(from, to, value string) (*ledger.Marker, error)
	Confirm(markerID, externalRef string) (*ledger.Marker, error)
	SynthesizeConfirmed(externalRef string, payload map[string]string) (*ledger.Marker, error)
	ByExternalRef(externalRef string) (*ledger.Marker, error)
	Counts() (uint64, uint64)
}

// RecordStore is the subset of the record store the reconciler drives.
type RecordStore interface {
	Put(externalRef string, payload store.RecordPayload) (*store.PutResult, error)
	LeafHashes() ([]*[sha256.Size]byte, error)
}

// EventFeed supplies confirmed transfers in position order.
type EventFeed interface {
	Position(ctx context.Context) (uint64, error)
	Transfers(ctx context.Context, start, end uint64) ([]feed.Transfer, error)
}

// RootRegistry anchors merkle roots externally.
type RootRegistry interface {
	Anchor(ctx context.Context, root *[sha256.Size]byte) (string, error)
	SeedLastAnchor(root *[sha256.Size]byte, ref string)
	LatestRoot(ctx context.Context) (*[sha256.Size]byte, string, error)
}

// Config holds the reconciler tuning knobs.  Zero values select the
// defaults.
type Config struct {
	PollInterval   time.Duration // Feed poll cadence
	CommitSchedule string        // Cron spec for commit and anchor
	BatchLimit     uint64        // Max feed positions per poll
}

// Status is a point in time snapshot for the status route.
type Status struct {
	Cursor         uint64
	PendingMarkers uint64
	Confirmed      uint64
	MerkleRoot     string
	AnchoredRef    string
}

// Reconciler owns the poll loop and the commit scheduler.  All durable
// state lives in the State database so a restart resumes exactly where
// the previous run stopped.
type Reconciler struct {
	cfg Config

	markers  MarkerTable
	records  RecordStore
	feed     EventFeed
	registry RootRegistry
	state    *State

	cron *cron.Cron

	mtx        sync.Mutex // Guards the fields below
	cursor     uint64
	lastCommit *CommitRecord
	runCtx     context.Context

	commitMtx sync.Mutex // Serializes commit runs
}

// New wires a reconciler from its dependencies.  Run must be called to
// start it.
func New(cfg Config, markers MarkerTable, records RecordStore, eventFeed EventFeed, registry RootRegistry, state *State) (*Reconciler, error) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CommitSchedule == "" {
		cfg.CommitSchedule = DefaultCommitSchedule
	}
	if cfg.BatchLimit == 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}

	r := &Reconciler{
		cfg:      cfg,
		markers:  markers,
		records:  records,
		feed:     eventFeed,
		registry: registry,
		state:    state,
		cron:     cron.New(),
	}

	err := r.cron.AddFunc(cfg.CommitSchedule, func() {
		r.committer()
	})
	if err != nil {
		return nil, fmt.Errorf("invalid commit schedule %q: %v",
			cfg.CommitSchedule, err)
	}

	return r, nil
}

// startup restores the cursor and commit record.  A fresh deployment
// tails the feed from its current position instead of replaying history.
func (r *Reconciler) startup(ctx context.Context) error {
	cursor, ok, err := r.state.Cursor()
	if err != nil {
		return err
	}
	if ok {
		log.Infof("Resuming at feed cursor %v", cursor)
	} else {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = startupWindow
		err = backoff.Retry(func() error {
			var err error
			cursor, err = r.feed.Position(ctx)
			return err
		}, backoff.WithContext(b, ctx))
		if err != nil {
			return fmt.Errorf("initial feed position: %w", err)
		}
		if err := r.state.SetCursor(cursor); err != nil {
			return err
		}
		log.Infof("Starting at feed position %v", cursor)
	}
	r.mtx.Lock()
	r.cursor = cursor
	r.mtx.Unlock()
	metrics.SetFeedCursor(cursor)

	cr, ok, err := r.state.CommitRecord()
	if err != nil {
		return err
	}
	if ok {
		r.mtx.Lock()
		r.lastCommit = cr
		r.mtx.Unlock()
		if cr.AnchoredRef != "" {
			r.registry.SeedLastAnchor(&cr.MerkleRoot, cr.AnchoredRef)
		}
		log.Infof("Last commit: root %x ref %v (%v leaves)",
			cr.MerkleRoot, cr.AnchoredRef, len(cr.Leaves))
	}

	// Cross check against the registry.  A divergence is reported, not
	// fatal; the next commit republishes our root.
	root, ref, err := r.registry.LatestRoot(ctx)
	switch {
	case err != nil:
		log.Warnf("Registry latest root unavailable: %v", err)
	case root != nil && ok && cr.AnchoredRef != "" &&
		*root != cr.MerkleRoot:
		log.Warnf("Registry root %x (ref %v) does not match "+
			"recorded root %x", *root, ref, cr.MerkleRoot)
	}

	return nil
}

// Run restores state, starts the commit scheduler and polls the feed
// until ctx is cancelled.  An in flight batch always finishes before Run
// returns so the cursor never points into a half applied batch.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.startup(ctx); err != nil {
		return err
	}

	r.mtx.Lock()
	r.runCtx = ctx
	r.mtx.Unlock()

	r.cron.Start()
	log.Infof("Reconciler: poll interval %v, commit schedule %q",
		r.cfg.PollInterval, r.cfg.CommitSchedule)

	pollBackOff := backoff.NewExponentialBackOff()
	pollBackOff.InitialInterval = time.Second
	pollBackOff.MaxInterval = time.Minute
	pollBackOff.MaxElapsedTime = 0 // Retry until shutdown

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("Reconciler: shutting down")
			r.cron.Stop()
			// Wait out an in flight commit before returning so the
			// caller can safely close the databases.
			r.commitMtx.Lock()
			r.commitMtx.Unlock()
			return nil

		case <-ticker.C:
			err := r.poll(ctx)
			if err == nil {
				pollBackOff.Reset()
				continue
			}
			if errors.Is(err, context.Canceled) {
				continue
			}
			metrics.RecordPollFailure()
			delay := pollBackOff.NextBackOff()
			log.Errorf("Poll: %v (retrying in %v)", err, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
	}
}

// poll fetches and applies one batch of transfers.  The cursor is only
// persisted once the entire batch has been applied, so a crash mid batch
// replays it; every apply step tolerates replay.
func (r *Reconciler) poll(ctx context.Context) error {
	position, err := r.feed.Position(ctx)
	if err != nil {
		return fmt.Errorf("feed position: %w", err)
	}

	r.mtx.Lock()
	cursor := r.cursor
	r.mtx.Unlock()
	if position <= cursor {
		return nil
	}

	start, end := cursor+1, position
	if end-start+1 > r.cfg.BatchLimit {
		end = start + r.cfg.BatchLimit - 1
	}

	transfers, err := r.feed.Transfers(ctx, start, end)
	if err != nil {
		return fmt.Errorf("feed transfers %v..%v: %w", start, end, err)
	}

	for _, t := range transfers {
		if err := r.applyTransfer(t); err != nil {
			return fmt.Errorf("apply transfer %v: %w", t.Ref, err)
		}
	}

	if err := r.state.SetCursor(end); err != nil {
		return fmt.Errorf("persist cursor %v: %w", end, err)
	}
	r.mtx.Lock()
	r.cursor = end
	r.mtx.Unlock()
	metrics.SetFeedCursor(end)

	pending, _ := r.markers.Counts()
	metrics.SetPendingMarkers(pending)

	if len(transfers) > 0 {
		log.Infof("Processed %v transfers, cursor %v", len(transfers),
			end)
	}
	if end < position {
		log.Debugf("Backlog: %v positions remain", position-end)
	}

	return nil
}

// applyTransfer stores the transfer and settles it against the marker
// table.  Replays are harmless: the store returns the prior digest and
// the marker table deduplicates by external ref.
func (r *Reconciler) applyTransfer(t feed.Transfer) error {
	pr, err := r.records.Put(t.Ref, store.RecordPayload{
		From:  t.From,
		To:    t.To,
		Value: t.Value,
	})
	if err != nil {
		return err
	}
	if !pr.Exists {
		metrics.RecordStored()
	}

	// A reference that already settled a marker is a replayed batch
	// entry.
	_, err = r.markers.ByExternalRef(t.Ref)
	if err == nil {
		log.Tracef("Transfer %v already settled", t.Ref)
		return nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}

	marker, err := r.markers.Resolve(t.From, t.To, t.Value)
	switch {
	case err == nil:
		if _, err := r.markers.Confirm(marker.MarkerID, t.Ref); err != nil {
			return err
		}
		metrics.RecordConfirmation("matched")
		log.Debugf("Confirmed marker %v via %v", marker.MarkerID, t.Ref)

	case errors.Is(err, ledger.ErrNotFound):
		// Transfer arrived before any marker announced it.
		marker, err = r.markers.SynthesizeConfirmed(t.Ref,
			map[string]string{
				ledger.PayloadFrom:   t.From,
				ledger.PayloadTo:     t.To,
				ledger.PayloadAmount: t.Value,
			})
		if err != nil {
			return err
		}
		metrics.RecordConfirmation("synthesized")
		metrics.RecordMarkerCreated(true)
		log.Debugf("Synthesized marker %v for %v", marker.MarkerID,
			t.Ref)

	default:
		return err
	}

	return nil
}

// committer is the cron entry point.
func (r *Reconciler) committer() {
	r.mtx.Lock()
	ctx := r.runCtx
	r.mtx.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := r.commit(ctx); err != nil {
		log.Errorf("Commit: %v", err)
	}
}

// commit snapshots the record set, recomputes the merkle root and anchors
// it when it changed.  The commit record is persisted before anchoring so
// an anchor failure leaves a retryable record instead of a lost root.
func (r *Reconciler) commit(ctx context.Context) error {
	r.commitMtx.Lock()
	defer r.commitMtx.Unlock()

	begin := time.Now()
	defer func() {
		metrics.ObserveCommit(time.Since(begin))
	}()

	leaves, err := r.records.LeafHashes()
	if err != nil {
		return fmt.Errorf("leaf hashes: %w", err)
	}
	if len(leaves) == 0 {
		log.Debugf("Commit: no records")
		return nil
	}

	root := merkle.Root(leaves)

	r.mtx.Lock()
	last := r.lastCommit
	r.mtx.Unlock()

	var cr *CommitRecord
	switch {
	case last != nil && last.MerkleRoot == *root && last.AnchoredRef != "":
		log.Debugf("Commit: root %x unchanged", *root)
		return nil
	case last != nil && last.MerkleRoot == *root:
		// Same root, anchor still outstanding from a prior run.
		cr = last
	default:
		cr = &CommitRecord{
			MerkleRoot:      *root,
			Leaves:          make([][sha256.Size]byte, len(leaves)),
			CommitTimestamp: time.Now().Unix(),
		}
		for i, l := range leaves {
			cr.Leaves[i] = *l
		}
		if err := r.state.SetCommitRecord(cr); err != nil {
			return fmt.Errorf("persist commit: %w", err)
		}
		r.mtx.Lock()
		r.lastCommit = cr
		r.mtx.Unlock()
		log.Infof("Committed root %x (%v leaves)", *root, len(leaves))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = anchorWindow
	var ref string
	err = backoff.Retry(func() error {
		var err error
		ref, err = r.registry.Anchor(ctx, root)
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		metrics.RecordAnchor("error")
		return fmt.Errorf("anchor root %x: %w", *root, err)
	}
	if ref == "" {
		return fmt.Errorf("anchor root %x: empty registry ref", *root)
	}

	anchored := *cr
	anchored.AnchoredRef = ref
	anchored.AnchorTimestamp = time.Now().Unix()
	if err := r.state.SetCommitRecord(&anchored); err != nil {
		return fmt.Errorf("persist anchor: %w", err)
	}
	r.mtx.Lock()
	r.lastCommit = &anchored
	r.mtx.Unlock()
	metrics.RecordAnchor("ok")

	log.Infof("Anchored root %x ref %v in %v", *root, ref,
		time.Since(begin))

	return nil
}

// Commit runs one commit cycle outside the schedule.  The daemon uses it
// to flush outstanding records during shutdown.
func (r *Reconciler) Commit(ctx context.Context) error {
	return r.commit(ctx)
}

// Status returns a snapshot of the reconciler's progress.
func (r *Reconciler) Status() Status {
	pending, confirmed := r.markers.Counts()

	r.mtx.Lock()
	defer r.mtx.Unlock()
	st := Status{
		Cursor:         r.cursor,
		PendingMarkers: pending,
		Confirmed:      confirmed,
	}
	if r.lastCommit != nil {
		st.MerkleRoot = hex.EncodeToString(r.lastCommit.MerkleRoot[:])
		st.AnchoredRef = r.lastCommit.AnchoredRef
	}
	return st
}

// LastCommit returns the most recent commit record or nil when nothing
// has been committed.  Callers must treat the record as read only.
func (r *Reconciler) LastCommit() *CommitRecord {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.lastCommit
}
