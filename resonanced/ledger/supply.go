// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tryfinity/resonance/util"
)

// Ledger constants the supply tracker ships with.
const (
	DefaultTotalSupply = 1021000000
	DefaultBurnTarget  = 1000000000
)

// SupplyState is the persisted supply tracker state.
type SupplyState struct {
	Circulating uint64 `json:"circulating"`
	BurnedTotal uint64 `json:"burnedtotal"`
	TotalSupply uint64 `json:"totalsupply"`
	BurnTarget  uint64 `json:"burntarget"`
	TriggeredAt int64  `json:"triggeredat,omitempty"`
}

// SupplyTracker applies the one shot burn rule to externally reported
// circulating supply: the first report where circulating reaches the total
// supply adds the burn target to the burned total.  The state survives
// restarts, keeping the burn exactly once for the lifetime of the data
// directory.
type SupplyTracker struct {
	sync.Mutex

	filename string
	state    SupplyState

	myNow func() time.Time // Override for testing
}

// NewSupplyTracker loads the tracker state from filename or initializes it
// with the provided constants when no state exists yet.
func NewSupplyTracker(filename string, totalSupply, burnTarget uint64) (*SupplyTracker, error) {
	t := &SupplyTracker{
		filename: filename,
		myNow:    time.Now,
	}

	b, err := os.ReadFile(filename)
	switch {
	case os.IsNotExist(err):
		t.state = SupplyState{
			TotalSupply: totalSupply,
			BurnTarget:  burnTarget,
		}
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(b, &t.state); err != nil {
			return nil, fmt.Errorf("supply state %v: %w", filename,
				err)
		}
	}

	log.Infof("Supply tracker: burned %v of %v target",
		t.state.BurnedTotal, t.state.BurnTarget)

	return t, nil
}

// Report records a circulating supply observation and applies the burn
// rule.  The returned delta is the amount burned by this report, zero on
// all but the triggering one.
func (t *SupplyTracker) Report(circulating uint64) (uint64, SupplyState, error) {
	t.Lock()
	defer t.Unlock()

	t.state.Circulating = circulating

	var delta uint64
	if t.state.BurnedTotal < t.state.BurnTarget &&
		circulating >= t.state.TotalSupply {
		delta = t.state.BurnTarget
		t.state.BurnedTotal += delta
		t.state.TriggeredAt = t.myNow().Unix()
		log.Infof("Supply burn triggered: circulating %v >= total %v, "+
			"burned %v", circulating, t.state.TotalSupply, delta)
	}

	if err := t.save(); err != nil {
		return 0, t.state, err
	}
	return delta, t.state, nil
}

// State returns a copy of the current supply state.
func (t *SupplyTracker) State() SupplyState {
	t.Lock()
	defer t.Unlock()

	return t.state
}

// save persists the state.  The in memory state is authoritative; a failed
// save leaves the burn applied so retried reports cannot double burn.
func (t *SupplyTracker) save() error {
	b, err := json.Marshal(&t.state)
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(t.filename, b, 0600)
}
