// Package component defines the capability contract the scheduler invokes on
// registered subscribers.
//
// Every capability is a separate one-method interface. The scheduler records
// which ones a subscriber implements once, at registration, as a
// Capabilities bitmask. A subscriber without Update is still valid: firing it
// is a logged no-op.
package component

import (
	"context"
	"sync"
	"time"

	"github.com/dshills/tablewatch/pkg/state"
)

// Refresher redisplays current state without new data.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Updater applies new data. Implementations should skip redundant work when
// the snapshot's content hash has not changed (see Base.ShouldApply).
// snap may be nil when no state has been submitted yet.
type Updater interface {
	Update(ctx context.Context, snap *state.Snapshot) error
}

// Populator performs a full from-scratch initialisation.
type Populator interface {
	Populate(ctx context.Context, snap *state.Snapshot) error
}

// Resetter returns the component to its initial state.
type Resetter interface {
	Reset(ctx context.Context) error
}

// NeedsUpdater reports whether the component considers itself stale.
type NeedsUpdater interface {
	NeedsUpdate() bool
}

// LastUpdater reports when the component last applied an update.
type LastUpdater interface {
	LastUpdateTime() time.Time
}

// Capabilities is a bitmask of implemented capability interfaces.
type Capabilities uint8

const (
	CanRefresh Capabilities = 1 << iota
	CanUpdate
	CanPopulate
	CanReset
	CanReportNeedsUpdate
	CanReportLastUpdate
)

// Has reports whether every bit in c2 is set.
func (c Capabilities) Has(c2 Capabilities) bool { return c&c2 == c2 }

// Detect computes the capability bitmask of sub.
func Detect(sub interface{}) Capabilities {
	var c Capabilities
	if _, ok := sub.(Refresher); ok {
		c |= CanRefresh
	}
	if _, ok := sub.(Updater); ok {
		c |= CanUpdate
	}
	if _, ok := sub.(Populator); ok {
		c |= CanPopulate
	}
	if _, ok := sub.(Resetter); ok {
		c |= CanReset
	}
	if _, ok := sub.(NeedsUpdater); ok {
		c |= CanReportNeedsUpdate
	}
	if _, ok := sub.(LastUpdater); ok {
		c |= CanReportLastUpdate
	}
	return c
}

// Base is an embeddable helper that tracks the bookkeeping every component
// needs: whether it has ever been populated, when it last applied an update
// and which content hash that update carried. Its Refresh, Populate and
// Reset are no-op defaults that embedding types may override. Base does not
// implement Updater; embedding types provide Update themselves.
type Base struct {
	mu         sync.Mutex
	populated  bool
	lastUpdate time.Time
	lastHash   string
	stale      bool
}

// ShouldApply reports whether snap carries content not yet applied. It
// returns false for nil snapshots and for hashes equal to the last applied one.
func (b *Base) ShouldApply(snap *state.Snapshot) bool {
	if snap == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return snap.ContentHash() != b.lastHash
}

// MarkApplied records that snap was applied at now.
func (b *Base) MarkApplied(snap *state.Snapshot, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if snap != nil {
		b.lastHash = snap.ContentHash()
	}
	b.lastUpdate = now
	b.stale = false
}

// MarkStale flags the component as needing an update.
func (b *Base) MarkStale() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stale = true
}

// MarkPopulated sets the "ever populated" flag and records snap as applied.
func (b *Base) MarkPopulated(snap *state.Snapshot, now time.Time) {
	b.MarkApplied(snap, now)
	b.mu.Lock()
	b.populated = true
	b.mu.Unlock()
}

// Populated reports whether the component was ever populated.
func (b *Base) Populated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.populated
}

// NeedsUpdate implements NeedsUpdater.
func (b *Base) NeedsUpdate() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stale || !b.populated
}

// LastUpdateTime implements LastUpdater.
func (b *Base) LastUpdateTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate
}

// Refresh is a no-op default.
func (b *Base) Refresh(context.Context) error { return nil }

// Populate records snap as applied and sets the populated flag.
func (b *Base) Populate(_ context.Context, snap *state.Snapshot) error {
	b.MarkPopulated(snap, time.Now())
	return nil
}

// Reset clears all bookkeeping.
func (b *Base) Reset(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.populated = false
	b.lastUpdate = time.Time{}
	b.lastHash = ""
	b.stale = false
	return nil
}
