package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pointlake/pointlake/internal/storage"
)

type leaseRecord struct {
	Owner      string `json:"owner"`
	AcquiredAt int64  `json:"acquired_at_ms"`
	ExpiresAt  int64  `json:"expires_at_ms"`
}

// Lease is an advisory lock with a TTL. A crashed holder is reclaimed two
// ways: the state entry expires, or the embedded expiry passes and the
// next acquirer swaps the stale record out.
type Lease struct {
	store storage.StateStore
	key   string
	owner string
	ttl   time.Duration
	clock func() time.Time
}

// NewLease prepares a lease handle; nothing is acquired yet.
func NewLease(store storage.StateStore, key, owner string, ttl time.Duration, clock func() time.Time) *Lease {
	if clock == nil {
		clock = time.Now
	}
	return &Lease{store: store, key: key, owner: owner, ttl: ttl, clock: clock}
}

// Acquire takes the lease. reclaimed reports that a stale holder was
// displaced, which callers log.
func (l *Lease) Acquire(ctx context.Context) (acquired, reclaimed bool, err error) {
	now := l.clock()
	rec := leaseRecord{
		Owner:      l.owner,
		AcquiredAt: now.UnixMilli(),
		ExpiresAt:  now.Add(l.ttl).UnixMilli(),
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return false, false, err
	}
	// Entry TTL gets a grace period so the embedded expiry is the one
	// that decides staleness.
	entryTTL := l.ttl + l.ttl/2

	raw, err := l.store.Get(ctx, l.key)
	if errors.Is(err, storage.ErrNotFound) {
		ok, err := l.store.CompareAndSwap(ctx, l.key, nil, val, entryTTL)
		return ok, false, err
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to read lease %s: %w", l.key, err)
	}

	var cur leaseRecord
	if err := json.Unmarshal(raw, &cur); err != nil {
		// Corrupt record: treat as stale and swap it out.
		ok, err := l.store.CompareAndSwap(ctx, l.key, raw, val, entryTTL)
		return ok, ok, err
	}
	if cur.ExpiresAt > now.UnixMilli() {
		return false, false, nil
	}
	ok, err := l.store.CompareAndSwap(ctx, l.key, raw, val, entryTTL)
	return ok, ok, err
}

// Release drops the lease if this owner still holds it.
func (l *Lease) Release(ctx context.Context) error {
	raw, err := l.store.Get(ctx, l.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var cur leaseRecord
	if err := json.Unmarshal(raw, &cur); err != nil || cur.Owner != l.owner {
		return nil
	}
	return l.store.Delete(ctx, l.key)
}
