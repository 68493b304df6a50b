// Package memory provides in-memory implementations of the storage
// contracts. Worker tests run against these instead of Postgres, S3, and
// Redis; the exported failure fields inject faults deterministically.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pointlake/pointlake/internal/errs"
	"github.com/pointlake/pointlake/internal/storage"
)

// Hot is an in-memory PointStore + HotStore.
type Hot struct {
	mu      sync.RWMutex
	nextID  int64
	points  map[string]map[string]*storage.Point // site → name → point
	byID    map[int64]*storage.Point
	samples map[int64]map[int64]float64 // point id → ts → value

	// Fault injection. Checked at the top of the corresponding call.
	UpsertErr error
	QueryErr  error
	StreamErr error
	DeleteErr error
	CountErr  error

	// DeleteCountAdjust skews the reported delete count to provoke
	// integrity handling in tests.
	DeleteCountAdjust int64
}

// NewHot returns an empty hot store.
func NewHot() *Hot {
	return &Hot{
		points:  make(map[string]map[string]*storage.Point),
		byID:    make(map[int64]*storage.Point),
		samples: make(map[int64]map[int64]float64),
	}
}

func (h *Hot) EnsurePoints(ctx context.Context, site string, points []storage.PointUpsert) (map[string]int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	siteMap, ok := h.points[site]
	if !ok {
		siteMap = make(map[string]*storage.Point)
		h.points[site] = siteMap
	}
	out := make(map[string]int64, len(points))
	now := time.Now().UTC()
	for _, pu := range points {
		if p, ok := siteMap[pu.Name]; ok {
			out[pu.Name] = p.ID
			continue
		}
		h.nextID++
		dt := pu.DataType
		if dt == "" {
			dt = "analog"
		}
		p := &storage.Point{
			ID:          h.nextID,
			SiteName:    site,
			Name:        pu.Name,
			DisplayName: pu.DisplayName,
			DataType:    dt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		siteMap[pu.Name] = p
		h.byID[p.ID] = p
		out[pu.Name] = p.ID
	}
	return out, nil
}

func (h *Hot) PointsBySite(ctx context.Context, site string) ([]storage.Point, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []storage.Point
	for _, p := range h.points[site] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (h *Hot) UpsertBatch(ctx context.Context, rows []storage.Sample) error {
	if h.UpsertErr != nil {
		return h.UpsertErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, row := range rows {
		m, ok := h.samples[row.PointID]
		if !ok {
			m = make(map[int64]float64)
			h.samples[row.PointID] = m
		}
		m[row.TS] = row.Value
	}
	return nil
}

func (h *Hot) QueryRange(ctx context.Context, q storage.RangeQuery) ([]storage.NamedSample, error) {
	if h.QueryErr != nil {
		return nil, h.QueryErr
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	want := make(map[string]bool, len(q.Names))
	for _, n := range q.Names {
		want[n] = true
	}
	var out []storage.NamedSample
	for _, p := range h.points[q.Site] {
		if len(want) > 0 && !want[p.Name] {
			continue
		}
		for ts, v := range h.samples[p.ID] {
			if ts >= q.StartMS && ts <= q.EndMS {
				out = append(out, storage.NamedSample{Name: p.Name, TS: ts, Value: v})
			}
		}
	}
	sortNamed(out)
	return out, nil
}

func (h *Hot) StreamRange(ctx context.Context, site string, startMS, endMS int64, fn func(storage.NamedSample) error) error {
	if h.StreamErr != nil {
		return h.StreamErr
	}
	h.mu.RLock()
	var rows []storage.NamedSample
	for _, p := range h.points[site] {
		for ts, v := range h.samples[p.ID] {
			if ts >= startMS && ts < endMS {
				rows = append(rows, storage.NamedSample{Name: p.Name, TS: ts, Value: v})
			}
		}
	}
	h.mu.RUnlock()

	sortNamed(rows)
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hot) OldestTS(ctx context.Context, site string) (int64, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	oldest := int64(0)
	found := false
	for _, p := range h.points[site] {
		for ts := range h.samples[p.ID] {
			if !found || ts < oldest {
				oldest = ts
				found = true
			}
		}
	}
	return oldest, found, nil
}

func (h *Hot) CountRange(ctx context.Context, site string, startMS, endMS int64) (int64, error) {
	if h.CountErr != nil {
		return 0, h.CountErr
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	var n int64
	for _, p := range h.points[site] {
		for ts := range h.samples[p.ID] {
			if ts >= startMS && ts < endMS {
				n++
			}
		}
	}
	return n, nil
}

func (h *Hot) DeleteRange(ctx context.Context, site string, startMS, endMS int64) (int64, error) {
	if h.DeleteErr != nil {
		return 0, h.DeleteErr
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var n int64
	for _, p := range h.points[site] {
		for ts := range h.samples[p.ID] {
			if ts >= startMS && ts < endMS {
				delete(h.samples[p.ID], ts)
				n++
			}
		}
	}
	return n + h.DeleteCountAdjust, nil
}

func (h *Hot) Ping(ctx context.Context) error { return nil }

func sortNamed(rows []storage.NamedSample) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].TS != rows[j].TS {
			return rows[i].TS < rows[j].TS
		}
		return rows[i].Name < rows[j].Name
	})
}

// Cold is an in-memory ColdStore.
type Cold struct {
	mu      sync.RWMutex
	objects map[string][]byte
	puts    map[string]int

	PutErr  error
	GetErr  error
	HeadErr error
	ListErr error

	// PutFailuresRemaining fails that many Puts before letting one through.
	PutFailuresRemaining int
}

// NewCold returns an empty cold store.
func NewCold() *Cold {
	return &Cold{objects: make(map[string][]byte), puts: make(map[string]int)}
}

func (c *Cold) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	if c.PutErr != nil {
		return c.PutErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.PutFailuresRemaining > 0 {
		c.PutFailuresRemaining--
		// Kinded like a real transient store failure so retry loops treat
		// it the same way.
		return errs.Newf(errs.ColdStore, "memory.put", "injected put failure for %s", key)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	c.objects[key] = data
	c.puts[key]++
	return nil
}

func (c *Cold) Head(ctx context.Context, key string) (storage.ObjectInfo, error) {
	if c.HeadErr != nil {
		return storage.ObjectInfo{}, c.HeadErr
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, ok := c.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (c *Cold) Get(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, ok := c.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("object %s is %d bytes, over the %d byte limit", key, len(data), maxBytes)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (c *Cold) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	if c.ListErr != nil {
		return nil, c.ListErr
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []storage.ObjectInfo
	for key, data := range c.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (c *Cold) Ping(ctx context.Context) error { return nil }

// PutCount reports how many successful Puts hit a key.
func (c *Cold) PutCount(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.puts[key]
}

// SetObject seeds an object directly, bypassing Put accounting.
func (c *Cold) SetObject(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key] = bytes.Clone(data)
}

// Object returns a stored object's bytes, or nil.
func (c *Cold) Object(key string) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return bytes.Clone(c.objects[key])
}

type stateEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// State is an in-memory StateStore with injectable time for TTL tests.
type State struct {
	mu      sync.Mutex
	entries map[string]stateEntry

	// Clock supplies now; defaults to time.Now.
	Clock func() time.Time

	GetErr error
	PutErr error
	CASErr error
}

// NewState returns an empty state store.
func NewState() *State {
	return &State{entries: make(map[string]stateEntry), Clock: time.Now}
}

func (s *State) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *State) live(key string) ([]byte, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e.value, true
}

func (s *State) Get(ctx context.Context, key string) ([]byte, error) {
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.live(key)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (s *State) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.PutErr != nil {
		return s.PutErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := stateEntry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *State) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	if s.CASErr != nil {
		return false, s.CASErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.live(key)
	if old == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || !bytes.Equal(cur, old) {
			return false, nil
		}
	}
	e := stateEntry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

func (s *State) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *State) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for key := range s.entries {
		if _, ok := s.live(key); !ok {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *State) Ping(ctx context.Context) error { return nil }
