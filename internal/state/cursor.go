package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/pointlake/pointlake/internal/storage"
)

// LoadCursor returns the sync cursor for a site. ok is false when no
// cursor exists yet (first run).
func LoadCursor(ctx context.Context, st storage.StateStore, site string) (ms int64, ok bool, err error) {
	raw, err := st.Get(ctx, CursorKey(site))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load cursor for %s: %w", site, err)
	}
	ms, err = strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cursor for %s: %w", site, err)
	}
	return ms, true, nil
}

// SaveCursor advances the sync cursor. Moving backward is refused: the
// sync window math guarantees end > cursor, so a regression here means a
// logic bug, not a legitimate state.
func SaveCursor(ctx context.Context, st storage.StateStore, site string, ms int64) error {
	cur, ok, err := LoadCursor(ctx, st, site)
	if err != nil {
		return err
	}
	if ok && ms < cur {
		return fmt.Errorf("cursor for %s would move backward: %d -> %d", site, cur, ms)
	}
	if err := st.Put(ctx, CursorKey(site), []byte(strconv.FormatInt(ms, 10)), 0); err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", site, err)
	}
	return nil
}
