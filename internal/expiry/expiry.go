// Package expiry deletes cached artifacts older than a cutoff.
//
// The keyspace is walked page by page and deletions trail the listing by
// one page: keys found on page N are deleted only after page N+1 has been
// fetched. Deleting the page that is still being paginated moves the cursor
// under the listing on some backends and silently skips keys.
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eteran/stash/internal/storage"
)

// CursorSize is the page size of a sweep. It stays under the 1000-key bulk
// limit of every backend.
const CursorSize = 500

type Options struct {
	// CutoffHours is the age at which an object expires. A negative value
	// expires everything not created in the future.
	CutoffHours float64

	// Now defaults to time.Now.
	Now func() time.Time
}

// Result summarises one sweep.
type Result struct {
	Pages   int
	Scanned int
	Deleted int
}

// IsExpired reports whether an object created at createdAt is at least
// hours old at now.
func IsExpired(createdAt time.Time, now time.Time, hours float64) bool {
	cutoff := int64(hours * float64(time.Hour/time.Millisecond))
	return now.UnixMilli()-createdAt.UnixMilli() >= cutoff
}

func eligible(entry storage.KeyWithMetadata, now time.Time, hours float64) bool {
	if entry.Metadata == nil || entry.Metadata.CreatedAt.IsZero() {
		return true
	}
	return IsExpired(entry.Metadata.CreatedAt, now, hours)
}

// DeleteOldCache sweeps s once. It stops at the first list or delete error;
// the next run starts again from the first page.
func DeleteOldCache(ctx context.Context, s storage.Storage, opts Options) (Result, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	now := opts.Now()

	var (
		result  Result
		pending [][]string
		cursor  string
	)

	flush := func() error {
		batch := pending[0]
		pending = pending[1:]
		if err := s.Delete(ctx, batch...); err != nil {
			return fmt.Errorf("delete %d expired objects: %w", len(batch), err)
		}
		result.Deleted += len(batch)
		slog.Debug("Deleted expired objects", "count", len(batch))
		return nil
	}

	for {
		page, err := s.ListWithMetadata(ctx, storage.ListOptions{Limit: CursorSize, Cursor: cursor})
		if err != nil {
			return result, fmt.Errorf("list page %d: %w", result.Pages+1, err)
		}
		result.Pages++
		result.Scanned += len(page.Keys)

		// The previous page is fully listed now, so its batch is safe to drop.
		if len(pending) > 0 {
			if err := flush(); err != nil {
				return result, err
			}
		}

		var batch []string
		for _, entry := range page.Keys {
			if eligible(entry, now, opts.CutoffHours) {
				batch = append(batch, entry.Key)
			}
		}
		if len(batch) > 0 {
			pending = append(pending, batch)
		}

		// A truncated page without a cursor would restart from the first page.
		if !page.Truncated || page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	for len(pending) > 0 {
		if err := flush(); err != nil {
			return result, err
		}
	}

	return result, nil
}
