package estimate

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"
)

// PreScan walks root within the given time box and returns workload
// signals for it: the count of regular files and their total size.
//
// The box is a hard bound on scan effort, not a guarantee of coverage.
// When it expires, or ctx is done, the walk stops where it is and the
// partial signals come back with Truncated set. Unreadable entries are
// skipped rather than failing the scan; only an unusable root is an
// error, and callers should fall back to the base budget then.
func PreScan(ctx context.Context, root string, box time.Duration) (Signals, error) {
	var sig Signals
	deadline := time.Time{}
	if box > 0 {
		deadline = time.Now().Add(box)
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if !deadline.IsZero() && time.Now().After(deadline) {
			sig.Truncated = true
			return fs.SkipAll
		}
		if ctx.Err() != nil {
			sig.Truncated = true
			return fs.SkipAll
		}
		if err != nil {
			// An unusable root fails the scan; anything below it is skipped
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		sig.Items++
		if info, err := d.Info(); err == nil {
			sig.Bytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return Signals{}, fmt.Errorf("pre-scan of %s: %w", root, err)
	}
	return sig, nil
}
