package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/lumina/pkg/models"
	"golang.org/x/sync/errgroup"
)

const copyWorkers = 8

// CopyStats summarises a Copy run.
type CopyStats struct {
	Total       int `json:"total"`
	Migrated    int `json:"migrated"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
	Activations int `json:"activations"`
}

// Copy inserts every license of src into dst, activations included. Keys
// already present in dst are skipped and per-license failures are counted
// rather than aborting the run; only a failure to read src is returned. With
// dryRun nothing is written and every license counts as migrated.
func Copy(ctx context.Context, dst, src Store, dryRun bool) (CopyStats, error) {
	var (
		mu    sync.Mutex
		stats CopyStats
	)
	record := func(f func(*CopyStats)) {
		mu.Lock()
		f(&stats)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(copyWorkers)

	for l, err := range src.List(ctx, Filter{}) {
		if err != nil {
			g.Wait()
			return stats, fmt.Errorf("read source: %w", err)
		}
		record(func(s *CopyStats) { s.Total++ })

		if dryRun {
			record(func(s *CopyStats) {
				s.Migrated++
				s.Activations += len(l.Activations)
			})
			continue
		}

		g.Go(func() error {
			err := dst.Create(gctx, l)
			switch {
			case errors.Is(err, ErrDuplicateKey):
				record(func(s *CopyStats) { s.Skipped++ })
			case err != nil:
				slog.Warn("license copy failed", "license_key", models.MaskKey(l.Key), "error", err)
				record(func(s *CopyStats) { s.Failed++ })
			default:
				record(func(s *CopyStats) {
					s.Migrated++
					s.Activations += len(l.Activations)
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, ctx.Err()
}

// Export writes every license of src to w as a JSON document in the layout
// the file backend reads, so an export can be opened with OpenFile.
func Export(ctx context.Context, src Store, w io.Writer, now time.Time) (int, error) {
	licenses, err := Collect(src.List(ctx, Filter{}))
	if err != nil {
		return 0, fmt.Errorf("read licenses: %w", err)
	}
	if licenses == nil {
		licenses = []*models.License{}
	}
	doc := document{
		Licenses: licenses,
		Metadata: fileMetadata{
			Version:       fileFormatVersion,
			TotalLicenses: len(licenses),
			LastUpdated:   now.UTC(),
		},
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return 0, fmt.Errorf("encode export: %w", err)
	}
	return len(licenses), nil
}
