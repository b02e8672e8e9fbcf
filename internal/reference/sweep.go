package reference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
)

const minSweepInterval = time.Second

// Sweep removes audio files directly inside dir last modified before cutoff
// and returns how many it removed. Subdirectories and non-audio files are
// left alone. A missing dir is not an error.
func Sweep(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to list upload directory %s: %w", dir, err)
	}

	var (
		removed int
		errs    []error
	)

	for _, entry := range entries {
		if !entry.Type().IsRegular() || !IsAudioFile(entry.Name()) {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		removeErr := os.Remove(filepath.Join(dir, entry.Name()))
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			errs = append(errs, removeErr)

			continue
		}

		removed++
	}

	return removed, errors.Join(errs...)
}

// RunSweeper calls Sweep on dir every interval, expiring clips older than
// maxAge, until ctx is done. A non-positive maxAge disables it.
func RunSweeper(ctx context.Context, dir string, maxAge, interval time.Duration, log *logger.Logger) {
	if maxAge <= 0 {
		return
	}

	if interval < minSweepInterval {
		interval = minSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := Sweep(dir, now.Add(-maxAge))
			if err != nil {
				log.Warn("Upload sweep of %s incomplete: %v", dir, err)
			}

			if removed > 0 {
				log.Info("Removed %d expired reference clip(s) from %s", removed, dir)
			}
		}
	}
}
