package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Sweep removes scratch entries older than the stale threshold, leaving
// the folders of exports that are still running.
func (p *Pipeline) Sweep() error {
	entries, err := os.ReadDir(p.cfg.ScratchDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	cutoff := p.now().Add(-p.cfg.StaleAfter)
	var errs []error
	for _, e := range entries {
		if p.busy(strings.TrimSuffix(e.Name(), ".zip")) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.cfg.ScratchDir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		p.logger.Debug("removed stale scratch entry", "name", e.Name())
	}
	return errors.Join(errs...)
}

// ReapStats counts what one Reap pass removed.
type ReapStats struct {
	DownloadLogs int
	Sessions     int64
	Trials       int64
}

// Reap deletes download logs and their archives past the archive
// retention, then purges sessions and trials trashed longer than the trash
// retention.
func (p *Pipeline) Reap(ctx context.Context) (ReapStats, error) {
	var stats ReapStats
	now := p.now()

	logs, err := p.store.ListDownloadLogsBefore(ctx, now.Add(-p.cfg.ArchiveRetention))
	if err != nil {
		return stats, fmt.Errorf("list expired download logs: %w", err)
	}
	for _, l := range logs {
		if l.Media != "" {
			if err := p.blobs.Delete(ctx, p.cfg.ArchiveBucket, l.Media); err != nil {
				p.logger.Warn("could not delete archive", "task_id", l.TaskID, "media", l.Media, "error", err)
				continue
			}
		}
		if err := p.store.DeleteDownloadLog(ctx, l.ID); err != nil {
			return stats, fmt.Errorf("delete download log %s: %w", l.TaskID, err)
		}
		stats.DownloadLogs++
	}

	trashCutoff := now.Add(-p.cfg.TrashRetention)
	if stats.Trials, err = p.store.PurgeTrashedTrials(ctx, trashCutoff); err != nil {
		return stats, fmt.Errorf("purge trashed trials: %w", err)
	}
	if stats.Sessions, err = p.store.PurgeTrashedSessions(ctx, trashCutoff); err != nil {
		return stats, fmt.Errorf("purge trashed sessions: %w", err)
	}

	p.logger.Info("retention pass finished",
		"download_logs", stats.DownloadLogs,
		"trials", stats.Trials,
		"sessions", stats.Sessions)
	return stats, nil
}
