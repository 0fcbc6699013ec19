// Package janitor implements the duplicate-cleanup contract of §4.3's final
// paragraph: hard-deletes subjects that have sat in pending_duplicate_removal
// past a configurable dwell. Invoked externally (a CLI command or cron), not
// by the training worker.
package janitor

import (
	"context"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/kozaktomas/photo-sorter/internal/logging"
	"github.com/kozaktomas/photo-sorter/internal/storepg"
)

// Repository is the persistence slice janitor needs.
type Repository interface {
	ListDue(ctx context.Context, modelName string, dwell time.Duration) ([]storepg.PendingDuplicate, error)
	HardDelete(ctx context.Context, tenantID, subjectID string) error
}

// Sweep deletes every subject past dwell for modelName, reporting progress
// the way the teacher's backfill commands do (cmd/photo_embed.go).
func Sweep(ctx context.Context, repo Repository, modelName string, dwell time.Duration, showProgress bool) (int, error) {
	log := logging.New("janitor")

	due, err := repo.ListDue(ctx, modelName, dwell)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		log.Info().Msg("no subjects due for duplicate cleanup")
		return 0, nil
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(due),
			progressbar.OptionSetDescription("Removing duplicate subjects"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionFullWidth(),
		)
	}

	deleted := 0
	for _, d := range due {
		if err := repo.HardDelete(ctx, d.TenantID, d.SubjectID); err != nil {
			log.Error().Err(err).Str("tenant_id", d.TenantID).Str("subject_id", d.SubjectID).Msg("hard delete failed")
			continue
		}
		deleted++
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	log.Info().Int("deleted", deleted).Int("candidates", len(due)).Msg("duplicate cleanup sweep complete")
	return deleted, nil
}
