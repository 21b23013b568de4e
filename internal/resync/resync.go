// Package resync retries uploads of files parked in the backup dir.
package resync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"

	"camrelay/internal/model"
)

type Store interface {
	ListBacklog(ctx context.Context, maxRetries int) ([]model.FileRecord, error)
	MarkSuccess(ctx context.Context, filename, remoteKey string) error
	IncrementRetries(ctx context.Context, filename string, cause error) error
}

// Uploader is satisfied by *delivery.Engine.
type Uploader interface {
	Upload(ctx context.Context, filename, path string) (string, error)
	BackupPath(filename string) string
}

type Notifier interface {
	Notify(ctx context.Context, message string, priority model.Priority) bool
}

type Option func(*Job)

func WithLogger(logger zerolog.Logger) Option {
	return func(j *Job) {
		j.logger = logger
	}
}

type Job struct {
	store      Store
	uploader   Uploader
	notify     Notifier
	maxRetries int
	logger     zerolog.Logger
}

func New(st Store, up Uploader, n Notifier, maxRetries int, opts ...Option) *Job {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	j := &Job{
		store:      st,
		uploader:   up,
		notify:     n,
		maxRetries: maxRetries,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

type Report struct {
	Attempted int
	Uploaded  int
	Failed    int
	Missing   int
}

// RunOnce makes one pass over the backlog. Per-file failures only bump the
// retry count; the returned error is for store faults and cancellation.
func (j *Job) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	backlog, err := j.store.ListBacklog(ctx, j.maxRetries)
	if err != nil {
		return rep, err
	}

	for _, rec := range backlog {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		log := j.logger.With().Str("file", rec.Filename).Int("retries", rec.Retries).Logger()

		path := j.uploader.BackupPath(rec.Filename)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Warn().Str("path", path).Msg("backup payload missing, skipping")
				rep.Missing++
				continue
			}
			return rep, err
		}

		rep.Attempted++
		key, upErr := j.uploader.Upload(ctx, rec.Filename, path)
		if upErr != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.Failed++
			log.Warn().Err(upErr).Msg("resync upload failed")
			if err := j.store.IncrementRetries(ctx, rec.Filename, upErr); err != nil {
				return rep, fmt.Errorf("count retry for %s: %w", rec.Filename, err)
			}
			continue
		}

		if err := j.store.MarkSuccess(ctx, rec.Filename, key); err != nil {
			return rep, fmt.Errorf("mark %s delivered: %w", rec.Filename, err)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Msg("remove backup payload failed")
		}
		rep.Uploaded++
		log.Info().Str("key", key).Msg("backup file delivered")
		j.notify.Notify(ctx, fmt.Sprintf("Successfully uploaded backup file %s", rec.Filename), model.PriorityLow)
	}

	if rep.Attempted > 0 || rep.Missing > 0 {
		j.logger.Info().
			Int("attempted", rep.Attempted).
			Int("uploaded", rep.Uploaded).
			Int("failed", rep.Failed).
			Int("missing", rep.Missing).
			Msg("resync pass finished")
	}
	return rep, nil
}
