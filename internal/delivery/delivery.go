// Package delivery moves one downloaded file to the remote sink, or into the
// local backup dir when that fails, and records the result in the state store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"camrelay/internal/copyutil"
	"camrelay/internal/hash"
	"camrelay/internal/model"
	"camrelay/internal/sink"
	"camrelay/internal/store"
)

// ErrVerificationFailed means the scratch copy did not match its source.
var ErrVerificationFailed = errors.New("scratch copy verification failed")

type Outcome int

const (
	Failed Outcome = iota
	Delivered
	BackedUp
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case BackedUp:
		return "backed-up"
	default:
		return "failed"
	}
}

// Store is the subset of *store.Store the engine needs.
type Store interface {
	Get(ctx context.Context, filename string) (model.FileRecord, error)
	UpsertPending(ctx context.Context, f model.FileRecord) error
	MarkSuccess(ctx context.Context, filename, remoteKey string) error
	MarkBackup(ctx context.Context, filename string, cause error) error
}

type Notifier interface {
	Notify(ctx context.Context, message string, priority model.Priority) bool
}

type Config struct {
	ScratchDir string
	BackupDir  string
	KeyPrefix  string
}

type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNamespace supplies the device id placed between prefix and filename in
// object keys. It is evaluated per upload.
func WithNamespace(fn func() string) Option {
	return func(e *Engine) {
		e.namespace = fn
	}
}

type Engine struct {
	cfg       Config
	store     Store
	sink      sink.Sink
	notify    Notifier
	namespace func() string
	logger    zerolog.Logger

	// snapshot copies the payload to scratch and returns the source size
	// observed before the copy.
	snapshot func(src, dst string) (int64, error)
}

func New(st Store, sk sink.Sink, n Notifier, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     st,
		sink:      sk,
		notify:    n,
		namespace: func() string { return "" },
		logger:    zerolog.Nop(),
		snapshot:  copyutil.Snapshot,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BackupPath is where filename's payload lives while it waits for resync.
func (e *Engine) BackupPath(filename string) string {
	return filepath.Join(e.cfg.BackupDir, filename)
}

// Deliver uploads localPath as filename. The local payload is consumed: it is
// deleted after delivery or moved into the backup dir. Failed leaves it in
// place for the caller. A non-nil error is only returned alongside Failed for
// faults the caller must escalate, such as the store being unavailable.
func (e *Engine) Deliver(ctx context.Context, filename, localPath string) (Outcome, error) {
	log := e.logger.With().Str("file", filename).Logger()

	rec, err := e.store.Get(ctx, filename)
	switch {
	case err == nil && rec.Status == model.StatusSuccess:
		log.Info().Msg("already delivered, skipping upload")
		e.discard(log, localPath)
		return Delivered, nil
	case err == nil && rec.Status == model.StatusBackup:
		// resync owns it; keep the freshest copy for it
		if err := copyutil.Move(localPath, e.BackupPath(filename)); err != nil {
			log.Error().Err(err).Msg("refresh backup copy failed")
			e.discard(log, localPath)
		}
		log.Info().Msg("already in backup, left to resync")
		return BackedUp, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return Failed, fmt.Errorf("lookup %s: %w", filename, err)
	}

	sum, err := hash.Compute(localPath)
	if err != nil {
		return Failed, fmt.Errorf("checksum %s: %w", filename, err)
	}
	err = e.store.UpsertPending(ctx, model.FileRecord{
		Filename: filename,
		Checksum: sum.SHA256,
		CRC32C:   sum.CRC32C,
		Size:     sum.Size,
	})
	if err != nil {
		return Failed, fmt.Errorf("record %s: %w", filename, err)
	}

	key, upErr := e.Upload(ctx, filename, localPath)
	if upErr == nil {
		if err := e.store.MarkSuccess(ctx, filename, key); err != nil {
			return Failed, fmt.Errorf("mark %s delivered: %w", filename, err)
		}
		e.discard(log, localPath)
		log.Info().Str("key", key).Int64("size", sum.Size).Msg("delivered")
		return Delivered, nil
	}
	if ctx.Err() != nil {
		// shutting down mid-upload; the record stays pending for the next run
		return Failed, ctx.Err()
	}

	log.Warn().Err(upErr).Msg("upload failed, moving to backup")
	if err := copyutil.Move(localPath, e.BackupPath(filename)); err != nil {
		log.Error().Err(err).Msg("move to backup failed")
		e.notify.Notify(ctx, fmt.Sprintf("Failed to save %s to backup storage: %v", filename, err), model.PriorityHigh)
		return Failed, nil
	}
	if err := e.store.MarkBackup(ctx, filename, upErr); err != nil {
		return Failed, fmt.Errorf("mark %s backup: %w", filename, err)
	}
	e.notify.Notify(ctx, fmt.Sprintf("File %s saved to backup storage after upload failure", filename), model.PriorityMedium)
	return BackedUp, nil
}

// Upload pushes a verified scratch copy of path to the sink and returns the
// object key. The scratch copy is removed on every path.
func (e *Engine) Upload(ctx context.Context, filename, path string) (string, error) {
	key := sink.ObjectKey(e.cfg.KeyPrefix, e.namespace(), filename)
	scratch := filepath.Join(e.cfg.ScratchDir, "upload_"+filename)
	defer func() {
		if err := os.Remove(scratch); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn().Err(err).Str("scratch", scratch).Msg("scratch cleanup failed")
		}
	}()

	srcSize, err := e.snapshot(path, scratch)
	if err != nil {
		return "", fmt.Errorf("scratch copy: %w", err)
	}
	if !hash.Verify(scratch, srcSize) {
		return "", fmt.Errorf("%w: %s", ErrVerificationFailed, filename)
	}
	sum, err := hash.Compute(scratch)
	if err != nil {
		return "", fmt.Errorf("scratch checksum: %w", err)
	}

	f, err := os.Open(scratch)
	if err != nil {
		return "", err
	}
	defer f.Close()

	obj := sink.Object{Key: key, Size: sum.Size, SHA256: sum.SHA256, CRC32C: sum.CRC32C}
	if err := e.sink.Put(ctx, obj, f); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

func (e *Engine) discard(log zerolog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("remove local payload failed")
	}
}
