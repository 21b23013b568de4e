// Package ingest runs the appliance's main cycle: check power, pull new files
// off the camera and deliver them, retry the backup backlog, release the
// camera, then decide whether the host needs a restart.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"camrelay/internal/capture"
	"camrelay/internal/delivery"
	"camrelay/internal/model"
	"camrelay/internal/recent"
	"camrelay/internal/resync"
	"camrelay/internal/store"
)

type Camera interface {
	List(ctx context.Context) ([]capture.FileHandle, error)
	Download(ctx context.Context, h capture.FileHandle) (string, error)
	Delete(ctx context.Context, h capture.FileHandle) error
	Release()
}

type Ledger interface {
	Get(ctx context.Context, filename string) (model.FileRecord, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, filename, localPath string) (delivery.Outcome, error)
}

type Backlog interface {
	RunOnce(ctx context.Context) (resync.Report, error)
}

type PowerSensor interface {
	PowerOK() (bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, message string, priority model.Priority) bool
}

type Rebooter interface {
	Reboot(ctx context.Context) error
}

// Deps are the collaborators of one Loop. All are required.
type Deps struct {
	Camera   Camera
	Ledger   Ledger
	Engine   Deliverer
	Backlog  Backlog
	Power    PowerSensor
	Notify   Notifier
	Rebooter Rebooter
}

type Config struct {
	PollInterval           time.Duration
	ErrorCooldown          time.Duration
	MaxConsecutiveFailures int
	RecentCapacity         int
	// Once runs a single cycle and returns.
	Once bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.ErrorCooldown <= 0 {
		c.ErrorCooldown = time.Minute
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	return c
}

type Option func(*Loop)

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

type Loop struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	recent *recent.Set
	wake   chan struct{}

	// Power failures reset on a good sensor read; cycle failures reset on a
	// cycle that finishes without error. Either one reaching the ceiling
	// restarts the host.
	powerFailures int
	cycleFailures int

	newID func() string
	sleep func(ctx context.Context, d time.Duration, wake <-chan struct{}) bool
}

func New(deps Deps, cfg Config, opts ...Option) *Loop {
	cfg = cfg.withDefaults()
	l := &Loop{
		cfg:    cfg,
		deps:   deps,
		logger: zerolog.Nop(),
		recent: recent.New(cfg.RecentCapacity),
		wake:   make(chan struct{}, 1),
		newID:  uuid.NewString,
		sleep:  pause,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wake cuts the current sleep short, e.g. when the camera is plugged in. It
// never blocks.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Errors inside a cycle are reported and
// retried after the cooldown; they never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().Dur("poll_interval", l.cfg.PollInterval).Msg("starting timelapse monitoring")
	l.deps.Notify.Notify(ctx, "Timelapse monitoring started", model.PriorityInfo)

	var lastErr error
	for {
		wait := l.cfg.PollInterval
		lastErr = l.safeCycle(ctx)
		if err := lastErr; err != nil {
			if ctx.Err() != nil {
				break
			}
			l.cycleFailures++
			l.logger.Error().Err(err).Int("consecutive", l.cycleFailures).Msg("cycle failed")
			l.deps.Notify.Notify(ctx, fmt.Sprintf("Main loop error: %v", err), model.PriorityCritical)
			l.evaluate(ctx)
			wait = l.cfg.ErrorCooldown
		} else {
			l.cycleFailures = 0
		}

		if l.cfg.Once {
			return lastErr
		}
		if !l.sleep(ctx, wait, l.wake) {
			break
		}
	}

	l.logger.Info().Msg("monitoring stopped")
	l.deps.Notify.Notify(context.WithoutCancel(ctx), "Monitoring stopped by user", model.PriorityHigh)
	return nil
}

func (l *Loop) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.Cycle(ctx)
}

// Cycle runs one pass through the state machine.
func (l *Loop) Cycle(ctx context.Context) error {
	log := l.logger.With().Str("cycle", l.newID()).Logger()
	// the camera is released on every path so it can sleep between cycles
	defer l.deps.Camera.Release()

	l.checkPower(ctx, log)

	if err := l.discover(ctx, log); err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	rep, err := l.deps.Backlog.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	if rep.Attempted > 0 {
		log.Info().Int("uploaded", rep.Uploaded).Int("failed", rep.Failed).Msg("backlog resync")
	}

	l.deps.Camera.Release()
	l.evaluate(ctx)
	return nil
}

func (l *Loop) checkPower(ctx context.Context, log zerolog.Logger) {
	ok, err := l.deps.Power.PowerOK()
	switch {
	case err != nil:
		l.powerFailures++
		log.Error().Err(err).Int("consecutive", l.powerFailures).Msg("power sensor read failed")
	case !ok:
		l.powerFailures++
		log.Warn().Int("consecutive", l.powerFailures).Msg("power failure detected")
		l.deps.Notify.Notify(ctx, "Power failure detected!", model.PriorityHigh)
	default:
		l.powerFailures = 0
	}
}

func (l *Loop) discover(ctx context.Context, log zerolog.Logger) error {
	files, err := l.deps.Camera.List(ctx)
	if err != nil {
		if deviceFault(err) {
			log.Info().Err(err).Msg("camera not available this cycle")
			return nil
		}
		return err
	}

	var fresh []capture.FileHandle
	for _, h := range files {
		if !l.recent.Contains(h.Name) {
			fresh = append(fresh, h)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	log.Info().Int("count", len(fresh)).Msg("found new images")

	for _, h := range fresh {
		if err := ctx.Err(); err != nil {
			return err
		}
		flog := log.With().Str("file", h.Name).Logger()

		rec, err := l.deps.Ledger.Get(ctx, h.Name)
		switch {
		case err == nil && rec.Settled():
			l.recent.Add(h.Name)
			flog.Debug().Str("status", string(rec.Status)).Msg("already handled")
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}

		local, err := l.deps.Camera.Download(ctx, h)
		if err != nil {
			if errors.Is(err, capture.ErrDeviceBusy) {
				flog.Info().Err(err).Msg("camera busy, file left for next cycle")
				continue
			}
			if deviceFault(err) {
				flog.Warn().Err(err).Msg("camera lost during download")
				return nil
			}
			return err
		}

		out, err := l.deps.Engine.Deliver(ctx, h.Name, local)
		if out == delivery.Failed {
			// the card still holds the original; it is downloaded again next cycle
			discard(flog, local)
		}
		if err != nil {
			return err
		}
		flog.Info().Stringer("outcome", out).Msg("processed")
		switch out {
		case delivery.Delivered:
			l.recent.Add(h.Name)
			if err := l.deps.Camera.Delete(ctx, h); err != nil {
				flog.Warn().Err(err).Msg("camera delete failed")
			}
		case delivery.BackedUp:
			l.recent.Add(h.Name)
		}
	}
	return nil
}

func discard(log zerolog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("remove local payload failed")
	}
}

func (l *Loop) evaluate(ctx context.Context) {
	n := max(l.powerFailures, l.cycleFailures)
	if n < l.cfg.MaxConsecutiveFailures {
		return
	}
	l.logger.Error().
		Int("power_failures", l.powerFailures).
		Int("cycle_failures", l.cycleFailures).
		Msg("failure ceiling reached, restarting host")
	l.deps.Notify.Notify(ctx, fmt.Sprintf("System restart triggered after %d consecutive failures", n), model.PriorityCritical)
	if err := l.deps.Rebooter.Reboot(ctx); err != nil {
		l.logger.Error().Err(err).Msg("host restart failed")
	}
}

// Cleanup releases the camera, closes the given resources (power pin and the
// like) and reports the result. It runs after Run returns.
func (l *Loop) Cleanup(ctx context.Context, closers ...io.Closer) {
	l.deps.Camera.Release()
	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	ctx = context.WithoutCancel(ctx)
	if err := errors.Join(errs...); err != nil {
		l.logger.Error().Err(err).Msg("cleanup failed")
		l.deps.Notify.Notify(ctx, fmt.Sprintf("Cleanup failed: %v", err), model.PriorityHigh)
		return
	}
	l.deps.Notify.Notify(ctx, "System cleanup completed", model.PriorityInfo)
}

// Failures returns the power and cycle failure counters.
func (l *Loop) Failures() (power, cycle int) {
	return l.powerFailures, l.cycleFailures
}

func deviceFault(err error) bool {
	return errors.Is(err, capture.ErrDeviceUnavailable) || errors.Is(err, capture.ErrDeviceBusy)
}

// pause sleeps for d. It returns false once ctx is cancelled.
func pause(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-t.C:
		return true
	}
}
