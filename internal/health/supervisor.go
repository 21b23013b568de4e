// Package health samples host disk and temperature on its own schedule and
// raises alerts when thresholds are crossed. It shares nothing with the ingest
// loop except the notification channel.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"camrelay/internal/model"
)

type Notifier interface {
	Notify(ctx context.Context, message string, priority model.Priority) bool
}

type DiskProbe interface {
	FreePercent() (float64, error)
}

type ThermalProbe interface {
	Celsius() (float64, error)
}

type Config struct {
	Interval     time.Duration
	ErrorBackoff time.Duration

	DiskWarningFreePercent  float64
	DiskCriticalFreePercent float64
	TempWarningC            float64
	TempCriticalC           float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Minute
	}
	if c.DiskWarningFreePercent == 0 {
		c.DiskWarningFreePercent = 25
	}
	if c.DiskCriticalFreePercent == 0 {
		c.DiskCriticalFreePercent = 10
	}
	if c.TempWarningC == 0 {
		c.TempWarningC = 70
	}
	if c.TempCriticalC == 0 {
		c.TempCriticalC = 80
	}
	return c
}

type Option func(*Supervisor)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

type Supervisor struct {
	cfg     Config
	notify  Notifier
	disk    DiskProbe
	thermal ThermalProbe
	logger  zerolog.Logger
}

// New builds a supervisor. thermal may be nil on boards without a sensor.
func New(n Notifier, disk DiskProbe, thermal ThermalProbe, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg.withDefaults(),
		notify:  n,
		disk:    disk,
		thermal: thermal,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run samples immediately and then every Interval until ctx is cancelled.
// A failed sample is logged and retried after ErrorBackoff.
func (s *Supervisor) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("health supervisor started")
	for {
		wait := s.cfg.Interval
		if err := s.safeCheck(ctx); err != nil {
			s.logger.Error().Err(err).Dur("backoff", s.cfg.ErrorBackoff).Msg("health check failed")
			wait = s.cfg.ErrorBackoff
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			s.logger.Info().Msg("health supervisor stopped")
			return
		case <-t.C:
		}
	}
}

func (s *Supervisor) safeCheck(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panic: %v", r)
		}
	}()
	return s.Check(ctx)
}

// Check takes one sample. Disk errors are returned; temperature errors are
// skipped because the reading is advisory.
func (s *Supervisor) Check(ctx context.Context) error {
	free, err := s.disk.FreePercent()
	if err != nil {
		return err
	}
	used := 100 - free
	switch {
	case free < s.cfg.DiskCriticalFreePercent:
		s.notify.Notify(ctx, fmt.Sprintf("Critical: Disk space low (%.1f%% used)", used), model.PriorityCritical)
	case free < s.cfg.DiskWarningFreePercent:
		s.notify.Notify(ctx, fmt.Sprintf("Warning: Disk space getting low (%.1f%% used)", used), model.PriorityLow)
	}

	if s.thermal == nil {
		return nil
	}
	temp, err := s.thermal.Celsius()
	if err != nil {
		s.logger.Debug().Err(err).Msg("temperature unavailable")
		return nil
	}
	switch {
	case temp >= s.cfg.TempCriticalC:
		s.notify.Notify(ctx, fmt.Sprintf("Critical: System temperature %.1f°C", temp), model.PriorityCritical)
	case temp >= s.cfg.TempWarningC:
		s.notify.Notify(ctx, fmt.Sprintf("Warning: System temperature %.1f°C", temp), model.PriorityHigh)
	}
	return nil
}
