package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camrelay/internal/model"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []model.Event
}

func (c *captureNotifier) Notify(_ context.Context, message string, p model.Priority) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, model.Event{Message: message, Priority: p})
	return true
}

func (c *captureNotifier) snapshot() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Event(nil), c.events...)
}

type fixedDisk struct {
	free  float64
	err   error
	calls int
	mu    sync.Mutex
}

func (d *fixedDisk) FreePercent() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.free, d.err
}

func (d *fixedDisk) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fixedThermal struct {
	c   float64
	err error
}

func (f fixedThermal) Celsius() (float64, error) { return f.c, f.err }

type panicDisk struct{}

func (panicDisk) FreePercent() (float64, error) { panic("statfs exploded") }

func TestDiskThresholds(t *testing.T) {
	cases := []struct {
		free float64
		want []model.Priority
	}{
		{free: 9, want: []model.Priority{model.PriorityCritical}},
		{free: 24, want: []model.Priority{model.PriorityLow}},
		{free: 50, want: nil},
	}
	for _, tc := range cases {
		n := &captureNotifier{}
		s := New(n, &fixedDisk{free: tc.free}, nil, Config{})
		require.NoError(t, s.Check(context.Background()))

		var got []model.Priority
		for _, ev := range n.snapshot() {
			got = append(got, ev.Priority)
		}
		assert.Equal(t, tc.want, got, "free=%v", tc.free)
	}
}

func TestTemperatureThresholds(t *testing.T) {
	cases := []struct {
		temp float64
		want []model.Priority
	}{
		{temp: 85, want: []model.Priority{model.PriorityCritical}},
		{temp: 72, want: []model.Priority{model.PriorityHigh}},
		{temp: 45, want: nil},
	}
	for _, tc := range cases {
		n := &captureNotifier{}
		s := New(n, &fixedDisk{free: 80}, fixedThermal{c: tc.temp}, Config{})
		require.NoError(t, s.Check(context.Background()))

		var got []model.Priority
		for _, ev := range n.snapshot() {
			got = append(got, ev.Priority)
		}
		assert.Equal(t, tc.want, got, "temp=%v", tc.temp)
	}
}

func TestThermalFailureIsSilent(t *testing.T) {
	n := &captureNotifier{}
	s := New(n, &fixedDisk{free: 80}, fixedThermal{err: errors.New("no zone")}, Config{})
	require.NoError(t, s.Check(context.Background()))
	assert.Empty(t, n.snapshot())
}

func TestDiskFailureIsReturned(t *testing.T) {
	s := New(&captureNotifier{}, &fixedDisk{err: errors.New("statfs")}, nil, Config{})
	assert.Error(t, s.Check(context.Background()))
}

func TestRunBacksOffAndKeepsGoing(t *testing.T) {
	disk := &fixedDisk{err: errors.New("statfs")}
	s := New(&captureNotifier{}, disk, nil, Config{
		Interval:     time.Hour,
		ErrorBackoff: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return disk.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop on cancel")
	}
}

func TestRunSurvivesPanic(t *testing.T) {
	s := New(&captureNotifier{}, panicDisk{}, nil, Config{ErrorBackoff: time.Millisecond})
	assert.Error(t, s.safeCheck(context.Background()))
}
