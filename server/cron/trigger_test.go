package cron

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestNewCronTrigger(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		wantErr bool
	}{
		{"valid spec - daily at 2am", "0 2 * * *", false},
		{"valid spec - every hour", "0 * * * *", false},
		{"valid spec - every minute", "* * * * *", false},
		{"invalid spec - empty", "", true},
		{"invalid spec - wrong format", "not a cron spec", true},
		{"invalid spec - too few fields", "0 2 *", true},
		{"invalid spec - invalid value", "60 2 * * *", true},
		{"invalid spec - seconds field", "0 0 2 * * *", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger, err := NewCronTrigger(tt.spec, func(context.Context) error { return nil }, testLogger())

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidCronSpec)
				assert.Nil(t, trigger)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.spec, trigger.spec)
			}
		})
	}
}

func TestCronTrigger_NextRun(t *testing.T) {
	trigger, err := NewCronTrigger("0 2 * * *", func(context.Context) error { return nil }, testLogger())
	require.NoError(t, err)

	nextRun := trigger.NextRun()
	assert.True(t, nextRun.After(time.Now()), "next run should be in the future")
	assert.Equal(t, 2, nextRun.Hour(), "next run should be at 2am")
	assert.Equal(t, 0, nextRun.Minute(), "next run should be at minute 0")
}

func TestCronTrigger_ExecuteRunSwallowsErrors(t *testing.T) {
	var runs atomic.Int32
	trigger, err := NewCronTrigger("* * * * *", func(context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	}, testLogger())
	require.NoError(t, err)

	trigger.executeRun(context.Background())
	trigger.executeRun(context.Background())
	assert.Equal(t, int32(2), runs.Load())
}

func TestCronTrigger_Start_CancellationStopsLoop(t *testing.T) {
	var runs atomic.Int32
	trigger, err := NewCronTrigger("* * * * *", func(context.Context) error {
		runs.Add(1)
		return nil
	}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	trigger.Start(ctx)

	time.Sleep(10 * time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)

	// The first tick is up to a minute away.
	if time.Until(trigger.NextRun()) > time.Second {
		assert.Equal(t, int32(0), runs.Load())
	}
}

// stepSchedule fires every interval.
type stepSchedule time.Duration

func (s stepSchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(s)) }

func TestCronTrigger_Start_RunsOnEachTick(t *testing.T) {
	var runs atomic.Int32
	trigger, err := NewCronTrigger("* * * * *", func(context.Context) error {
		runs.Add(1)
		return errors.New("keeps going")
	}, testLogger())
	require.NoError(t, err)
	trigger.schedule = stepSchedule(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	trigger.Start(ctx)

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond,
		"a failing job does not stop the schedule")

	cancel()
	time.Sleep(20 * time.Millisecond)
	stopped := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load(), "no runs after cancellation")
}
