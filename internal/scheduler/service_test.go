package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "notifyd/pkg/logx"
)

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	var ticks atomic.Int32
	s := New(Config{Enabled: true}, Jobs{
		ProcessDue: func(ctx context.Context) error {
			ticks.Add(1)
			return nil
		},
	}, logx.Nop())

	ctx := context.Background()
	s.Start(ctx)
	// Second start is a no-op.
	s.Start(ctx)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s.Stop(stopCtx)
	// Second stop is a no-op.
	s.Stop(stopCtx)
}

func TestApplyTimezoneRestart(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Timezone: "UTC"}, Jobs{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Apply(Config{Enabled: true, Timezone: "Africa/Lagos"})
	if !s.Enabled() {
		t.Fatal("enabled flag lost across Apply")
	}
	// Bogus timezone falls back to local instead of failing the restart.
	s.Apply(Config{Enabled: true, Timezone: "Not/AZone"})
}
