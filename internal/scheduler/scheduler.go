// Package scheduler runs processing passes on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
	"github.com/matthewtrundle/BloomMac-sub009/internal/service/sequence"
	"github.com/robfig/cron/v3"
)

// PassRunner is satisfied by *sequence.Processor.
type PassRunner interface {
	ProcessPass(ctx context.Context, now time.Time) (*sequence.Result, error)
}

// Scheduler triggers a pass on every tick of a cron spec. A tick that fires
// while the previous pass is still running is skipped.
type Scheduler struct {
	runner  PassRunner
	cron    *cron.Cron
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a scheduler for spec, evaluated in loc. Each pass is bounded
// by timeout.
func New(runner PassRunner, spec string, loc *time.Location, timeout time.Duration) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		runner:  runner,
		timeout: timeout,
		now:     time.Now,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
		),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(s.ctx) }); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins ticking in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		logger.Info("[Scheduler] started", "next_run", e.Next.UTC().Format(time.RFC3339))
	}
}

// Stop cancels any running pass and waits for it to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		logger.Info("[Scheduler] stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs a single pass at the current time.
func (s *Scheduler) RunOnce(ctx context.Context) (*sequence.Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	res, err := s.runner.ProcessPass(ctx, s.now())
	if err != nil {
		logger.Error("[Scheduler] pass failed", "error", err)
		return nil, err
	}
	return res, nil
}

// cronLogger adapts the package logger to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug("[Scheduler] "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error("[Scheduler] "+msg, append(keysAndValues, "error", err)...)
}
