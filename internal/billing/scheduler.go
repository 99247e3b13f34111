package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fcartres/proyectofinal-sub001/internal/observability"
	"github.com/fcartres/proyectofinal-sub001/internal/reconcile"
)

// Job is a named periodic task.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Sweeper interface {
	Sweep(ctx context.Context) (reconcile.SweepResult, error)
}

// Specs are the cron expressions of the standard jobs.
type Specs struct {
	Charges   string
	Overdue   string
	Reconcile string
}

// Jobs wires the standard billing and reconciliation jobs. An empty spec
// disables its job; a nil sweeper disables reconciliation.
func Jobs(b *Biller, sweeper Sweeper, specs Specs) []Job {
	var jobs []Job
	if specs.Charges != "" {
		jobs = append(jobs, Job{Name: "monthly_charges", Spec: specs.Charges, Timeout: 5 * time.Minute, Run: func(ctx context.Context) error {
			_, err := b.GenerateMonthlyCharges(ctx, time.Now().UTC())
			return err
		}})
	}
	if specs.Overdue != "" {
		jobs = append(jobs, Job{Name: "mark_overdue", Spec: specs.Overdue, Timeout: 5 * time.Minute, Run: func(ctx context.Context) error {
			_, err := b.MarkOverdue(ctx, time.Now().UTC())
			return err
		}})
	}
	if specs.Reconcile != "" && sweeper != nil {
		jobs = append(jobs, Job{Name: "reconcile_sweep", Spec: specs.Reconcile, Timeout: 10 * time.Minute, Run: func(ctx context.Context) error {
			res, err := sweeper.Sweep(ctx)
			b.Logger.Info("reconcile sweep finished", "checked", res.Checked, "applied", res.Applied)
			return err
		}})
	}
	return jobs
}

// Scheduler runs jobs on their cron specs in UTC. A run is skipped while the
// previous run of the same job is still going.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(logger *slog.Logger, jobs ...Job) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    context.Background(),
	}
	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.Spec, func() { s.run(j) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", j.Name, j.Spec, err)
		}
	}
	return s, nil
}

// Start begins running jobs. Jobs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts scheduling, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-done.Done()
}

func (s *Scheduler) run(j Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := j.Run(ctx)
	observability.JobRuns.WithLabelValues(j.Name, observability.Outcome(err)).Inc()
	if err != nil {
		s.logger.Error("job failed", "job", j.Name, "duration", time.Since(start), "error", err)
		return
	}
	s.logger.Debug("job finished", "job", j.Name, "duration", time.Since(start))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
