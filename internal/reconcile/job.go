// Package reconcile runs the periodic sweep that repairs missing access
// grants, re-queries stale pending purchases and closes abandoned ones.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/otsukisama/internal/access"
	"github.com/onnwee/otsukisama/internal/jobs"
	"github.com/onnwee/otsukisama/internal/notify"
	"github.com/onnwee/otsukisama/internal/payment"
)

// Reconciler is the part of payment.Orchestrator the job drives.
type Reconciler interface {
	Reconcile(ctx context.Context, in payment.ReconcileInput) (*payment.ReconcileResult, error)
}

// Grants is the part of access.Store the job needs.
type Grants interface {
	GrantFull(ctx context.Context, userID, resourceID, purchaseID string) (access.Change, error)
	Get(ctx context.Context, userID, resourceID string) (*access.Grant, error)
}

// JobConfig configures the reconcile job.
type JobConfig struct {
	// Interval is the duration between sweeps.
	Interval time.Duration
	// Timeout bounds a single sweep.
	Timeout time.Duration
	// GrantLookback is how far back completed purchases are checked for a
	// missing grant.
	GrantLookback time.Duration
	// PendingAge is how old a pending purchase must be before the job
	// queries its provider.
	PendingAge time.Duration
	// AbandonAfter closes pending purchases the provider never confirmed.
	AbandonAfter time.Duration
	// BatchSize caps the rows read per phase.
	BatchSize int
	Logger    *slog.Logger
	// JobMetrics is optional.
	JobMetrics jobs.Reporter
}

// Defaults for JobConfig.
const (
	DefaultInterval      = 5 * time.Minute
	DefaultTimeout       = 2 * time.Minute
	DefaultGrantLookback = 24 * time.Hour
	DefaultPendingAge    = 10 * time.Minute
	DefaultAbandonAfter  = 24 * time.Hour
	DefaultBatchSize     = 100
)

// Report summarizes one sweep.
type Report struct {
	GrantsRepaired int
	Reconciled     int
	Abandoned      int
	Errors         int
}

// Job periodically reconciles purchases that no trigger finished.
type Job struct {
	config     JobConfig
	purchases  payment.PurchaseStore
	grants     Grants
	sink       notify.Sink
	reconciler Reconciler
	now        func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewJob creates a reconcile job. sink may be nil.
func NewJob(config JobConfig, purchases payment.PurchaseStore, grants Grants, reconciler Reconciler, sink notify.Sink) *Job {
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.GrantLookback == 0 {
		config.GrantLookback = DefaultGrantLookback
	}
	if config.PendingAge == 0 {
		config.PendingAge = DefaultPendingAge
	}
	if config.AbandonAfter == 0 {
		config.AbandonAfter = DefaultAbandonAfter
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Job{
		config:     config,
		purchases:  purchases,
		grants:     grants,
		sink:       sink,
		reconciler: reconciler,
		now:        time.Now,
	}
}

// Start begins the periodic job.
// Returns immediately; the job runs in a background goroutine.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
	return nil
}

// Stop signals the job to stop and waits for it to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh := j.stopCh
	doneCh := j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning returns whether the job is currently running.
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Job) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("reconcile job stopping due to context cancellation")
			return
		case <-j.stopCh:
			j.config.Logger.Info("reconcile job stopping due to stop signal")
			return
		case <-ticker.C:
			j.RunNow(ctx)
		}
	}
}

// RunNow performs one sweep synchronously.
func (j *Job) RunNow(parentCtx context.Context) Report {
	ctx, cancel := context.WithTimeout(parentCtx, j.config.Timeout)
	defer cancel()

	var report Report
	j.repairGrants(ctx, &report)
	j.sweepPending(ctx, &report)

	if report.GrantsRepaired+report.Reconciled+report.Abandoned+report.Errors > 0 {
		j.config.Logger.Info("reconcile sweep finished",
			slog.Int("grants_repaired", report.GrantsRepaired),
			slog.Int("reconciled", report.Reconciled),
			slog.Int("abandoned", report.Abandoned),
			slog.Int("errors", report.Errors))
	}
	return report
}

// repairGrants re-applies the full grant for completed purchases whose grant
// write failed after completion. The notification that was skipped then is
// sent now; the sink dedupes by purchase id.
func (j *Job) repairGrants(ctx context.Context, report *Report) {
	start := time.Now()
	status := jobs.StatusSuccess
	defer func() { j.observe(jobs.JobTypeGrantRepair, status, start) }()

	records, err := j.purchases.ListCompletedSince(ctx, j.now().Add(-j.config.GrantLookback), j.config.BatchSize)
	if err != nil {
		j.config.Logger.Error("failed to list completed purchases", slog.String("error", err.Error()))
		j.jobError(jobs.JobTypeGrantRepair, "database_error")
		report.Errors++
		status = jobs.StatusFailure
		return
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			j.timeout(jobs.JobTypeGrantRepair, report)
			status = jobs.StatusFailure
			return
		}
		grant, err := j.grants.Get(ctx, rec.UserID, rec.DiagnosisID)
		if err != nil && !errors.Is(err, access.ErrGrantNotFound) {
			j.config.Logger.Warn("failed to read access grant",
				slog.String("purchase_id", rec.PurchaseID),
				slog.String("error", err.Error()))
			report.Errors++
			continue
		}
		if grant.EffectiveLevel(j.now()).AtLeast(access.LevelFull) {
			continue
		}

		change, err := j.grants.GrantFull(ctx, rec.UserID, rec.DiagnosisID, rec.PurchaseID)
		if err != nil {
			j.config.Logger.Error("failed to repair access grant",
				slog.String("purchase_id", rec.PurchaseID),
				slog.String("error", err.Error()))
			j.jobError(jobs.JobTypeGrantRepair, "grant_error")
			report.Errors++
			status = jobs.StatusFailure
			continue
		}
		if change == access.ChangeUnchanged {
			continue
		}
		report.GrantsRepaired++
		j.items(jobs.JobTypeGrantRepair, jobs.ItemRepaired)
		j.config.Logger.Info("repaired access grant",
			slog.String("purchase_id", rec.PurchaseID),
			slog.String("user_id", rec.UserID),
			slog.String("diagnosis_id", rec.DiagnosisID))

		if err := j.sink.PurchaseCompleted(ctx, notify.Event{
			PurchaseID:  rec.PurchaseID,
			UserID:      rec.UserID,
			DiagnosisID: rec.DiagnosisID,
			Provider:    string(rec.Provider),
			Amount:      rec.Amount,
			Currency:    rec.Currency,
		}); err != nil {
			j.config.Logger.Warn("completion notification failed",
				slog.String("purchase_id", rec.PurchaseID),
				slog.String("error", err.Error()))
		}
	}
}

// sweepPending reconciles stale pending purchases and cancels the ones past
// AbandonAfter that the provider still does not report as paid.
func (j *Job) sweepPending(ctx context.Context, report *Report) {
	start := time.Now()
	status := jobs.StatusSuccess
	abandonedBefore := report.Abandoned
	defer func() {
		j.observe(jobs.JobTypePendingReconcile, status, start)
		if report.Abandoned > abandonedBefore {
			j.observe(jobs.JobTypeAbandonedPurchase, jobs.StatusSuccess, start)
		}
	}()

	now := j.now()
	records, err := j.purchases.ListStalePending(ctx, now.Add(-j.config.PendingAge), j.config.BatchSize)
	if err != nil {
		j.config.Logger.Error("failed to list pending purchases", slog.String("error", err.Error()))
		j.jobError(jobs.JobTypePendingReconcile, "database_error")
		report.Errors++
		status = jobs.StatusFailure
		return
	}

	abandonCutoff := now.Add(-j.config.AbandonAfter)
	for _, rec := range records {
		if ctx.Err() != nil {
			j.timeout(jobs.JobTypePendingReconcile, report)
			status = jobs.StatusFailure
			return
		}
		res, err := j.reconciler.Reconcile(ctx, payment.ReconcileInput{
			Provider:   rec.Provider,
			Trigger:    payment.TriggerJob,
			PurchaseID: rec.PurchaseID,
		})
		abandon := rec.CreatedAt.Before(abandonCutoff)
		switch {
		case err == nil && !res.StillPending():
			report.Reconciled++
			j.items(jobs.JobTypePendingReconcile, jobs.ItemReconciled)
			continue
		case err != nil && !errors.Is(err, payment.ErrPaymentNotFound):
			j.config.Logger.Warn("failed to reconcile pending purchase",
				slog.String("purchase_id", rec.PurchaseID),
				slog.String("provider", string(rec.Provider)),
				slog.String("error", err.Error()))
			j.jobError(jobs.JobTypePendingReconcile, "reconcile_error")
			report.Errors++
			if !errors.Is(err, payment.ErrGrantFailed) {
				status = jobs.StatusFailure
			}
			continue
		}
		if abandon {
			j.abandon(ctx, rec, report)
		}
	}
}

func (j *Job) abandon(ctx context.Context, rec *payment.PurchaseRecord, report *Report) {
	_, won, err := j.purchases.MarkTerminal(ctx, rec.PurchaseID, payment.StatusCanceled, payment.Metadata{
		payment.MetaGatewayStatus: "abandoned",
	})
	if err != nil {
		j.config.Logger.Error("failed to cancel abandoned purchase",
			slog.String("purchase_id", rec.PurchaseID),
			slog.String("error", err.Error()))
		j.jobError(jobs.JobTypeAbandonedPurchase, "database_error")
		report.Errors++
		return
	}
	if won {
		report.Abandoned++
		j.items(jobs.JobTypeAbandonedPurchase, jobs.ItemAbandoned)
		j.config.Logger.Info("canceled abandoned purchase",
			slog.String("purchase_id", rec.PurchaseID),
			slog.Time("created_at", rec.CreatedAt))
	}
}

func (j *Job) timeout(jobType string, report *Report) {
	j.config.Logger.Error("reconcile sweep timeout exceeded",
		slog.String("phase", jobType),
		slog.Duration("timeout", j.config.Timeout))
	j.jobError(jobType, "timeout")
	report.Errors++
}

func (j *Job) observe(jobType, status string, start time.Time) {
	if j.config.JobMetrics == nil {
		return
	}
	j.config.JobMetrics.IncJobsTotal(jobType, status)
	j.config.JobMetrics.ObserveJobDuration(jobType, time.Since(start).Seconds())
	if status == jobs.StatusSuccess {
		j.config.JobMetrics.SetLastSuccess(jobType, j.now())
	}
}

func (j *Job) items(jobType, result string) {
	if j.config.JobMetrics != nil {
		j.config.JobMetrics.AddItems(jobType, result, 1)
	}
}

func (j *Job) jobError(jobType, errorType string) {
	if j.config.JobMetrics != nil {
		j.config.JobMetrics.IncJobErrors(jobType, errorType)
	}
}
