package disburse

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ReconcilerConfig bounds one reconciliation pass.
type ReconcilerConfig struct {
	BatchSize   int
	Concurrency int
	// MinAge skips rows updated more recently, leaving in-flight requests alone.
	MinAge time.Duration
}

// Reconciler resolves disbursements whose outcome was not observed in the
// request that created them. It reads ledger status only and never submits.
type Reconciler struct {
	o   *Orchestrator
	cfg ReconcilerConfig
	log logrus.FieldLogger
}

// ReconcileReport summarises a pass.
type ReconcileReport struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Recorded  int `json:"recorded"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

func NewReconciler(o *Orchestrator, cfg ReconcilerConfig) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = o.cfg.ConfirmTimeout + o.cfg.LockTimeout
	}
	return &Reconciler{o: o, cfg: cfg, log: o.log.WithField("worker", "reconciler")}
}

const (
	resolutionSkipped = "skipped"
	resolutionError   = "error"
	resolutionRecord  = "recorded"
)

// RunOnce performs a single pass over unresolved and unrecorded rows.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	ctx, span := tracer.Start(ctx, "disburse.Reconcile")
	defer span.End()

	var report ReconcileReport
	cutoff := r.o.now().Add(-r.cfg.MinAge)

	var rows []Disbursement
	for _, status := range []Status{StatusReconciling, StatusSubmitted, StatusPending} {
		batch, err := r.o.store.ListByStatus(ctx, status, cutoff, r.cfg.BatchSize)
		if err != nil {
			return report, err
		}
		rows = append(rows, batch...)
	}
	unrecorded, err := r.o.store.ListUnrecorded(ctx, r.cfg.BatchSize)
	if err != nil {
		return report, err
	}

	var mu sync.Mutex
	tally := func(resolution string) {
		r.o.metrics.resolution(resolution)
		mu.Lock()
		defer mu.Unlock()
		report.Checked++
		switch resolution {
		case string(ResultConfirmed):
			report.Confirmed++
		case string(ResultFailed):
			report.Failed++
		case string(ResultPending), string(ResultUnrecorded):
			report.Pending++
		case resolutionRecord:
			report.Recorded++
		case resolutionSkipped:
			report.Skipped++
		default:
			report.Errors++
		}
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, d := range rows {
		key := d.IdempotencyKey
		g.Go(func() error {
			tally(r.resolve(ctx, key))
			return nil
		})
	}
	for _, d := range unrecorded {
		key := d.IdempotencyKey
		g.Go(func() error {
			tally(r.record(ctx, key))
			return nil
		})
	}
	_ = g.Wait()

	if report.Checked > 0 {
		r.log.WithFields(logrus.Fields{
			"checked":   report.Checked,
			"confirmed": report.Confirmed,
			"failed":    report.Failed,
			"pending":   report.Pending,
			"recorded":  report.Recorded,
			"errors":    report.Errors,
		}).Info("reconciliation pass complete")
	}
	return report, nil
}

// withKey reloads the row under its lock and hands it to fn.
func (r *Reconciler) withKey(ctx context.Context, key string, fn func(d *Disbursement, log logrus.FieldLogger) string) string {
	log := r.log.WithField("idempotency_key", key)
	lockCtx, cancel := context.WithTimeout(ctx, r.o.cfg.LockTimeout)
	unlock, err := r.o.locker.Lock(lockCtx, key)
	cancel()
	if err != nil {
		// a request is working on it
		return resolutionSkipped
	}
	defer unlock()

	d, err := r.o.store.FindByIdempotencyKey(ctx, key)
	if err != nil {
		log.WithError(err).Warn("reload failed")
		return resolutionError
	}
	if d == nil {
		return resolutionSkipped
	}
	return fn(d, log.WithField("status", d.Status))
}

func (r *Reconciler) resolve(ctx context.Context, key string) string {
	return r.withKey(ctx, key, func(d *Disbursement, log logrus.FieldLogger) string {
		switch d.Status {
		case StatusPending, StatusSubmitted, StatusReconciling:
		default:
			return resolutionSkipped
		}
		if d.Signature == "" {
			// abandoned before signing; failing it lets a retry re-arm the row
			if d.Status != StatusPending {
				log.Error("unsigned disbursement outside pending")
				return resolutionError
			}
			if !r.o.move(ctx, log, d, StatusFailed, "abandoned before signing") {
				return resolutionError
			}
			return string(ResultFailed)
		}
		out, err := r.o.reconcile(ctx, log.WithField("signature", d.Signature), d)
		if err != nil {
			log.WithError(err).Warn("ledger status check failed")
			return resolutionError
		}
		return string(out.Result)
	})
}

func (r *Reconciler) record(ctx context.Context, key string) string {
	return r.withKey(ctx, key, func(d *Disbursement, log logrus.FieldLogger) string {
		if d.Status != StatusConfirmed || d.Recorded {
			return resolutionSkipped
		}
		if err := r.o.record(ctx, d); err != nil {
			log.WithError(err).Warn("payment record write failed")
			return resolutionError
		}
		return resolutionRecord
	})
}
