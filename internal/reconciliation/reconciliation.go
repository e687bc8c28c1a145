// Package reconciliation periodically checks that stored wallet balances
// agree with their entries and reports escrows that have run past their due
// date. It only reads; fixing what it finds is an operator decision.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/safehold/safehold/internal/escrow"
	"github.com/safehold/safehold/internal/ledger"
	"github.com/safehold/safehold/internal/metrics"
)

// Auditor compares wallet balances against their entries. *ledger.Ledger
// implements it.
type Auditor interface {
	Audit(ctx context.Context) (*ledger.AuditReport, error)
}

// OverdueLister finds escrows past their due date. escrow.Store implements it.
type OverdueLister interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*escrow.Escrow, error)
}

const overdueLimit = 500

// OverdueEscrow is the summary reported for an escrow past its due date.
type OverdueEscrow struct {
	ID       string        `json:"id"`
	Status   escrow.Status `json:"status"`
	ClientID string        `json:"clientId"`
	DueDate  time.Time     `json:"dueDate"`
}

// Report is the outcome of one run.
type Report struct {
	StartedAt  time.Time           `json:"startedAt"`
	DurationMS int64               `json:"durationMs"`
	Wallets    *ledger.AuditReport `json:"wallets,omitempty"`
	Overdue    []OverdueEscrow     `json:"overdueEscrows"`
	Healthy    bool                `json:"healthy"`
	Errors     []string            `json:"errors,omitempty"`
}

// Runner executes every check and keeps the latest report.
type Runner struct {
	auditor Auditor
	overdue OverdueLister
	logger  *slog.Logger
	now     func() time.Time
}

// NewRunner creates a runner. Either dependency may be nil to skip its check.
func NewRunner(auditor Auditor, overdue OverdueLister, logger *slog.Logger) *Runner {
	return &Runner{
		auditor: auditor,
		overdue: overdue,
		logger:  logger,
		now:     time.Now,
	}
}

// RunAll runs every configured check. A failing check does not stop the
// others; their errors are joined into the returned error and also listed
// in the report.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{StartedAt: start.UTC(), Overdue: []OverdueEscrow{}}
	var errs []error

	if r.auditor != nil {
		audit, err := r.auditor.Audit(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("wallet audit: %w", err))
		} else {
			report.Wallets = audit
			walletMismatches.Set(float64(len(audit.Mismatches)))
			for _, m := range audit.Mismatches {
				metrics.BalanceMismatchesTotal.Inc()
				r.logger.Error("wallet balance mismatch",
					"wallet_id", m.WalletID, "owner_id", m.OwnerID,
					"stored", m.Stored.String(), "ledger", m.Ledger.String())
			}
		}
	}

	if r.overdue != nil {
		items, err := r.overdue.ListOverdue(ctx, start, overdueLimit)
		if err != nil {
			errs = append(errs, fmt.Errorf("overdue escrows: %w", err))
		} else {
			for _, e := range items {
				o := OverdueEscrow{ID: e.ID, Status: e.Status, ClientID: e.ClientID}
				if e.DueDate != nil {
					o.DueDate = *e.DueDate
				}
				report.Overdue = append(report.Overdue, o)
			}
			overdueEscrows.Set(float64(len(items)))
			if len(items) > 0 {
				r.logger.Warn("escrows past due date", "count", len(items))
			}
		}
	}

	elapsed := r.now().Sub(start)
	report.DurationMS = elapsed.Milliseconds()
	runDuration.Observe(elapsed.Seconds())

	for _, err := range errs {
		runErrors.Inc()
		report.Errors = append(report.Errors, err.Error())
	}
	report.Healthy = len(errs) == 0 && (report.Wallets == nil || len(report.Wallets.Mismatches) == 0)
	if report.Healthy {
		lastHealthy.Set(float64(r.now().Unix()))
	}

	r.logger.Info("reconciliation complete",
		"healthy", report.Healthy, "overdue", len(report.Overdue), "duration_ms", report.DurationMS)
	return report, errors.Join(errs...)
}
