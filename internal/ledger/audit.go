package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/safehold/safehold/internal/apperr"
	"github.com/safehold/safehold/internal/money"
)

const auditPageSize = 200

// Mismatch is a wallet whose stored balance disagrees with its entries.
type Mismatch struct {
	WalletID string       `json:"walletId"`
	OwnerID  string       `json:"ownerId"`
	Stored   money.Amount `json:"stored"`
	Ledger   money.Amount `json:"ledger"`
}

// AuditReport summarizes one pass over every wallet.
type AuditReport struct {
	WalletsChecked int          `json:"walletsChecked"`
	// WalletsSkipped counts wallets busy with postings for longer than
	// the lock timeout. They are checked on the next run.
	WalletsSkipped int          `json:"walletsSkipped"`
	TotalBalance   money.Amount `json:"totalBalance"`
	Mismatches     []Mismatch   `json:"mismatches"`
}

// Audit compares every wallet's stored balance against the signed sum of
// its completed entries, reading each pair under one wallet lock. It only
// reads; fixing a mismatch is an operator decision.
func (l *Ledger) Audit(ctx context.Context) (*AuditReport, error) {
	report := &AuditReport{Mismatches: []Mismatch{}}
	after := ""
	for {
		wallets, err := l.store.ListWallets(ctx, after, auditPageSize)
		if err != nil {
			return nil, fmt.Errorf("list wallets: %w", err)
		}
		for _, listed := range wallets {
			w, sum, err := l.snapshot(ctx, listed.OwnerID)
			if errors.Is(err, apperr.ErrContention) {
				report.WalletsSkipped++
				l.logger.Warn("audit skipped busy wallet", "wallet_id", listed.ID, "error", err)
				continue
			}
			if errors.Is(err, apperr.ErrNotFound) {
				continue // opened by a posting that rolled back
			}
			if err != nil {
				return nil, fmt.Errorf("audit wallet %s: %w", listed.ID, err)
			}
			report.WalletsChecked++
			if report.TotalBalance, err = report.TotalBalance.Add(sum); err != nil {
				return nil, err
			}
			if sum != w.Balance {
				report.Mismatches = append(report.Mismatches, Mismatch{
					WalletID: w.ID, OwnerID: w.OwnerID, Stored: w.Balance, Ledger: sum,
				})
			}
		}
		if len(wallets) < auditPageSize {
			return report, nil
		}
		after = wallets[len(wallets)-1].ID
	}
}
