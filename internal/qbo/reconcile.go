package qbo

import (
	"context"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/app/domain/run"
)

// reconcile compares the source-side total of the normalized file with
// the remote-side total for the transaction date. In trading-day mode
// the remote query keys on transaction date, which the engine set from
// the business date at upload time.
func (e *Engine) reconcile(ctx context.Context, targetDate string, cfg company.Config, result *Result) error {
	var receipts []RemoteReceipt
	if err := e.withAuthRetry(ctx, func() error {
		var rerr error
		receipts, rerr = e.client.ReceiptsForDate(ctx, targetDate)
		return rerr
	}); err != nil {
		return err
	}

	// Only documents this tenant produced count toward the remote total;
	// hand-entered receipts on the same date would skew the comparison.
	var remoteTotal float64
	for _, receipt := range receipts {
		if e.ledger.Contains(receipt.DocNumber) {
			remoteTotal += receipt.TotalAmt
		}
	}

	result.RemoteTotal = remoteTotal
	result.Difference = result.SourceTotal - remoteTotal

	tolerance := cfg.ReconcileTolerance
	if tolerance <= 0 {
		tolerance = 1.0
	}
	if abs(result.Difference) <= tolerance {
		result.Reconcile = run.ReconcileMatch
	} else {
		result.Reconcile = run.ReconcileMismatch
		e.log.Warnf("reconcile mismatch for %s: source %.2f remote %.2f diff %.2f",
			targetDate, result.SourceTotal, remoteTotal, result.Difference)
	}
	return nil
}
