package app

import (
	"context"

	"sol-custody/internal/withdraw"
)

// Reconcile runs a single withdrawal reconciliation pass against the ledger.
// Meant for operators chasing a stuck withdrawal without waiting for the
// next poll cycle.
func (a *App) Reconcile(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	chain, err := a.newLedgerClient()
	if err != nil {
		return err
	}

	reconciler := withdraw.NewReconciler(store, chain, a.newNotifier(), withdraw.ReconcilerOptions{
		Grace:  a.Config.Withdrawals.ReconcileGrace,
		Cutoff: a.Config.Withdrawals.ReconcileCutoff,
	}, a.Logger)

	return reconciler.Run(ctx)
}
