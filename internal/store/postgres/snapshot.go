package postgres

import (
	"context"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// Snapshot reads every market, chain, user chain and bet. The reads are not
// one transaction; admin subscribers converge through ADMIN_UPDATE.
func (l *Ledger) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	var err error
	if snap.Markets, err = l.listMarkets(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.Chains, err = l.ListChains(ctx, domain.ListOpts{}); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.UserChains, err = l.ListUserChains(ctx, nil, domain.ListOpts{}); err != nil {
		return domain.Snapshot{}, err
	}
	if snap.Bets, err = l.listBets(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	return snap, nil
}
