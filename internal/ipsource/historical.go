package ipsource

import (
	"context"
	"net/netip"
)

// HistoricalGoodStore is implemented by internal/resultstore and queried by
// the "smart_history" source.
type HistoricalGoodStore interface {
	QueryGoodIPs(ctx context.Context, isp, location, country string, limit int) ([]string, error)
}

// ResolveHistorical returns historical good IPs recorded against similar
// network conditions (isp/location/country), parsed into addresses.
// Unparsable entries are skipped rather than aborting the query.
func ResolveHistorical(ctx context.Context, store HistoricalGoodStore, isp, location, country string, limit int) ([]netip.Addr, error) {
	raw, err := store.QueryGoodIPs(ctx, isp, location, country, limit)
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		if addr, parseErr := netip.ParseAddr(s); parseErr == nil {
			out = append(out, addr)
		}
	}
	return out, nil
}
