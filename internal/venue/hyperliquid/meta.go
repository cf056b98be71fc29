package hyperliquid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/ledger"
	"funding-arb-bot/internal/venue"
)

const metaRefreshWindow = 30 * time.Second

// perpMeta is one perpetual's slice of metaAndAssetCtxs.
type perpMeta struct {
	index      int
	szDecimals int
	funding    float64
	markPx     float64
	oraclePx   float64
}

// spotMeta is one spot pair. Spot asset ids are offset by 10000 and mids are
// published under the raw universe name (often "@N"), not the display pair.
type spotMeta struct {
	index          int
	base           string
	quote          string
	baseSzDecimals int
	rawName        string
	midKey         string
}

// assetMeta is the resolved order-building view of a market.
type assetMeta struct {
	id          int
	szDecimals  int
	maxDecimals int
	midKey      string
}

func (a *Adapter) ensureMeta(ctx context.Context) error {
	a.mu.RLock()
	fresh := !a.metaAt.IsZero() && time.Since(a.metaAt) < metaRefreshWindow
	a.mu.RUnlock()
	if fresh {
		return nil
	}
	return a.refreshMeta(ctx)
}

// refreshMeta reloads perp and spot universes. Perp metadata is required;
// spot metadata failures keep the previous snapshot.
func (a *Adapter) refreshMeta(ctx context.Context) error {
	perpPayload, err := a.info.post(ctx, map[string]any{"type": "metaAndAssetCtxs"})
	if err != nil {
		return fmt.Errorf("perp meta: %w", err)
	}
	perps, err := parsePerpMeta(perpPayload)
	if err != nil {
		return err
	}
	spots := a.fetchSpotMeta(ctx)
	a.mu.Lock()
	a.perps = perps
	if spots != nil {
		a.spots = spots
	}
	a.metaAt = time.Now().UTC()
	a.mu.Unlock()
	return nil
}

func (a *Adapter) fetchSpotMeta(ctx context.Context) map[string]spotMeta {
	payload, err := a.info.post(ctx, map[string]any{"type": "spotMetaAndAssetCtxs"})
	if err != nil {
		payload, err = a.info.post(ctx, map[string]any{"type": "spotMeta"})
	}
	if err != nil {
		a.log.Debug("spot meta refresh failed", zap.Error(err))
		return nil
	}
	spots, err := parseSpotMeta(payload)
	if err != nil {
		a.log.Debug("spot meta parse failed", zap.Error(err))
		return nil
	}
	return spots
}

func (a *Adapter) assetFor(market string, instrument ledger.InstrumentKind) (assetMeta, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch instrument {
	case ledger.InstrumentPerpetual:
		meta, ok := a.perps[market]
		if !ok {
			return assetMeta{}, fmt.Errorf("unknown perp market %q", market)
		}
		return assetMeta{
			id:          meta.index,
			szDecimals:  meta.szDecimals,
			maxDecimals: perpMaxDecimals,
			midKey:      market,
		}, nil
	case ledger.InstrumentSpot:
		meta, ok := a.spots[market]
		if !ok {
			return assetMeta{}, fmt.Errorf("unknown spot market %q", market)
		}
		return assetMeta{
			id:          10000 + meta.index,
			szDecimals:  meta.baseSzDecimals,
			maxDecimals: spotMaxDecimals,
			midKey:      meta.midKey,
		}, nil
	default:
		return assetMeta{}, venue.ErrUnsupportedInstrument
	}
}

// parsePerpMeta expects the two-element metaAndAssetCtxs reply: universe
// metadata first, per-asset contexts second, matched by index.
func parsePerpMeta(payload any) (map[string]perpMeta, error) {
	universe, ctxs := perpUniverseAndCtxs(payload)
	if len(universe) == 0 {
		return nil, errors.New("metaAndAssetCtxs missing universe")
	}
	result := make(map[string]perpMeta, len(universe))
	for i, entry := range universe {
		meta, ok := toMap(entry)
		if !ok {
			continue
		}
		name := stringFromMap(meta, "name", "coin", "symbol")
		if name == "" {
			continue
		}
		pm := perpMeta{
			index:      intFromAny(meta["index"], i),
			szDecimals: intFromAny(meta["szDecimals"], 0),
		}
		if i < len(ctxs) {
			if ctx, ok := toMap(ctxs[i]); ok {
				pm.funding, _ = floatFromMap(ctx, "funding", "fundingRate")
				pm.oraclePx, _ = floatFromMap(ctx, "oraclePx", "oraclePrice")
				pm.markPx, _ = floatFromMap(ctx, "markPx", "markPrice")
			}
		}
		result[name] = pm
	}
	if len(result) == 0 {
		return nil, errors.New("no perp markets parsed")
	}
	return result, nil
}

func perpUniverseAndCtxs(payload any) ([]any, []any) {
	if arr, ok := toSlice(payload); ok && len(arr) >= 2 {
		if meta, ok := toMap(arr[0]); ok {
			if universe, ok := toSlice(meta["universe"]); ok {
				ctxs, _ := toSlice(arr[1])
				return universe, ctxs
			}
		}
	}
	if meta, ok := toMap(payload); ok {
		universe, _ := toSlice(meta["universe"])
		ctxs, _ := toSlice(meta["assetCtxs"])
		return universe, ctxs
	}
	return nil, nil
}

func parseSpotMeta(payload any) (map[string]spotMeta, error) {
	universe, tokens := spotUniverseAndTokens(payload)
	if len(universe) == 0 {
		return nil, errors.New("spot meta missing universe")
	}
	tokenByIndex := make(map[int]spotToken, len(tokens))
	for i, item := range tokens {
		meta, ok := toMap(item)
		if !ok {
			continue
		}
		name := stringFromMap(meta, "name")
		if name == "" {
			continue
		}
		tokenByIndex[intFromAny(meta["index"], i)] = spotToken{
			name:       name,
			szDecimals: intFromAny(meta["szDecimals"], 0),
		}
	}
	result := make(map[string]spotMeta, len(universe))
	for i, entry := range universe {
		meta, ok := toMap(entry)
		if !ok {
			continue
		}
		rawName := stringFromMap(meta, "name", "symbol")
		sm := spotMeta{
			index:   intFromAny(meta["index"], i),
			rawName: rawName,
			midKey:  rawName,
		}
		if pair, ok := toSlice(meta["tokens"]); ok && len(pair) >= 2 {
			base := tokenByIndex[intFromAny(pair[0], -1)]
			quote := tokenByIndex[intFromAny(pair[1], -1)]
			sm.base = base.name
			sm.quote = quote.name
			sm.baseSzDecimals = base.szDecimals
		}
		name := rawName
		if strings.HasPrefix(name, "@") && sm.base != "" && sm.quote != "" {
			name = sm.base + "/" + sm.quote
		}
		if name == "" {
			continue
		}
		if sm.midKey == "" {
			sm.midKey = name
		}
		result[name] = sm
		if rawName != "" && rawName != name {
			result[rawName] = sm
		}
	}
	if len(result) == 0 {
		return nil, errors.New("no spot markets parsed")
	}
	return result, nil
}

type spotToken struct {
	name       string
	szDecimals int
}

func spotUniverseAndTokens(payload any) ([]any, []any) {
	if arr, ok := toSlice(payload); ok && len(arr) >= 1 {
		if meta, ok := toMap(arr[0]); ok {
			universe, _ := toSlice(meta["universe"])
			tokens, _ := toSlice(meta["tokens"])
			return universe, tokens
		}
	}
	if meta, ok := toMap(payload); ok {
		universe, _ := toSlice(meta["universe"])
		tokens, _ := toSlice(meta["tokens"])
		return universe, tokens
	}
	return nil, nil
}
