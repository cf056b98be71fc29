package hyperliquid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"funding-arb-bot/internal/ledger"
	"funding-arb-bot/internal/venue"
)

// fillLookback bounds the fills query when the placement time is unknown,
// such as after a restart.
const fillLookback = 24 * time.Hour

type fillRecord struct {
	orderID string
	size    float64
	price   float64
	timeMS  int64
}

// OrderStatus resolves an order's lifecycle from the orderStatus endpoint
// and, once anything has filled, the user's fill history for the average
// price.
func (a *Adapter) OrderStatus(ctx context.Context, market, orderRef string) (venue.OrderState, error) {
	if a.user == "" {
		return venue.OrderState{}, errors.New("wallet address required for order status")
	}
	var oid any = orderRef
	if n, err := strconv.ParseInt(orderRef, 10, 64); err == nil {
		oid = n
	}
	payload, err := a.info.post(ctx, map[string]any{"type": "orderStatus", "user": a.user, "oid": oid})
	if err != nil {
		return venue.OrderState{}, err
	}
	resp, ok := toMap(payload)
	if !ok {
		return venue.OrderState{}, fmt.Errorf("unexpected orderStatus reply for %s", orderRef)
	}
	switch stringFromMap(resp, "status") {
	case "order":
	case "unknownOid":
		return venue.OrderState{}, venue.ErrOrderNotFound
	default:
		return venue.OrderState{}, fmt.Errorf("orderStatus %q for %s", stringFromMap(resp, "status"), orderRef)
	}
	wrapper, ok := toMap(resp["order"])
	if !ok {
		return venue.OrderState{}, fmt.Errorf("orderStatus missing order for %s", orderRef)
	}
	inner, _ := toMap(wrapper["order"])
	origSz, _ := floatFromMap(inner, "origSz", "origSize")
	remaining, _ := floatFromMap(inner, "sz", "size")
	limitPx, _ := floatFromMap(inner, "limitPx", "px")
	filled := origSz - remaining
	if filled < 0 {
		filled = 0
	}

	state := venue.OrderState{FilledQty: filled}
	switch status := strings.ToLower(stringFromMap(wrapper, "status")); {
	case status == "filled":
		state.Status = ledger.FillFilled
	case status == "open":
		if filled > 0 {
			state.Status = ledger.FillPartial
		} else {
			state.Status = ledger.FillPending
		}
	case status == "rejected":
		state.Status = ledger.FillFailed
	case strings.Contains(status, "cancel"):
		state.Status = ledger.FillCancelled
	default:
		state.Status = ledger.FillPending
	}
	if state.FilledQty > 0 {
		qty, avg := a.fillAggregate(ctx, orderRef)
		if qty > 0 {
			state.FilledQty = qty
			state.AvgPrice = avg
		} else {
			state.AvgPrice = limitPx
		}
	}
	return state, nil
}

// fillAggregate sums this order's fills into a quantity and size-weighted
// average price. Best effort: an empty result falls back to the limit price.
func (a *Adapter) fillAggregate(ctx context.Context, orderRef string) (float64, float64) {
	since := time.Now().Add(-fillLookback)
	a.mu.RLock()
	if placed, ok := a.placedAt[orderRef]; ok {
		since = placed.Add(-time.Minute)
	}
	a.mu.RUnlock()
	fills, err := a.fillsSince(ctx, since)
	if err != nil {
		return 0, 0
	}
	var qty, notional float64
	for _, f := range fills {
		if f.orderID != orderRef {
			continue
		}
		qty += f.size
		notional += f.size * f.price
	}
	if qty <= 0 {
		return 0, 0
	}
	return qty, notional / qty
}

func (a *Adapter) fillsSince(ctx context.Context, since time.Time) ([]fillRecord, error) {
	if a.user == "" {
		return nil, errors.New("wallet address required for fills")
	}
	payload, err := a.info.post(ctx, map[string]any{
		"type":      "userFillsByTime",
		"user":      a.user,
		"startTime": since.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	return parseFillRecords(payload), nil
}

func parseFillRecords(payload any) []fillRecord {
	entries, ok := toSlice(payload)
	if !ok {
		if m, ok := toMap(payload); ok {
			entries, _ = toSlice(m["fills"])
		}
	}
	if len(entries) == 0 {
		return nil
	}
	fills := make([]fillRecord, 0, len(entries))
	for _, item := range entries {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		size, _ := floatFromMap(entry, "sz", "size")
		price, _ := floatFromMap(entry, "px", "price")
		fills = append(fills, fillRecord{
			orderID: stringFromMap(entry, "oid", "orderId"),
			size:    size,
			price:   price,
			timeMS:  int64FromAny(entry["time"]),
		})
	}
	return fills
}

// actionStatuses digs the per-order status list out of an exchange reply.
func actionStatuses(resp map[string]any) ([]any, error) {
	if status := stringFromMap(resp, "status"); status != "ok" {
		return nil, fmt.Errorf("exchange rejected action: %v", resp["response"])
	}
	response, ok := toMap(resp["response"])
	if !ok {
		return nil, errors.New("exchange reply missing response")
	}
	data, ok := toMap(response["data"])
	if !ok {
		return nil, errors.New("exchange reply missing data")
	}
	statuses, _ := toSlice(data["statuses"])
	if len(statuses) == 0 {
		return nil, errors.New("exchange reply missing statuses")
	}
	return statuses, nil
}

// placedOrderRef extracts the exchange order id from a placement reply,
// whether the order rested or filled immediately.
func placedOrderRef(resp map[string]any) (string, error) {
	statuses, err := actionStatuses(resp)
	if err != nil {
		return "", err
	}
	entry, ok := toMap(statuses[0])
	if !ok {
		return "", fmt.Errorf("unexpected order status %v", statuses[0])
	}
	if msg := stringFromMap(entry, "error"); msg != "" {
		return "", fmt.Errorf("order rejected: %s", msg)
	}
	for _, key := range []string{"resting", "filled"} {
		if nested, ok := toMap(entry[key]); ok {
			if oid := stringFromMap(nested, "oid", "orderId"); oid != "" {
				return oid, nil
			}
		}
	}
	return "", fmt.Errorf("order reply missing oid: %v", entry)
}

// cancelOutcome maps a cancel reply onto the adapter contract: orders the
// venue no longer knows collapse to ErrOrderNotFound so callers can treat
// them as already terminal.
func cancelOutcome(resp map[string]any) error {
	statuses, err := actionStatuses(resp)
	if err != nil {
		return err
	}
	if s, ok := statuses[0].(string); ok && strings.EqualFold(s, "success") {
		return nil
	}
	if entry, ok := toMap(statuses[0]); ok {
		msg := stringFromMap(entry, "error")
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "never placed") ||
			strings.Contains(lower, "already canceled") ||
			strings.Contains(lower, "filled") {
			return venue.ErrOrderNotFound
		}
		if msg != "" {
			return fmt.Errorf("cancel rejected: %s", msg)
		}
	}
	return fmt.Errorf("unexpected cancel status %v", statuses[0])
}
