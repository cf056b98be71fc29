package app

import (
	"context"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/strategy"
)

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/close BTC")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "close" {
		t.Fatalf("expected close, got %s", cmd)
	}
	if len(args) != 1 || args[0] != "BTC" {
		t.Fatalf("unexpected args: %v", args)
	}
	if _, _, ok := parseOperatorCommand("not a command"); ok {
		t.Fatalf("expected plain text to be ignored")
	}
}

func TestOperatorPauseResumeAudit(t *testing.T) {
	store := newMemoryStore()
	app := &App{store: store}
	meta := operatorMeta{UserID: 1, ChatID: 2, Raw: "/pause"}

	resp, err := app.handleOperatorCommand(context.Background(), "pause", nil, meta)
	if err != nil {
		t.Fatalf("pause error: %v", err)
	}
	if resp != "trading paused" {
		t.Fatalf("unexpected pause response: %s", resp)
	}
	if !app.isPaused() {
		t.Fatalf("expected paused")
	}

	meta.Raw = "/resume"
	resp, err = app.handleOperatorCommand(context.Background(), "resume", nil, meta)
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	if resp != "trading resumed" {
		t.Fatalf("unexpected resume response: %s", resp)
	}
	if app.isPaused() {
		t.Fatalf("expected resumed")
	}
	found := false
	for key := range store.data {
		if strings.HasPrefix(key, "ops:audit:") {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected audit entry")
	}
}

func TestRiskOverrideSetReset(t *testing.T) {
	base := config.RiskConfig{MinMarginRatio: 0.05, MaxPriceJump: 0.05, MaxFailureStreak: 5}
	app := &App{
		cfg:   &config.Config{Risk: base},
		store: newMemoryStore(),
		gate:  strategy.NewGate(base),
	}
	meta := operatorMeta{UserID: 1, ChatID: 2, Raw: "/risk set min_margin_ratio=0.1"}

	resp, err := app.handleRiskCommand(context.Background(), []string{"set", "min_margin_ratio=0.1"}, meta)
	if err != nil {
		t.Fatalf("risk set error: %v", err)
	}
	if resp != "risk override updated" {
		t.Fatalf("unexpected response: %s", resp)
	}
	if got := app.gate.Config().MinMarginRatio; got != 0.1 {
		t.Fatalf("expected margin floor 0.1, got %f", got)
	}
	if !strings.Contains(app.riskStatus(), "risk override: active") {
		t.Fatalf("expected override reported active, got %q", app.riskStatus())
	}

	meta.Raw = "/risk reset"
	resp, err = app.handleRiskCommand(context.Background(), []string{"reset"}, meta)
	if err != nil {
		t.Fatalf("risk reset error: %v", err)
	}
	if resp != "risk override cleared" {
		t.Fatalf("unexpected response: %s", resp)
	}
	if got := app.gate.Config(); got != base {
		t.Fatalf("expected base thresholds restored, got %+v", got)
	}
	if !strings.Contains(app.riskStatus(), "risk override: none") {
		t.Fatalf("expected no override reported, got %q", app.riskStatus())
	}
}

func TestParseRiskOverridesRejectsBadInput(t *testing.T) {
	if _, err := parseRiskOverrides([]string{"unknown=1"}); err == nil {
		t.Fatalf("expected error for unknown key")
	}
	if _, err := parseRiskOverrides([]string{"min_margin_ratio=-0.1"}); err == nil {
		t.Fatalf("expected error for negative value")
	}
	if _, err := parseRiskOverrides(nil); err == nil {
		t.Fatalf("expected error for empty set")
	}
	got, err := parseRiskOverrides([]string{"max_failure_streak=9", "max_price_jump=0.2"})
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if got.MaxFailureStreak == nil || *got.MaxFailureStreak != 9 {
		t.Fatalf("expected streak override 9, got %+v", got.MaxFailureStreak)
	}
	if got.MaxPriceJump == nil || *got.MaxPriceJump != 0.2 {
		t.Fatalf("expected jump override 0.2, got %+v", got.MaxPriceJump)
	}
	if got.MinMarginRatio != nil {
		t.Fatalf("expected margin override unset")
	}
}

func TestCloseCommandUnknownSymbol(t *testing.T) {
	app := &App{store: newMemoryStore()}
	_, err := app.handleOperatorCommand(context.Background(), "close", []string{"DOGE"}, operatorMeta{})
	if err == nil || !strings.Contains(err.Error(), "unknown symbol") {
		t.Fatalf("expected unknown symbol error, got %v", err)
	}
	_, err = app.handleOperatorCommand(context.Background(), "close", nil, operatorMeta{})
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestHandleOperatorUpdateFiltersChatAndUser(t *testing.T) {
	store := newMemoryStore()
	app := &App{
		store:  store,
		log:    zap.NewNop(),
		alerts: alerts.NewTelegram(config.TelegramConfig{}, zap.NewNop()),
	}
	allowed := map[int64]struct{}{7: {}}
	upd := alerts.Update{UpdateID: 5, Message: &alerts.Message{
		From: &alerts.User{ID: 99},
		Chat: &alerts.Chat{ID: 42},
		Text: "/pause",
	}}

	app.handleOperatorUpdate(context.Background(), upd, 41, allowed)
	if app.isPaused() {
		t.Fatalf("expected foreign chat to be ignored")
	}
	app.handleOperatorUpdate(context.Background(), upd, 42, allowed)
	if app.isPaused() {
		t.Fatalf("expected unlisted user to be ignored")
	}

	upd.Message.From.ID = 7
	app.handleOperatorUpdate(context.Background(), upd, 42, allowed)
	if !app.isPaused() {
		t.Fatalf("expected allowed user in the right chat to pause")
	}
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memoryStore) Close() error { return nil }
