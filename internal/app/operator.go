package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/hedge"
	"funding-arb-bot/internal/strategy"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64              `json:"update_id"`
	Time         time.Time          `json:"time"`
	Action       string             `json:"action"`
	Command      string             `json:"command"`
	UserID       int64              `json:"user_id"`
	Username     string             `json:"username,omitempty"`
	ChatID       int64              `json:"chat_id"`
	Symbol       string             `json:"symbol,omitempty"`
	PausedBefore bool               `json:"paused_before"`
	PausedAfter  bool               `json:"paused_after"`
	RiskBefore   *config.RiskConfig `json:"risk_before,omitempty"`
	RiskAfter    *config.RiskConfig `json:"risk_after,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	// Both flags gate the loop: with the client disabled GetUpdates returns
	// immediately and the poll would spin.
	if !a.cfg.Telegram.Enabled || !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", nil, false
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "pause":
		before := a.isPaused()
		after := a.setPaused(true)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "pause",
			Command:      meta.Raw,
			UserID:       meta.UserID,
			Username:     meta.Username,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  after,
		})
		if before {
			return "trading already paused", nil
		}
		return "trading paused", nil
	case "resume":
		before := a.isPaused()
		after := a.setPaused(false)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "resume",
			Command:      meta.Raw,
			UserID:       meta.UserID,
			Username:     meta.Username,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  after,
		})
		if !before {
			return "trading already active", nil
		}
		return "trading resumed", nil
	case "close":
		return a.handleCloseCommand(ctx, args, meta)
	case "release":
		return a.handleReleaseCommand(ctx, args, meta)
	case "risk":
		return a.handleRiskCommand(ctx, args, meta)
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

// handleCloseCommand flattens one symbol's hedge immediately, bypassing the
// yield rules. The controller refuses when no position is live.
func (a *App) handleCloseCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /close SYMBOL")
	}
	ctrl := a.controllerFor(args[0])
	if ctrl == nil {
		return "", fmt.Errorf("unknown symbol %s", args[0])
	}
	if err := ctrl.ForceClose(ctx); err != nil {
		return "", err
	}
	a.auditOperatorEvent(ctx, operatorAuditEvent{
		UpdateID: meta.UpdateID,
		Time:     time.Now().UTC(),
		Action:   "force_close",
		Command:  meta.Raw,
		UserID:   meta.UserID,
		Username: meta.Username,
		ChatID:   meta.ChatID,
		Symbol:   ctrl.Symbol(),
	})
	return fmt.Sprintf("%s: close dispatched", ctrl.Symbol()), nil
}

// handleReleaseCommand clears the manual hold an escalated close leaves
// behind, so automated exits run again for that symbol.
func (a *App) handleReleaseCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /release SYMBOL")
	}
	ctrl := a.controllerFor(args[0])
	if ctrl == nil {
		return "", fmt.Errorf("unknown symbol %s", args[0])
	}
	if err := ctrl.Resume(ctx); err != nil {
		return "", err
	}
	a.auditOperatorEvent(ctx, operatorAuditEvent{
		UpdateID: meta.UpdateID,
		Time:     time.Now().UTC(),
		Action:   "release_hold",
		Command:  meta.Raw,
		UserID:   meta.UserID,
		Username: meta.Username,
		ChatID:   meta.ChatID,
		Symbol:   ctrl.Symbol(),
	})
	return fmt.Sprintf("%s: hold cleared", ctrl.Symbol()), nil
}

func (a *App) handleRiskCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) == 0 || strings.EqualFold(args[0], "show") {
		return a.riskStatus(), nil
	}
	switch strings.ToLower(args[0]) {
	case "reset":
		before := a.riskSnapshot()
		a.gate.ResetOverrides()
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:   meta.UpdateID,
			Time:       time.Now().UTC(),
			Action:     "risk_reset",
			Command:    meta.Raw,
			UserID:     meta.UserID,
			Username:   meta.Username,
			ChatID:     meta.ChatID,
			RiskBefore: before,
			RiskAfter:  a.riskSnapshot(),
		})
		return "risk override cleared", nil
	case "set":
		overrides, err := parseRiskOverrides(args[1:])
		if err != nil {
			return "", err
		}
		before := a.riskSnapshot()
		a.gate.ApplyOverrides(overrides)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:   meta.UpdateID,
			Time:       time.Now().UTC(),
			Action:     "risk_set",
			Command:    meta.Raw,
			UserID:     meta.UserID,
			Username:   meta.Username,
			ChatID:     meta.ChatID,
			RiskBefore: before,
			RiskAfter:  a.riskSnapshot(),
		})
		return "risk override updated", nil
	default:
		return "", errors.New("unknown risk command: use /risk show|set|reset")
	}
}

// parseRiskOverrides turns key=value pairs into the gate's override set.
// Unknown keys and negative values are rejected before anything applies.
func parseRiskOverrides(args []string) (strategy.Overrides, error) {
	if len(args) == 0 {
		return strategy.Overrides{}, errors.New("risk set requires key=value pairs")
	}
	var out strategy.Overrides
	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return strategy.Overrides{}, fmt.Errorf("invalid risk setting: %s", arg)
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])
		if key == "" || val == "" {
			return strategy.Overrides{}, fmt.Errorf("invalid risk setting: %s", arg)
		}
		switch key {
		case "min_margin_ratio":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return strategy.Overrides{}, fmt.Errorf("min_margin_ratio: %w", err)
			}
			if parsed < 0 {
				return strategy.Overrides{}, errors.New("min_margin_ratio must be >= 0")
			}
			out.MinMarginRatio = &parsed
		case "max_price_jump":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return strategy.Overrides{}, fmt.Errorf("max_price_jump: %w", err)
			}
			if parsed < 0 {
				return strategy.Overrides{}, errors.New("max_price_jump must be >= 0")
			}
			out.MaxPriceJump = &parsed
		case "max_failure_streak":
			parsed, err := strconv.Atoi(val)
			if err != nil {
				return strategy.Overrides{}, fmt.Errorf("max_failure_streak: %w", err)
			}
			if parsed < 0 {
				return strategy.Overrides{}, errors.New("max_failure_streak must be >= 0")
			}
			out.MaxFailureStreak = &parsed
		default:
			return strategy.Overrides{}, fmt.Errorf("unknown risk key: %s", key)
		}
	}
	return out, nil
}

func (a *App) operatorStatus() string {
	lines := []string{
		fmt.Sprintf("mode: %s", a.cfg.Mode),
		fmt.Sprintf("paused: %t", a.isPaused()),
		fmt.Sprintf("events_dropped: %d", a.bus.Dropped()),
	}
	now := time.Now().UTC()
	for _, ctrl := range a.controllers {
		symbol := ctrl.Symbol()
		pos, ok := a.ledger.Get(symbol)
		if !ok {
			lines = append(lines, fmt.Sprintf("%s: idle", symbol))
			continue
		}
		line := fmt.Sprintf("%s: %s notional=%.0f entry_net=%.2f/day age=%.1fh",
			symbol, pos.State.External(), pos.NotionalUSD, pos.EntryNetDailyUSD,
			pos.HoldDuration(now).Hours())
		if pos.Held {
			line += " HELD"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (a *App) riskStatus() string {
	effective := a.gate.Config()
	lines := []string{
		fmt.Sprintf("risk effective: min_margin_ratio=%.4f max_price_jump=%.4f max_failure_streak=%d",
			effective.MinMarginRatio,
			effective.MaxPriceJump,
			effective.MaxFailureStreak,
		),
	}
	if a.cfg != nil && effective != a.cfg.Risk {
		lines = append(lines, "risk override: active")
	} else {
		lines = append(lines, "risk override: none")
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - mode, pause flag and per-symbol positions",
		"/pause - stop opening new positions",
		"/resume - resume opening positions",
		"/close SYMBOL - flatten the symbol's hedge now",
		"/release SYMBOL - clear the manual hold after an escalated close",
		"/risk show - show active risk thresholds",
		"/risk set key=value ... - override thresholds (keys: min_margin_ratio, max_price_jump, max_failure_streak)",
		"/risk reset - restore configured thresholds",
	}, "\n")
}

func (a *App) controllerFor(symbol string) *hedge.Controller {
	for _, ctrl := range a.controllers {
		if strings.EqualFold(ctrl.Symbol(), symbol) {
			return ctrl
		}
	}
	return nil
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}

func (a *App) riskSnapshot() *config.RiskConfig {
	cfg := a.gate.Config()
	return &cfg
}

func (a *App) logOperatorError(err error) {
	if a.log == nil {
		return
	}
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	if val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
