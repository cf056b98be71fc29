package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// NonceStore persists the last used nonce so a restarted process never
// replays or regresses below what the exchange has already seen.
type NonceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// NonceState reports nonce bookkeeping for the ops surface.
type NonceState struct {
	Key       string `json:"key"`
	Last      uint64 `json:"last"`
	Persisted uint64 `json:"persisted"`
}

// exchangeClient posts signed actions to /exchange. Nonces are wall-clock
// milliseconds bumped monotonically under contention.
type exchangeClient struct {
	baseURL string
	http    *http.Client
	signer  *signer
	vault   *common.Address
	log     *zap.Logger

	lastNonce     atomic.Uint64
	lastPersisted atomic.Uint64
	nonceStore    NonceStore
	nonceKey      string
	persistMu     sync.Mutex
	persistWarned atomic.Bool
}

func newExchangeClient(baseURL string, timeout time.Duration, sig *signer, vaultAddress string, log *zap.Logger) (*exchangeClient, error) {
	if sig == nil {
		return nil, errors.New("signer is required")
	}
	var vault *common.Address
	if strings.TrimSpace(vaultAddress) != "" {
		addr := common.HexToAddress(vaultAddress)
		vault = &addr
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &exchangeClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		signer:  sig,
		vault:   vault,
		log:     log,
	}, nil
}

func (c *exchangeClient) placeOrder(ctx context.Context, order orderWire) (map[string]any, error) {
	action := orderAction{Type: "order", Orders: []orderWire{order}, Grouping: "na"}
	nonce := c.nextNonce()
	sig, err := c.signer.signOrder(action, nonce, c.vault)
	if err != nil {
		return nil, err
	}
	return c.postAction(ctx, action, sig, nonce)
}

func (c *exchangeClient) cancelOrder(ctx context.Context, asset int, orderID int64) (map[string]any, error) {
	action := cancelAction{Type: "cancel", Cancels: []cancelWire{{Asset: asset, OrderID: orderID}}}
	nonce := c.nextNonce()
	sig, err := c.signer.signCancel(action, nonce, c.vault)
	if err != nil {
		return nil, err
	}
	return c.postAction(ctx, action, sig, nonce)
}

// initNonceStore seeds the nonce floor from the store, keeping whichever of
// stored value, wall clock, and in-memory counter is highest.
func (c *exchangeClient) initNonceStore(ctx context.Context, store NonceStore) error {
	if store == nil {
		return nil
	}
	key := c.storeKey()
	seed := uint64(time.Now().UnixMilli())
	if raw, ok, err := store.Get(ctx, key); err != nil {
		return err
	} else if ok {
		parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stored nonce %q: %w", raw, err)
		}
		if parsed > seed {
			seed = parsed
		}
	}
	if current := c.lastNonce.Load(); current > seed {
		seed = current
	}
	c.nonceStore = store
	c.nonceKey = key
	c.lastNonce.Store(seed)
	c.lastPersisted.Store(seed)
	return nil
}

func (c *exchangeClient) nonceState() (NonceState, bool) {
	if c.nonceStore == nil || c.nonceKey == "" {
		return NonceState{}, false
	}
	return NonceState{
		Key:       c.nonceKey,
		Last:      c.lastNonce.Load(),
		Persisted: c.lastPersisted.Load(),
	}, true
}

func (c *exchangeClient) nextNonce() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		prev := c.lastNonce.Load()
		next := now
		if prev >= next {
			next = prev + 1
		}
		if c.lastNonce.CompareAndSwap(prev, next) {
			c.persistNonce(next)
			return next
		}
	}
}

func (c *exchangeClient) persistNonce(nonce uint64) {
	if c.nonceStore == nil || c.nonceKey == "" {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if nonce <= c.lastPersisted.Load() {
		return
	}
	if err := c.nonceStore.Set(context.Background(), c.nonceKey, strconv.FormatUint(nonce, 10)); err != nil {
		if c.persistWarned.CompareAndSwap(false, true) {
			c.log.Warn("nonce persistence failed", zap.String("nonce_key", c.nonceKey), zap.Error(err))
		}
		return
	}
	c.lastPersisted.Store(nonce)
	c.persistWarned.Store(false)
}

func (c *exchangeClient) storeKey() string {
	vault := "none"
	if c.vault != nil {
		vault = strings.ToLower(c.vault.Hex())
	}
	return fmt.Sprintf("exchange:nonce:%s:%s:%s",
		strings.ToLower(strings.TrimSpace(c.baseURL)),
		strings.ToLower(c.signer.address().Hex()),
		vault)
}

func (c *exchangeClient) postAction(ctx context.Context, action any, sig signature, nonce uint64) (map[string]any, error) {
	var vaultAddress *string
	if c.vault != nil {
		addr := c.vault.Hex()
		vaultAddress = &addr
	}
	payload := signedAction{
		Action:       action,
		Nonce:        nonce,
		Signature:    sig,
		VaultAddress: vaultAddress,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/exchange", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("exchange %d: %s", resp.StatusCode, string(snippet))
	}
	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}
