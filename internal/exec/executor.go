package exec

import (
	"context"
	"errors"
	"sync"
	"time"

	"ob-scalp-bot/internal/exchange"
	"ob-scalp-bot/internal/state"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gateway is the slice of the exchange client the executor needs.
type Gateway interface {
	SubmitOrder(ctx context.Context, req exchange.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Executor places and cancels orders with bounded retry. Placement is
// idempotent across restarts: every order carries a client order ID and the
// resulting exchange order ID is recorded in the kv store, so replaying a
// placement after a crash returns the original ID instead of submitting a
// duplicate.
type Executor struct {
	gateway Gateway
	store   state.Store
	log     *zap.Logger

	maxRetries  uint64
	baseBackoff time.Duration

	mu    sync.Mutex
	cache map[string]string
}

func New(gateway Gateway, store state.Store, log *zap.Logger) *Executor {
	return &Executor{
		gateway:     gateway,
		store:       store,
		log:         log,
		maxRetries:  4,
		baseBackoff: 200 * time.Millisecond,
		cache:       make(map[string]string),
	}
}

// NewClientOrderID returns a fresh idempotency key for one placement intent.
func NewClientOrderID() string {
	return "obs-" + uuid.NewString()
}

func (e *Executor) Place(ctx context.Context, req exchange.OrderRequest) (string, error) {
	if req.ClientOrderID == "" {
		return e.placeWithRetry(ctx, req)
	}
	cacheKey := "cloid:" + req.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return oid, nil
		}
	}
	orderID, err := e.placeWithRetry(ctx, req)
	if err != nil {
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, orderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = orderID
	e.mu.Unlock()
	return orderID, nil
}

func (e *Executor) Cancel(ctx context.Context, symbol, orderID string) error {
	return e.retry(ctx, func() error {
		return e.gateway.CancelOrder(ctx, symbol, orderID)
	})
}

func (e *Executor) placeWithRetry(ctx context.Context, req exchange.OrderRequest) (string, error) {
	var orderID string
	err := e.retry(ctx, func() error {
		var err error
		orderID, err = e.gateway.SubmitOrder(ctx, req)
		return err
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", errors.New("empty order id")
	}
	return orderID, nil
}

// retry repeats the call on transient failures only. Fatal errors such as
// insufficient funds or a rejected request surface immediately.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.baseBackoff
	return backoff.Retry(func() error {
		if err := fn(); err != nil {
			if exchange.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, e.maxRetries), ctx))
}
