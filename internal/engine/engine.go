// Package engine reconciles push notifications against the mailbox history,
// advancing a per-account watermark and driving classification exactly once
// per newly added message.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/veldt-labs/mailwarden/internal/gateway"
	"github.com/veldt-labs/mailwarden/internal/notify"
)

// WatermarkStore is the durable per-account history position.
type WatermarkStore interface {
	Watermark(ctx context.Context, account string) (historyID uint64, ok bool, err error)
	SaveWatermark(ctx context.Context, account string, historyID uint64) error
}

// Processor classifies one message. Implementations must be idempotent.
type Processor interface {
	Process(ctx context.Context, messageID string) error
}

type Engine struct {
	gw      gateway.Gateway
	store   WatermarkStore
	proc    Processor
	log     *zap.Logger
	account string

	// lookback bounds first-contact reconciliation to max(H-lookback, 1).
	lookback uint64

	// parallelism caps in-flight classification within one delta. A message
	// id is owned by exactly one worker, so label mutations for the same
	// message never race.
	parallelism int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(gw gateway.Gateway, store WatermarkStore, proc Processor, account string, lookback uint64, parallelism int, log *zap.Logger) *Engine {
	if lookback == 0 {
		lookback = 10
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Engine{
		gw:          gw,
		store:       store,
		proc:        proc,
		log:         log,
		account:     account,
		lookback:    lookback,
		parallelism: parallelism,
		locks:       make(map[string]*sync.Mutex),
	}
}

// Reconcile applies one notification and returns the number of messages run
// through classification. Notifications for the same account are processed
// one at a time; a lost update between two concurrent reconciliations could
// silently skip a history range.
func (e *Engine) Reconcile(ctx context.Context, ev notify.Event) (int, error) {
	if ev.Inert() {
		e.log.Info("inert notification dropped", zap.String("pubsub_id", ev.PubSubID))
		return 0, nil
	}

	account := ev.Account
	if account == "" {
		account = e.account
	}

	lock := e.accountLock(account)
	lock.Lock()
	defer lock.Unlock()

	if ev.MessageID != "" {
		return e.reconcileDirect(ctx, ev.MessageID)
	}
	return e.reconcileDelta(ctx, account, ev.HistoryID)
}

// reconcileDirect handles a notification naming a single message. The
// watermark is untouched.
func (e *Engine) reconcileDirect(ctx context.Context, messageID string) (int, error) {
	if err := e.proc.Process(ctx, messageID); err != nil {
		e.log.Error("direct message processing failed", zap.String("message", messageID), zap.Error(err))
		return 0, nil
	}
	return 1, nil
}

// reconcileDelta fetches history from the stored watermark (or a bounded
// lookback on first contact), classifies every addition in gateway order,
// and advances the watermark to H. A failed fetch leaves the watermark
// unchanged so the next notification retries the same range.
func (e *Engine) reconcileDelta(ctx context.Context, account string, h uint64) (int, error) {
	stored, ok, err := e.store.Watermark(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}

	start := stored
	if !ok {
		// First contact: a full replay is unbounded, so trade a small chance
		// of missing very old events for a short, fixed backfill window.
		start = 1
		if h > e.lookback {
			start = h - e.lookback
		}
		e.log.Info("no stored watermark, using bounded lookback",
			zap.String("account", account),
			zap.Uint64("history_id", h),
			zap.Uint64("start", start))
	}

	delta, err := e.gw.History(ctx, start)
	if errors.Is(err, gateway.ErrHistoryExpired) {
		// The provider dropped history at the stored position. Restart from
		// a bounded lookback off the incoming H; advancing the watermark to
		// H afterwards is what unsticks the account.
		fallback := uint64(1)
		if h > e.lookback {
			fallback = h - e.lookback
		}
		if fallback != start {
			e.log.Warn("history position expired, restarting from bounded lookback",
				zap.String("account", account),
				zap.Uint64("expired_start", start),
				zap.Uint64("start", fallback))
			start = fallback
			delta, err = e.gw.History(ctx, start)
		}
	}
	if err != nil {
		e.log.Error("history fetch failed, watermark unchanged",
			zap.String("account", account),
			zap.Uint64("start", start),
			zap.Error(err))
		return 0, nil
	}

	processed := e.processAll(ctx, delta.AddedMessageIDs)

	if ok && h < stored {
		// Late out-of-order delivery: the range was already covered by a
		// newer notification, never move the watermark backwards.
		e.log.Warn("out-of-order notification, keeping stored watermark",
			zap.String("account", account),
			zap.Uint64("incoming", h),
			zap.Uint64("stored", stored))
		return processed, nil
	}

	if err := e.store.SaveWatermark(ctx, account, h); err != nil {
		return processed, fmt.Errorf("advance watermark: %w", err)
	}
	e.log.Info("reconciled delta",
		zap.String("account", account),
		zap.Uint64("from", start),
		zap.Uint64("to", h),
		zap.Int("processed", processed))
	return processed, nil
}

// processAll fans message ids out over a bounded worker pool, preserving
// one-worker-per-message ownership. Per-message failures are logged by the
// processor path and never abort the batch.
func (e *Engine) processAll(ctx context.Context, ids []string) int {
	if len(ids) == 0 {
		return 0
	}

	sem := make(chan struct{}, e.parallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex
	processed := 0

	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := e.proc.Process(ctx, id); err != nil {
				e.log.Error("message processing failed", zap.String("message", id), zap.Error(err))
				return
			}
			mu.Lock()
			processed++
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return processed
}

func (e *Engine) accountLock(account string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[account]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[account] = lock
	}
	return lock
}
