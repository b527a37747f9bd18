// Package watch manages the Gmail push notification subscription. A watch
// expires after roughly seven days, so a renewal loop re-registers it well
// before that.
package watch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/veldt-labs/mailwarden/internal/gateway"
)

// WatermarkStore seeds the history position when a mailbox is first watched.
type WatermarkStore interface {
	Watermark(ctx context.Context, account string) (historyID uint64, ok bool, err error)
	SaveWatermark(ctx context.Context, account string, historyID uint64) error
}

type Manager struct {
	gw      gateway.Gateway
	marks   WatermarkStore
	log     *zap.Logger
	account string
	topic   string

	renewEvery time.Duration
}

func NewManager(gw gateway.Gateway, marks WatermarkStore, account, topic string, log *zap.Logger) *Manager {
	return &Manager{
		gw:         gw,
		marks:      marks,
		log:        log,
		account:    account,
		topic:      topic,
		renewEvery: 24 * time.Hour,
	}
}

// Start registers the watch and seeds the watermark from the returned
// history id when the account has none yet. An existing watermark is left
// alone; re-watching must not move the position backward.
func (m *Manager) Start(ctx context.Context) (*gateway.WatchResult, error) {
	res, err := m.gw.Watch(ctx, m.topic)
	if err != nil {
		return nil, fmt.Errorf("start watch: %w", err)
	}

	_, ok, err := m.marks.Watermark(ctx, m.account)
	if err != nil {
		return nil, fmt.Errorf("read watermark: %w", err)
	}
	if !ok && res.HistoryID > 0 {
		if err := m.marks.SaveWatermark(ctx, m.account, res.HistoryID); err != nil {
			return nil, fmt.Errorf("seed watermark: %w", err)
		}
		m.log.Info("seeded watermark from watch",
			zap.String("account", m.account),
			zap.Uint64("history_id", res.HistoryID))
	}

	m.log.Info("watch registered",
		zap.String("account", m.account),
		zap.String("topic", m.topic),
		zap.Int64("expiration_ms", res.ExpirationMS))
	return res, nil
}

// InitHistory seeds the watermark from the mailbox profile without
// registering a watch. Useful before the push topic exists.
func (m *Manager) InitHistory(ctx context.Context) (uint64, error) {
	p, err := m.gw.Profile(ctx)
	if err != nil {
		return 0, fmt.Errorf("get profile: %w", err)
	}

	_, ok, err := m.marks.Watermark(ctx, m.account)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	if !ok && p.HistoryID > 0 {
		if err := m.marks.SaveWatermark(ctx, m.account, p.HistoryID); err != nil {
			return 0, fmt.Errorf("seed watermark: %w", err)
		}
		m.log.Info("seeded watermark from profile",
			zap.String("account", m.account),
			zap.Uint64("history_id", p.HistoryID))
	}
	return p.HistoryID, nil
}

// Stop tears down the subscription. Notifications stop arriving; the
// watermark survives so a later Start resumes from the same position.
func (m *Manager) Stop(ctx context.Context) error {
	if err := m.gw.StopWatch(ctx); err != nil {
		return fmt.Errorf("stop watch: %w", err)
	}
	m.log.Info("watch stopped", zap.String("account", m.account))
	return nil
}

// RunRenewal re-registers the watch on an interval until the context is
// cancelled. A failed renewal is retried on the next tick; the previous
// watch stays valid until its own expiration.
func (m *Manager) RunRenewal(ctx context.Context) {
	ticker := time.NewTicker(m.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Start(ctx); err != nil {
				m.log.Warn("watch renewal failed", zap.String("account", m.account), zap.Error(err))
			}
		}
	}
}
