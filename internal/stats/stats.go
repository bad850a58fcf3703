// Package stats maintains the per-contact interaction counters: incremental
// bumps on the ingestion path and a lazy full recompute on the read path once
// the counters go stale.
package stats

import (
	"time"

	"go.uber.org/zap"

	"github.com/ecamargo/kindred/internal/store"
)

// StaleAfter is how old a counter set may get before a read triggers a full
// recompute. Incremental bumps only ever add, so the sliding windows drift
// upward until rebuilt from message timestamps.
const StaleAfter = time.Hour

// Maintainer keeps contact interaction counters current.
type Maintainer struct {
	db  *store.DB
	log *zap.Logger
	now func() time.Time
}

func NewMaintainer(db *store.DB, log *zap.Logger) *Maintainer {
	return &Maintainer{db: db, log: log.Named("stats"), now: time.Now}
}

// OnMessageCommitted bumps the contact's counters and last-interaction mark
// after a message commit. Failures are logged, never surfaced: a missed bump
// heals on the next recompute, and statistics must not fail ingestion.
func (m *Maintainer) OnMessageCommitted(accountID, contactID string, ts int64) {
	if err := m.db.TouchLastInteraction(accountID, contactID, ts); err != nil {
		m.log.Warn("touch last interaction failed",
			zap.String("account", accountID), zap.String("contact", contactID), zap.Error(err))
	}
	if err := m.db.BumpCounters(accountID, contactID, ts, m.now()); err != nil {
		m.log.Warn("counter bump failed",
			zap.String("account", accountID), zap.String("contact", contactID), zap.Error(err))
	}
}

// ContactStats is the summary served to callers: sliding-window counts plus
// all-time totals split by direction.
type ContactStats struct {
	Count7d           int
	Count30d          int
	Count90d          int
	TotalMessages     int
	SentMessages      int
	ReceivedMessages  int
	LastInteractionAt int64
}

// ForContact returns current statistics for a contact, recomputing the
// sliding counters first when they have gone stale.
func (m *Maintainer) ForContact(accountID, contactID string) (*ContactStats, error) {
	c, err := m.db.GetContact(accountID, contactID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, store.ErrNotFound
	}

	if m.stale(c) {
		if err := m.db.RecomputeCounters(accountID, contactID, m.now()); err != nil {
			return nil, err
		}
		if c, err = m.db.GetContact(accountID, contactID); err != nil {
			return nil, err
		}
	}

	total, sent, received, err := m.db.MessageTotals(accountID, contactID)
	if err != nil {
		return nil, err
	}
	return &ContactStats{
		Count7d:           c.Count7d,
		Count30d:          c.Count30d,
		Count90d:          c.Count90d,
		TotalMessages:     total,
		SentMessages:      sent,
		ReceivedMessages:  received,
		LastInteractionAt: c.LastInteractionAt,
	}, nil
}

func (m *Maintainer) stale(c *store.Contact) bool {
	if c.StatsUpdatedAt == 0 {
		return true
	}
	return m.now().UnixMilli()-c.StatsUpdatedAt > StaleAfter.Milliseconds()
}
