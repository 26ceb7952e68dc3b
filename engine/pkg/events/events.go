// Package events carries the results the engine emits to external
// collaborators. Delivery to notification channels is the subscriber's job;
// the engine only publishes.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	TypeEpochFinalized      Type = "epoch.finalized"
	TypeDividendsCalculated Type = "dividends.calculated"
	TypeDividendClaimed     Type = "dividend.claimed"
	TypeSharesUnlocked      Type = "shares.unlocked"
)

// Event is a published engine result.
type Event struct {
	Type    Type
	At      time.Time
	Payload any
}

// EpochFinalized is published when a creator epoch is finalized.
type EpochFinalized struct {
	CreatorID   string `json:"creator_id"`
	EpochID     string `json:"epoch_id"`
	EpochNumber int64  `json:"epoch_number"`
	TotalFees   int64  `json:"total_fees"`
}

// DividendsCalculated is published when claimable dividends for an epoch
// have been written.
type DividendsCalculated struct {
	EpochID           string `json:"epoch_id"`
	ShareholdersCount int    `json:"shareholders_count"`
	TotalFees         int64  `json:"total_fees"`
}

// DividendClaimed is published when a holder successfully claims.
type DividendClaimed struct {
	EpochID string `json:"epoch_id"`
	Holder  string `json:"holder"`
	Amount  int64  `json:"amount"`
	TxRef   string `json:"tx_ref"`
}

// SharesUnlocked is published when a creator crosses the volume threshold.
type SharesUnlocked struct {
	CreatorID   string `json:"creator_id"`
	TotalVolume int64  `json:"total_volume"`
}

// Bus is an in-process publish/subscribe fanout. Publish never blocks; a
// subscriber that falls behind loses events (and the drop is logged), so
// subscribers needing durability must drain promptly.
type Bus struct {
	log *slog.Logger

	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	dropped int64
}

// NewBus returns an empty bus.
func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a subscriber with the given channel buffer and returns
// its channel plus a cancel function. Cancel closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
			b.log.Warn("events: dropped event for slow subscriber", "type", string(e.Type))
		}
	}
}

// Dropped returns the number of events dropped so far.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
