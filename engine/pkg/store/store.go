// Package store defines the persistence contract of the dividend engine.
// Implementations: store/pg (Postgres, production) and store/mem (in-memory,
// tests and local development).
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all implementations.
var (
	ErrNotFound            = errors.New("store: not found")
	ErrAlreadyExists       = errors.New("store: already exists")
	ErrOpenEpochExists     = errors.New("store: open epoch already exists")
	ErrAlreadyFinalized    = errors.New("store: epoch already finalized")
	ErrAlreadyClaimed      = errors.New("store: dividend already claimed")
	ErrInsufficientSupply  = errors.New("store: insufficient share supply")
	ErrInsufficientBalance = errors.New("store: insufficient holder balance")
)

// TradeSide is the direction of a share trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Creator is the owner of a tradable share line. TotalVolume is a monotonic
// counter in minor units; SharesUnlocked is a one-way latch.
type Creator struct {
	ID               string
	Supply           int64
	TotalVolume      int64
	SharesUnlocked   bool
	SharesUnlockedAt time.Time
	CreatedAt        time.Time
}

// ShareTrade is an immutable trade event. ID is assigned by the market
// collaborator and makes at-least-once delivery idempotent.
type ShareTrade struct {
	ID          string
	CreatorID   string
	Trader      string
	Side        TradeSide
	ShareDelta  int64
	QuoteAmount int64
	Fee         int64
	ExecutedAt  time.Time
}

// FeeSnapshot is a point-in-time read of a creator's accrued fees.
type FeeSnapshot struct {
	ShareFees  int64
	MarketFees int64
}

// Total returns the combined fee amount.
func (s FeeSnapshot) Total() int64 { return s.ShareFees + s.MarketFees }

// Epoch is one accounting window for a creator. Fee totals are written once,
// at finalization, and are immutable afterwards.
type Epoch struct {
	ID                    string
	CreatorID             string
	Number                int64
	StartTime             time.Time
	EndTime               time.Time
	ShareFees             int64
	MarketFees            int64
	TotalFees             int64
	TotalSharesAtSnapshot int64
	Distributed           bool
	DistributedAt         time.Time
}

// ClaimableDividend is one holder's share of a finalized epoch's fee pool.
// Created once per (epoch, holder), mutated exactly once by a claim.
type ClaimableDividend struct {
	EpochID    string
	CreatorID  string
	Holder     string
	SharesHeld int64
	Amount     int64
	Claimed    bool
	ClaimedAt  time.Time
	TxRef      string
	CreatedAt  time.Time
}

// DividendClaim is the append-only audit record of a successful payout.
type DividendClaim struct {
	ID        string
	EpochID   string
	Holder    string
	Amount    int64
	TxRef     string
	ClaimedAt time.Time
}

// DeadLetter preserves a job that exhausted its retry budget so it can be
// replayed manually.
type DeadLetter struct {
	ID        string
	JobKind   string
	CreatorID string
	Payload   []byte
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Store is the persistence interface the engine components consume.
//
// InTx runs fn against a transactional view; every write inside fn commits
// or rolls back as a unit. The row-locking methods (GetCreatorForUpdate,
// OpenEpochForUpdate, ClaimableForUpdate) are only meaningful inside a
// transaction.
type Store interface {
	InTx(ctx context.Context, fn func(tx Store) error) error

	// Creators.
	CreateCreator(ctx context.Context, c Creator) (Creator, error)
	GetCreator(ctx context.Context, id string) (Creator, error)
	GetCreatorForUpdate(ctx context.Context, id string) (Creator, error)
	ListCreatorIDs(ctx context.Context) ([]string, error)
	AdjustSupply(ctx context.Context, creatorID string, delta int64) (int64, error)
	AddVolume(ctx context.Context, creatorID string, delta int64) (int64, error)
	LatchSharesUnlocked(ctx context.Context, creatorID string, at time.Time) (bool, error)

	// Trades and the incremental holder-balance index.
	InsertTrade(ctx context.Context, t ShareTrade) (bool, error)
	GetTrade(ctx context.Context, id string) (ShareTrade, error)
	ListTradesUntil(ctx context.Context, creatorID string, until time.Time) ([]ShareTrade, error)
	HolderBalance(ctx context.Context, creatorID, holder string) (int64, error)

	// Fee ledger. Platform fees accumulate forever; they are never swept
	// into an epoch.
	AccrueFees(ctx context.Context, creatorID string, shareFees, marketFees int64) error
	FeeAccruals(ctx context.Context, creatorID string) (FeeSnapshot, error)
	ResetFees(ctx context.Context, creatorID string) (FeeSnapshot, error)
	AddPlatformFees(ctx context.Context, creatorID string, amount int64) error
	PlatformFees(ctx context.Context, creatorID string) (int64, error)

	// Epochs.
	CreateEpoch(ctx context.Context, e Epoch) (Epoch, error)
	OpenEpoch(ctx context.Context, creatorID string) (Epoch, error)
	OpenEpochForUpdate(ctx context.Context, creatorID string) (Epoch, error)
	GetEpoch(ctx context.Context, id string) (Epoch, error)
	ListEpochs(ctx context.Context, creatorID string, limit int) ([]Epoch, error)
	MarkEpochFinalized(ctx context.Context, id string, fees FeeSnapshot, totalShares int64, at time.Time) error

	// Claimable dividends and claims.
	InsertClaimables(ctx context.Context, rows []ClaimableDividend) (int, error)
	CountClaimables(ctx context.Context, epochID string) (int, error)
	ListClaimablesByEpoch(ctx context.Context, epochID string) ([]ClaimableDividend, error)
	ListClaimablesByHolder(ctx context.Context, holder string) ([]ClaimableDividend, error)
	ClaimableForUpdate(ctx context.Context, epochID, holder string) (ClaimableDividend, error)
	MarkClaimed(ctx context.Context, epochID, holder, txRef string, at time.Time) error
	InsertClaim(ctx context.Context, c DividendClaim) error
	ListClaims(ctx context.Context, holder string) ([]DividendClaim, error)

	// Dead letters.
	InsertDeadLetter(ctx context.Context, d DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}
