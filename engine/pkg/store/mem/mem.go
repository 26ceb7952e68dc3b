// Package mem is an in-memory implementation of the engine store.
// A single mutex serializes all access, so InTx gives the same all-or-nothing
// and single-writer guarantees as the Postgres implementation; a failed
// transaction restores the pre-transaction state.
package mem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fanbase-labs/divvy/engine/pkg/store"
)

// Store is the in-memory store.
type Store struct {
	mu sync.Mutex
	d  *data
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Store = (*txView)(nil)
)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{d: newData()}
}

type data struct {
	creators    map[string]*store.Creator
	tradeIDs    map[string]store.ShareTrade   // trade by id, for dedup reads
	trades      map[string][]store.ShareTrade // creator -> trades, insertion order
	balances    map[string]map[string]int64   // creator -> holder -> shares
	fees        map[string]store.FeeSnapshot
	platform    map[string]int64
	epochs      map[string]*store.Epoch
	openEpochs  map[string]string   // creator -> open epoch id
	epochOrder  map[string][]string // creator -> epoch ids, oldest first
	claimables  map[string]map[string]*store.ClaimableDividend // epoch -> holder
	claims      []store.DividendClaim
	deadLetters []store.DeadLetter
}

func newData() *data {
	return &data{
		creators:   make(map[string]*store.Creator),
		tradeIDs:   make(map[string]store.ShareTrade),
		trades:     make(map[string][]store.ShareTrade),
		balances:   make(map[string]map[string]int64),
		fees:       make(map[string]store.FeeSnapshot),
		platform:   make(map[string]int64),
		epochs:     make(map[string]*store.Epoch),
		openEpochs: make(map[string]string),
		epochOrder: make(map[string][]string),
		claimables: make(map[string]map[string]*store.ClaimableDividend),
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.creators {
		cp := *v
		c.creators[k] = &cp
	}
	for k, v := range d.tradeIDs {
		c.tradeIDs[k] = v
	}
	for k, v := range d.trades {
		c.trades[k] = append([]store.ShareTrade(nil), v...)
	}
	for k, v := range d.balances {
		m := make(map[string]int64, len(v))
		for h, b := range v {
			m[h] = b
		}
		c.balances[k] = m
	}
	for k, v := range d.fees {
		c.fees[k] = v
	}
	for k, v := range d.platform {
		c.platform[k] = v
	}
	for k, v := range d.epochs {
		cp := *v
		c.epochs[k] = &cp
	}
	for k, v := range d.openEpochs {
		c.openEpochs[k] = v
	}
	for k, v := range d.epochOrder {
		c.epochOrder[k] = append([]string(nil), v...)
	}
	for e, m := range d.claimables {
		cm := make(map[string]*store.ClaimableDividend, len(m))
		for h, cd := range m {
			cp := *cd
			cm[h] = &cp
		}
		c.claimables[e] = cm
	}
	c.claims = append([]store.DividendClaim(nil), d.claims...)
	c.deadLetters = append([]store.DeadLetter(nil), d.deadLetters...)
	return c
}

// InTx runs fn under the store lock; on error all writes made by fn are
// rolled back.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backup := s.d.clone()
	if err := fn(&txView{d: s.d}); err != nil {
		s.d = backup
		return err
	}
	return nil
}

// txView exposes the data of an in-flight transaction. The outer lock is
// already held, so methods operate without locking; nested InTx joins the
// enclosing transaction.
type txView struct {
	d *data
}

func (t *txView) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

// The locked wrappers delegate to the data operations below.

func (s *Store) CreateCreator(ctx context.Context, c store.Creator) (store.Creator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.createCreator(c)
}

func (t *txView) CreateCreator(ctx context.Context, c store.Creator) (store.Creator, error) {
	return t.d.createCreator(c)
}

func (s *Store) GetCreator(ctx context.Context, id string) (store.Creator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getCreator(id)
}

func (t *txView) GetCreator(ctx context.Context, id string) (store.Creator, error) {
	return t.d.getCreator(id)
}

// GetCreatorForUpdate is GetCreator here; the store lock already serializes
// every transaction.
func (s *Store) GetCreatorForUpdate(ctx context.Context, id string) (store.Creator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getCreator(id)
}

func (t *txView) GetCreatorForUpdate(ctx context.Context, id string) (store.Creator, error) {
	return t.d.getCreator(id)
}

func (s *Store) ListCreatorIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.listCreatorIDs()
}

func (t *txView) ListCreatorIDs(ctx context.Context) ([]string, error) {
	return t.d.listCreatorIDs()
}

func (s *Store) AdjustSupply(ctx context.Context, creatorID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.adjustSupply(creatorID, delta)
}

func (t *txView) AdjustSupply(ctx context.Context, creatorID string, delta int64) (int64, error) {
	return t.d.adjustSupply(creatorID, delta)
}

func (s *Store) AddVolume(ctx context.Context, creatorID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.addVolume(creatorID, delta)
}

func (t *txView) AddVolume(ctx context.Context, creatorID string, delta int64) (int64, error) {
	return t.d.addVolume(creatorID, delta)
}

func (s *Store) LatchSharesUnlocked(ctx context.Context, creatorID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.latchSharesUnlocked(creatorID, at)
}

func (t *txView) LatchSharesUnlocked(ctx context.Context, creatorID string, at time.Time) (bool, error) {
	return t.d.latchSharesUnlocked(creatorID, at)
}

func (s *Store) InsertTrade(ctx context.Context, tr store.ShareTrade) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.insertTrade(tr)
}

func (t *txView) InsertTrade(ctx context.Context, tr store.ShareTrade) (bool, error) {
	return t.d.insertTrade(tr)
}

func (s *Store) GetTrade(ctx context.Context, id string) (store.ShareTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getTrade(id)
}

func (t *txView) GetTrade(ctx context.Context, id string) (store.ShareTrade, error) {
	return t.d.getTrade(id)
}

func (s *Store) ListTradesUntil(ctx context.Context, creatorID string, until time.Time) ([]store.ShareTrade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.listTradesUntil(creatorID, until)
}

func (t *txView) ListTradesUntil(ctx context.Context, creatorID string, until time.Time) ([]store.ShareTrade, error) {
	return t.d.listTradesUntil(creatorID, until)
}

func (s *Store) HolderBalance(ctx context.Context, creatorID, holder string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.holderBalance(creatorID, holder), nil
}

func (t *txView) HolderBalance(ctx context.Context, creatorID, holder string) (int64, error) {
	return t.d.holderBalance(creatorID, holder), nil
}

func (s *Store) AccrueFees(ctx context.Context, creatorID string, shareFees, marketFees int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.accrueFees(creatorID, shareFees, marketFees)
}

func (t *txView) AccrueFees(ctx context.Context, creatorID string, shareFees, marketFees int64) error {
	return t.d.accrueFees(creatorID, shareFees, marketFees)
}

func (s *Store) FeeAccruals(ctx context.Context, creatorID string) (store.FeeSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.fees[creatorID], nil
}

func (t *txView) FeeAccruals(ctx context.Context, creatorID string) (store.FeeSnapshot, error) {
	return t.d.fees[creatorID], nil
}

func (s *Store) ResetFees(ctx context.Context, creatorID string) (store.FeeSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.resetFees(creatorID), nil
}

func (t *txView) ResetFees(ctx context.Context, creatorID string) (store.FeeSnapshot, error) {
	return t.d.resetFees(creatorID), nil
}

func (s *Store) AddPlatformFees(ctx context.Context, creatorID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.platform[creatorID] += amount
	return nil
}

func (t *txView) AddPlatformFees(ctx context.Context, creatorID string, amount int64) error {
	t.d.platform[creatorID] += amount
	return nil
}

func (s *Store) PlatformFees(ctx context.Context, creatorID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.platform[creatorID], nil
}

func (t *txView) PlatformFees(ctx context.Context, creatorID string) (int64, error) {
	return t.d.platform[creatorID], nil
}

func (s *Store) CreateEpoch(ctx context.Context, e store.Epoch) (store.Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.createEpoch(e)
}

func (t *txView) CreateEpoch(ctx context.Context, e store.Epoch) (store.Epoch, error) {
	return t.d.createEpoch(e)
}

func (s *Store) OpenEpoch(ctx context.Context, creatorID string) (store.Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.openEpoch(creatorID)
}

func (t *txView) OpenEpoch(ctx context.Context, creatorID string) (store.Epoch, error) {
	return t.d.openEpoch(creatorID)
}

func (s *Store) OpenEpochForUpdate(ctx context.Context, creatorID string) (store.Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.openEpoch(creatorID)
}

func (t *txView) OpenEpochForUpdate(ctx context.Context, creatorID string) (store.Epoch, error) {
	return t.d.openEpoch(creatorID)
}

func (s *Store) GetEpoch(ctx context.Context, id string) (store.Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.getEpoch(id)
}

func (t *txView) GetEpoch(ctx context.Context, id string) (store.Epoch, error) {
	return t.d.getEpoch(id)
}

func (s *Store) ListEpochs(ctx context.Context, creatorID string, limit int) ([]store.Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.listEpochs(creatorID, limit)
}

func (t *txView) ListEpochs(ctx context.Context, creatorID string, limit int) ([]store.Epoch, error) {
	return t.d.listEpochs(creatorID, limit)
}

func (s *Store) MarkEpochFinalized(ctx context.Context, id string, fees store.FeeSnapshot, totalShares int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.markEpochFinalized(id, fees, totalShares, at)
}

func (t *txView) MarkEpochFinalized(ctx context.Context, id string, fees store.FeeSnapshot, totalShares int64, at time.Time) error {
	return t.d.markEpochFinalized(id, fees, totalShares, at)
}

func (s *Store) InsertClaimables(ctx context.Context, rows []store.ClaimableDividend) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.insertClaimables(rows), nil
}

func (t *txView) InsertClaimables(ctx context.Context, rows []store.ClaimableDividend) (int, error) {
	return t.d.insertClaimables(rows), nil
}

func (s *Store) CountClaimables(ctx context.Context, epochID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.d.claimables[epochID]), nil
}

func (t *txView) CountClaimables(ctx context.Context, epochID string) (int, error) {
	return len(t.d.claimables[epochID]), nil
}

func (s *Store) ListClaimablesByEpoch(ctx context.Context, epochID string) ([]store.ClaimableDividend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.listClaimablesByEpoch(epochID), nil
}

func (t *txView) ListClaimablesByEpoch(ctx context.Context, epochID string) ([]store.ClaimableDividend, error) {
	return t.d.listClaimablesByEpoch(epochID), nil
}

func (s *Store) ListClaimablesByHolder(ctx context.Context, holder string) ([]store.ClaimableDividend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.listClaimablesByHolder(holder), nil
}

func (t *txView) ListClaimablesByHolder(ctx context.Context, holder string) ([]store.ClaimableDividend, error) {
	return t.d.listClaimablesByHolder(holder), nil
}

func (s *Store) ClaimableForUpdate(ctx context.Context, epochID, holder string) (store.ClaimableDividend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.claimable(epochID, holder)
}

func (t *txView) ClaimableForUpdate(ctx context.Context, epochID, holder string) (store.ClaimableDividend, error) {
	return t.d.claimable(epochID, holder)
}

func (s *Store) MarkClaimed(ctx context.Context, epochID, holder, txRef string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.markClaimed(epochID, holder, txRef, at)
}

func (t *txView) MarkClaimed(ctx context.Context, epochID, holder, txRef string, at time.Time) error {
	return t.d.markClaimed(epochID, holder, txRef, at)
}

func (s *Store) InsertClaim(ctx context.Context, c store.DividendClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.claims = append(s.d.claims, c)
	return nil
}

func (t *txView) InsertClaim(ctx context.Context, c store.DividendClaim) error {
	t.d.claims = append(t.d.claims, c)
	return nil
}

func (s *Store) ListClaims(ctx context.Context, holder string) ([]store.DividendClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.listClaims(holder), nil
}

func (t *txView) ListClaims(ctx context.Context, holder string) ([]store.DividendClaim, error) {
	return t.d.listClaims(holder), nil
}

func (s *Store) InsertDeadLetter(ctx context.Context, d store.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.deadLetters = append(s.d.deadLetters, d)
	return nil
}

func (t *txView) InsertDeadLetter(ctx context.Context, d store.DeadLetter) error {
	t.d.deadLetters = append(t.d.deadLetters, d)
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.listDeadLetters(limit), nil
}

func (t *txView) ListDeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	return t.d.listDeadLetters(limit), nil
}

// Data operations.

func (d *data) createCreator(c store.Creator) (store.Creator, error) {
	if _, ok := d.creators[c.ID]; ok {
		return store.Creator{}, store.ErrAlreadyExists
	}
	cp := c
	d.creators[c.ID] = &cp
	return cp, nil
}

func (d *data) getCreator(id string) (store.Creator, error) {
	c, ok := d.creators[id]
	if !ok {
		return store.Creator{}, store.ErrNotFound
	}
	return *c, nil
}

func (d *data) listCreatorIDs() ([]string, error) {
	ids := make([]string, 0, len(d.creators))
	for id := range d.creators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *data) adjustSupply(creatorID string, delta int64) (int64, error) {
	c, ok := d.creators[creatorID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if c.Supply+delta < 0 {
		return 0, store.ErrInsufficientSupply
	}
	c.Supply += delta
	return c.Supply, nil
}

func (d *data) addVolume(creatorID string, delta int64) (int64, error) {
	c, ok := d.creators[creatorID]
	if !ok {
		return 0, store.ErrNotFound
	}
	c.TotalVolume += delta
	return c.TotalVolume, nil
}

func (d *data) latchSharesUnlocked(creatorID string, at time.Time) (bool, error) {
	c, ok := d.creators[creatorID]
	if !ok {
		return false, store.ErrNotFound
	}
	if c.SharesUnlocked {
		return false, nil
	}
	c.SharesUnlocked = true
	c.SharesUnlockedAt = at
	return true, nil
}

func (d *data) insertTrade(tr store.ShareTrade) (bool, error) {
	if _, ok := d.tradeIDs[tr.ID]; ok {
		return false, nil
	}
	d.tradeIDs[tr.ID] = tr
	d.trades[tr.CreatorID] = append(d.trades[tr.CreatorID], tr)
	m, ok := d.balances[tr.CreatorID]
	if !ok {
		m = make(map[string]int64)
		d.balances[tr.CreatorID] = m
	}
	m[tr.Trader] += tr.ShareDelta
	return true, nil
}

func (d *data) getTrade(id string) (store.ShareTrade, error) {
	tr, ok := d.tradeIDs[id]
	if !ok {
		return store.ShareTrade{}, store.ErrNotFound
	}
	return tr, nil
}

func (d *data) listTradesUntil(creatorID string, until time.Time) ([]store.ShareTrade, error) {
	var out []store.ShareTrade
	for _, tr := range d.trades[creatorID] {
		if tr.ExecutedAt.Before(until) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (d *data) holderBalance(creatorID, holder string) int64 {
	return d.balances[creatorID][holder]
}

func (d *data) accrueFees(creatorID string, shareFees, marketFees int64) error {
	f := d.fees[creatorID]
	f.ShareFees += shareFees
	f.MarketFees += marketFees
	d.fees[creatorID] = f
	return nil
}

func (d *data) resetFees(creatorID string) store.FeeSnapshot {
	f := d.fees[creatorID]
	d.fees[creatorID] = store.FeeSnapshot{}
	return f
}

func (d *data) createEpoch(e store.Epoch) (store.Epoch, error) {
	if _, ok := d.openEpochs[e.CreatorID]; ok {
		return store.Epoch{}, store.ErrOpenEpochExists
	}
	cp := e
	d.epochs[e.ID] = &cp
	d.openEpochs[e.CreatorID] = e.ID
	d.epochOrder[e.CreatorID] = append(d.epochOrder[e.CreatorID], e.ID)
	return cp, nil
}

func (d *data) openEpoch(creatorID string) (store.Epoch, error) {
	id, ok := d.openEpochs[creatorID]
	if !ok {
		return store.Epoch{}, store.ErrNotFound
	}
	return *d.epochs[id], nil
}

func (d *data) getEpoch(id string) (store.Epoch, error) {
	e, ok := d.epochs[id]
	if !ok {
		return store.Epoch{}, store.ErrNotFound
	}
	return *e, nil
}

func (d *data) listEpochs(creatorID string, limit int) ([]store.Epoch, error) {
	ids := d.epochOrder[creatorID]
	var out []store.Epoch
	// Newest first.
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, *d.epochs[ids[i]])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (d *data) markEpochFinalized(id string, fees store.FeeSnapshot, totalShares int64, at time.Time) error {
	e, ok := d.epochs[id]
	if !ok {
		return store.ErrNotFound
	}
	if e.Distributed {
		return store.ErrAlreadyFinalized
	}
	e.ShareFees = fees.ShareFees
	e.MarketFees = fees.MarketFees
	e.TotalFees = fees.Total()
	e.TotalSharesAtSnapshot = totalShares
	e.Distributed = true
	e.DistributedAt = at
	delete(d.openEpochs, e.CreatorID)
	return nil
}

func (d *data) insertClaimables(rows []store.ClaimableDividend) int {
	inserted := 0
	for _, r := range rows {
		m, ok := d.claimables[r.EpochID]
		if !ok {
			m = make(map[string]*store.ClaimableDividend)
			d.claimables[r.EpochID] = m
		}
		if _, ok := m[r.Holder]; ok {
			continue
		}
		cp := r
		m[r.Holder] = &cp
		inserted++
	}
	return inserted
}

func (d *data) listClaimablesByEpoch(epochID string) []store.ClaimableDividend {
	m := d.claimables[epochID]
	holders := make([]string, 0, len(m))
	for h := range m {
		holders = append(holders, h)
	}
	sort.Strings(holders)
	out := make([]store.ClaimableDividend, 0, len(m))
	for _, h := range holders {
		out = append(out, *m[h])
	}
	return out
}

func (d *data) listClaimablesByHolder(holder string) []store.ClaimableDividend {
	var out []store.ClaimableDividend
	epochs := make([]string, 0, len(d.claimables))
	for e := range d.claimables {
		epochs = append(epochs, e)
	}
	sort.Strings(epochs)
	for _, e := range epochs {
		if cd, ok := d.claimables[e][holder]; ok {
			out = append(out, *cd)
		}
	}
	return out
}

func (d *data) claimable(epochID, holder string) (store.ClaimableDividend, error) {
	cd, ok := d.claimables[epochID][holder]
	if !ok {
		return store.ClaimableDividend{}, store.ErrNotFound
	}
	return *cd, nil
}

func (d *data) markClaimed(epochID, holder, txRef string, at time.Time) error {
	cd, ok := d.claimables[epochID][holder]
	if !ok {
		return store.ErrNotFound
	}
	if cd.Claimed {
		return store.ErrAlreadyClaimed
	}
	cd.Claimed = true
	cd.TxRef = txRef
	cd.ClaimedAt = at
	return nil
}

func (d *data) listClaims(holder string) []store.DividendClaim {
	var out []store.DividendClaim
	for _, c := range d.claims {
		if holder == "" || c.Holder == holder {
			out = append(out, c)
		}
	}
	return out
}

func (d *data) listDeadLetters(limit int) []store.DeadLetter {
	out := append([]store.DeadLetter(nil), d.deadLetters...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
