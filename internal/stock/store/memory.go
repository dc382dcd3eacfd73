package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/medflow/pharmstock/internal/stock/domain"
)

// Memory is an in-process Store. Units of work stage their writes and apply
// them under the data mutex on commit, so readers never see partial state.
// Per-drug locks are channels so a waiting unit can give up on ctx.Done.
type Memory struct {
	mu        sync.RWMutex
	drugs     map[string]*domain.Drug
	lots      map[string]*domain.Lot
	movements []*domain.Movement
	sales     []*domain.Sale
	seq       int64

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		drugs: make(map[string]*domain.Drug),
		lots:  make(map[string]*domain.Lot),
		locks: make(map[string]chan struct{}),
	}
}

var _ Store = (*Memory)(nil)

// Atomic implements Store.
func (m *Memory) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}

	tx := &memTx{
		m:       m,
		held:    make(map[string]chan struct{}),
		drugs:   make(map[string]*domain.Drug),
		deleted: make(map[string]bool),
		lots:    make(map[string]*domain.Lot),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	// A unit cancelled before commit leaves no trace.
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}

	tx.commit()
	return nil
}

func (m *Memory) lockFor(id string) chan struct{} {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[id] = l
	}
	return l
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return err
}

// GetDrug implements Reader.
func (m *Memory) GetDrug(_ context.Context, id string) (*domain.Drug, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.drugs[id]
	if !ok {
		return nil, domain.ErrDrugNotFound
	}
	return d.Clone(), nil
}

// ListDrugs implements Reader.
func (m *Memory) ListDrugs(_ context.Context, f DrugFilter) ([]*domain.Drug, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	search := strings.ToLower(f.Search)
	out := make([]*domain.Drug, 0, len(m.drugs))
	for _, d := range m.drugs {
		if search != "" &&
			!containsFold(d.Name, search) &&
			!containsFold(d.Manufacturer, search) &&
			!containsFold(d.BatchNumber, search) {
			continue
		}
		if f.Manufacturer != "" && !containsFold(d.Manufacturer, strings.ToLower(f.Manufacturer)) {
			continue
		}
		if f.BatchNumber != "" && !containsFold(d.BatchNumber, strings.ToLower(f.BatchNumber)) {
			continue
		}
		if f.LowStock && !d.IsLowStock() {
			continue
		}

		c := d.Clone()
		c.Lots = m.lotsOfLocked(d.ID)
		exp := c.NearestExpiry()
		if f.ExpiringBefore != nil && (exp == nil || !exp.Before(*f.ExpiringBefore)) {
			continue
		}
		if f.ExpiringAfter != nil && (exp == nil || exp.Before(*f.ExpiringAfter)) {
			continue
		}
		c.Lots = nil
		out = append(out, c)
	}

	sortDrugs(out, f.Sort, m)
	return out, nil
}

func sortDrugs(drugs []*domain.Drug, by DrugSort, m *Memory) {
	expiry := make(map[string]*time.Time, len(drugs))
	if by == SortExpiry {
		for _, d := range drugs {
			c := d.Clone()
			c.Lots = m.lotsOfLocked(d.ID)
			expiry[d.ID] = c.NearestExpiry()
		}
	}

	sort.SliceStable(drugs, func(i, j int) bool {
		a, b := drugs[i], drugs[j]
		switch by {
		case SortName:
			if a.Name != b.Name {
				return a.Name < b.Name
			}
		case SortQuantity:
			if a.Quantity != b.Quantity {
				return a.Quantity < b.Quantity
			}
		case SortExpiry:
			ea, eb := expiry[a.ID], expiry[b.ID]
			switch {
			case ea == nil && eb != nil:
				return false
			case ea != nil && eb == nil:
				return true
			case ea != nil && eb != nil && !ea.Equal(*eb):
				return ea.Before(*eb)
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		}
		return a.ID < b.ID
	})
}

func containsFold(s, lowered string) bool {
	return strings.Contains(strings.ToLower(s), lowered)
}

// ListLots implements Reader.
func (m *Memory) ListLots(_ context.Context, drugID string) ([]*domain.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.drugs[drugID]; !ok {
		return nil, domain.ErrDrugNotFound
	}
	return m.lotsOfLocked(drugID), nil
}

func (m *Memory) lotsOfLocked(drugID string) []*domain.Lot {
	var out []*domain.Lot
	for _, l := range m.lots {
		if l.DrugID == drugID {
			out = append(out, l.Clone())
		}
	}
	sortLots(out)
	return out
}

func sortLots(lots []*domain.Lot) {
	sort.Slice(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		if !a.ExpiryDate.Equal(b.ExpiryDate) {
			return a.ExpiryDate.Before(b.ExpiryDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// ListLotsExpiringBefore implements Reader.
func (m *Memory) ListLotsExpiringBefore(_ context.Context, t time.Time) ([]*domain.Lot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Lot
	for _, l := range m.lots {
		if l.Quantity > 0 && l.ExpiryDate.Before(t) {
			out = append(out, l.Clone())
		}
	}
	sortLots(out)
	return out, nil
}

// ListMovements implements Reader.
func (m *Memory) ListMovements(_ context.Context, f LedgerFilter) ([]*domain.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Movement
	for i := len(m.movements) - 1; i >= 0; i-- {
		mv := m.movements[i]
		if f.DrugID != "" && mv.DrugID != f.DrugID {
			continue
		}
		c := *mv
		out = append(out, &c)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// ListSales implements Reader.
func (m *Memory) ListSales(_ context.Context, f LedgerFilter) ([]*domain.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Sale
	for i := len(m.sales) - 1; i >= 0; i-- {
		s := m.sales[i]
		if f.DrugID != "" && s.DrugID != f.DrugID {
			continue
		}
		c := *s
		out = append(out, &c)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// QuantitySoldSince implements Reader.
func (m *Memory) QuantitySoldSince(_ context.Context, drugID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, s := range m.sales {
		if s.DrugID == drugID && !s.SoldAt.Before(since) {
			total += s.QuantitySold
		}
	}
	return total, nil
}

// memTx stages writes until commit.
type memTx struct {
	m    *Memory
	held map[string]chan struct{}

	drugs     map[string]*domain.Drug
	deleted   map[string]bool
	lots      map[string]*domain.Lot
	movements []*domain.Movement
	sales     []*domain.Sale
}

func (tx *memTx) acquire(ctx context.Context, id string) error {
	if _, ok := tx.held[id]; ok {
		return nil
	}
	l := tx.m.lockFor(id)
	select {
	case l <- struct{}{}:
		tx.held[id] = l
		return nil
	case <-ctx.Done():
		return contextError(ctx.Err())
	}
}

func (tx *memTx) release() {
	for id, l := range tx.held {
		<-l
		delete(tx.held, id)
	}
}

func (tx *memTx) drug(id string) (*domain.Drug, error) {
	if tx.deleted[id] {
		return nil, domain.ErrDrugNotFound
	}
	if d, ok := tx.drugs[id]; ok {
		return d, nil
	}

	tx.m.mu.RLock()
	d, ok := tx.m.drugs[id]
	tx.m.mu.RUnlock()
	if !ok {
		return nil, domain.ErrDrugNotFound
	}

	staged := d.Clone()
	tx.drugs[id] = staged
	return staged, nil
}

func (tx *memTx) lot(id string) (*domain.Lot, error) {
	if l, ok := tx.lots[id]; ok {
		return l, nil
	}

	tx.m.mu.RLock()
	l, ok := tx.m.lots[id]
	tx.m.mu.RUnlock()
	if !ok || tx.deleted[l.DrugID] {
		return nil, domain.ErrLotNotFound
	}

	staged := l.Clone()
	tx.lots[id] = staged
	return staged, nil
}

func (tx *memTx) LockDrug(ctx context.Context, id string) (*domain.Drug, error) {
	if err := tx.acquire(ctx, id); err != nil {
		return nil, err
	}
	d, err := tx.drug(id)
	if err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

func (tx *memTx) ListLots(_ context.Context, drugID string) ([]*domain.Lot, error) {
	if tx.deleted[drugID] {
		return nil, domain.ErrDrugNotFound
	}
	if _, staged := tx.drugs[drugID]; !staged {
		tx.m.mu.RLock()
		_, ok := tx.m.drugs[drugID]
		tx.m.mu.RUnlock()
		if !ok {
			return nil, domain.ErrDrugNotFound
		}
	}

	seen := make(map[string]bool)
	var out []*domain.Lot
	for id, l := range tx.lots {
		if l.DrugID == drugID {
			out = append(out, l.Clone())
			seen[id] = true
		}
	}

	tx.m.mu.RLock()
	for id, l := range tx.m.lots {
		if l.DrugID == drugID && !seen[id] {
			out = append(out, l.Clone())
		}
	}
	tx.m.mu.RUnlock()

	sortLots(out)
	return out, nil
}

func (tx *memTx) InsertDrug(ctx context.Context, drug *domain.Drug) error {
	if err := tx.acquire(ctx, drug.ID); err != nil {
		return err
	}
	tx.m.mu.RLock()
	_, exists := tx.m.drugs[drug.ID]
	tx.m.mu.RUnlock()
	if _, staged := tx.drugs[drug.ID]; exists || staged {
		return fmt.Errorf("drug %s already exists", drug.ID)
	}

	c := drug.Clone()
	c.Lots = nil
	tx.drugs[drug.ID] = c
	delete(tx.deleted, drug.ID)
	return nil
}

func (tx *memTx) UpdateDrug(_ context.Context, drug *domain.Drug) error {
	staged, err := tx.drug(drug.ID)
	if err != nil {
		return err
	}
	qty := staged.Quantity
	created := staged.CreatedAt

	c := drug.Clone()
	c.Lots = nil
	c.Quantity = qty
	c.CreatedAt = created
	tx.drugs[drug.ID] = c
	return nil
}

func (tx *memTx) DeleteDrug(_ context.Context, id string) error {
	if _, err := tx.drug(id); err != nil {
		return err
	}
	delete(tx.drugs, id)
	for lotID, l := range tx.lots {
		if l.DrugID == id {
			delete(tx.lots, lotID)
		}
	}
	tx.deleted[id] = true
	return nil
}

func (tx *memTx) SetDrugQuantity(_ context.Context, drugID string, quantity int) error {
	d, err := tx.drug(drugID)
	if err != nil {
		return err
	}
	if quantity < 0 {
		return &domain.InsufficientStockError{DrugID: drugID, Requested: d.Quantity - quantity, Available: d.Quantity}
	}
	d.Quantity = quantity
	return nil
}

func (tx *memTx) InsertLot(_ context.Context, lot *domain.Lot) error {
	if _, err := tx.drug(lot.DrugID); err != nil {
		return err
	}
	if lot.Quantity < 0 {
		return &domain.InvalidQuantityError{Field: "lot quantity", Value: lot.Quantity}
	}
	tx.lots[lot.ID] = lot.Clone()
	return nil
}

func (tx *memTx) SetLotQuantity(_ context.Context, lotID string, quantity int) error {
	l, err := tx.lot(lotID)
	if err != nil {
		return err
	}
	if quantity < 0 {
		return &domain.InsufficientStockError{DrugID: l.DrugID, LotID: lotID, Requested: l.Quantity - quantity, Available: l.Quantity}
	}
	l.Quantity = quantity
	return nil
}

func (tx *memTx) AppendMovement(_ context.Context, mv *domain.Movement) error {
	c := *mv
	tx.movements = append(tx.movements, &c)
	return nil
}

func (tx *memTx) InsertSale(_ context.Context, s *domain.Sale) error {
	c := *s
	tx.sales = append(tx.sales, &c)
	return nil
}

func (tx *memTx) commit() {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range tx.deleted {
		delete(m.drugs, id)
		for lotID, l := range m.lots {
			if l.DrugID == id {
				delete(m.lots, lotID)
			}
		}
	}
	for id, d := range tx.drugs {
		m.drugs[id] = d
	}
	for id, l := range tx.lots {
		m.lots[id] = l
	}
	for _, mv := range tx.movements {
		m.seq++
		mv.Seq = m.seq
		m.movements = append(m.movements, mv)
	}
	m.sales = append(m.sales, tx.sales...)
}
