package service

import (
	"context"
	"fmt"
	"time"

	"github.com/medflow/pharmstock/internal/stock/domain"
	"github.com/medflow/pharmstock/internal/stock/events"
	"github.com/medflow/pharmstock/internal/stock/store"
	"github.com/medflow/pharmstock/pkg/logger"
)

// ScanResult counts what one scan found.
type ScanResult struct {
	ExpiringLots int
	LowStock     int
}

// ExpiryScanner looks for lots nearing expiry and drugs below their reorder
// level, and publishes an event for each. It never changes stock.
type ExpiryScanner struct {
	store       store.Reader
	publisher   *events.StockEventPublisher
	warningDays int
	now         func() time.Time
	logger      *logger.Logger
}

// NewExpiryScanner creates a new expiry scanner
func NewExpiryScanner(st store.Reader, publisher *events.StockEventPublisher, opts Options, log *logger.Logger) *ExpiryScanner {
	opts = opts.withDefaults()
	return &ExpiryScanner{
		store:       st,
		publisher:   publisher,
		warningDays: opts.ExpiryWarningDays,
		now:         opts.Now,
		logger:      log,
	}
}

// ScanAll runs every scan. Logs errors but continues scanning.
func (s *ExpiryScanner) ScanAll(ctx context.Context) (ScanResult, error) {
	var (
		result  ScanResult
		lastErr error
	)

	n, err := s.scanExpiringLots(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("scanner", "expiry").Msg("stock scan failed")
		lastErr = err
	}
	result.ExpiringLots = n

	n, err = s.scanLowStock(ctx)
	if err != nil {
		s.logger.Error().Err(err).Str("scanner", "low_stock").Msg("stock scan failed")
		lastErr = err
	}
	result.LowStock = n

	return result, lastErr
}

func (s *ExpiryScanner) scanExpiringLots(ctx context.Context) (int, error) {
	now := s.now()
	lots, err := s.store.ListLotsExpiringBefore(ctx, now.AddDate(0, 0, s.warningDays))
	if err != nil {
		return 0, fmt.Errorf("scanExpiringLots: list lots: %w", err)
	}

	drugs := make(map[string]*domain.Drug)
	found := 0
	for _, lot := range lots {
		drug, ok := drugs[lot.DrugID]
		if !ok {
			drug, err = s.store.GetDrug(ctx, lot.DrugID)
			if err != nil {
				s.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("scanExpiringLots: failed to get drug")
				continue
			}
			drugs[lot.DrugID] = drug
		}

		found++
		s.publisher.PublishLotExpiring(ctx, drug, lot, now)
	}
	return found, nil
}

func (s *ExpiryScanner) scanLowStock(ctx context.Context) (int, error) {
	drugs, err := s.store.ListDrugs(ctx, store.DrugFilter{LowStock: true, Sort: store.SortQuantity})
	if err != nil {
		return 0, fmt.Errorf("scanLowStock: list drugs: %w", err)
	}
	for _, drug := range drugs {
		s.publisher.PublishStockLow(ctx, drug)
	}
	return len(drugs), nil
}

const defaultScanInterval = 6 * time.Hour

// Scheduler runs the expiry scanner periodically.
type Scheduler struct {
	scanner  *ExpiryScanner
	interval time.Duration
	logger   *logger.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScheduler creates a new scheduler
func NewScheduler(scanner *ExpiryScanner, interval time.Duration, log *logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultScanInterval
	}
	return &Scheduler{
		scanner:  scanner,
		interval: interval,
		logger:   log,
	}
}

// Start starts the scheduler in a background goroutine and runs a first
// scan immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.logger.Info().Dur("interval", s.interval).Msg("stock scheduler started")

		s.runScanCycle(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("stock scheduler stopped")
				return
			case <-ticker.C:
				s.runScanCycle(ctx)
			}
		}
	}()
}

// Stop stops the scheduler goroutine and waits for it to exit
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) runScanCycle(ctx context.Context) {
	start := time.Now()

	result, err := s.scanner.ScanAll(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}

	s.logger.Info().
		Dur("duration", time.Since(start)).
		Int("expiring_lots", result.ExpiringLots).
		Int("low_stock", result.LowStock).
		Msg("stock scan cycle completed")
}
