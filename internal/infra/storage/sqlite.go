// Package storage persists the monitored record kinds behind GORM/SQLite
// and notifies registered observers after every successful write. The
// notification path is fail-open: an observer can never abort or roll
// back the write it is observing.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"trade_go/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record kinds passed to observers
const (
	KindAccount       = "account"
	KindOrder         = "order"
	KindPosition      = "position"
	KindWatchlist     = "watchlist"
	KindWatchlistItem = "watchlist_item"
)

// Observer receives committed record changes. Update callbacks carry
// before and after images so observers can detect state transitions.
type Observer interface {
	RecordCreated(kind string, record any)
	RecordUpdated(kind string, before, after any)
	RecordDeleted(kind string, record any)
}

// Storage is the SQLite-backed persistence store
type Storage struct {
	db *gorm.DB

	mu        sync.RWMutex
	observers []Observer
}

// NewStorage creates a new SQLite storage instance. An empty path picks
// the OS config directory default.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		var err error
		path, err = defaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(
		&domain.Account{},
		&domain.Order{},
		&domain.Position{},
		&domain.Watchlist{},
		&domain.WatchlistItem{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// defaultDBPath resolves the database file path based on OS
func defaultDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "TradeGo", "data", "tradego.db"), nil
}

// AddObserver registers an observer for subsequent writes
func (s *Storage) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Storage) notifyCreated(kind string, record any) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, o := range observers {
		safeNotify(kind, func() { o.RecordCreated(kind, record) })
	}
}

func (s *Storage) notifyUpdated(kind string, before, after any) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, o := range observers {
		safeNotify(kind, func() { o.RecordUpdated(kind, before, after) })
	}
}

func (s *Storage) notifyDeleted(kind string, record any) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, o := range observers {
		safeNotify(kind, func() { o.RecordDeleted(kind, record) })
	}
}

// safeNotify isolates observer panics from the write path
func safeNotify(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("observer panicked", slog.String("kind", kind), slog.Any("panic", r))
		}
	}()
	fn()
}

// ======================================================================================
// Account Operations
// ======================================================================================

// CreateAccount persists a new account
func (s *Storage) CreateAccount(a *domain.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := s.db.Create(a).Error; err != nil {
		return err
	}
	s.notifyCreated(KindAccount, a)
	return nil
}

// GetAccount retrieves an account by id
func (s *Storage) GetAccount(id string) (*domain.Account, error) {
	var a domain.Account
	err := s.db.First(&a, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRecordNotFound
	}
	return &a, err
}

// AccountOwner resolves the user owning an account
func (s *Storage) AccountOwner(accountID string) (string, error) {
	var a domain.Account
	err := s.db.Select("user_id").First(&a, "id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrOwnerNotFound
	}
	if err != nil {
		return "", err
	}
	return a.UserID, nil
}

// UpdateBalance applies a new balance and margin to an account
func (s *Storage) UpdateBalance(accountID string, balance, margin decimal.Decimal) error {
	before, err := s.GetAccount(accountID)
	if err != nil {
		return err
	}

	after := *before
	after.Balance = balance
	after.Margin = margin
	after.UpdatedAt = time.Now()
	if err := s.db.Save(&after).Error; err != nil {
		return err
	}

	s.notifyUpdated(KindAccount, before, &after)
	return nil
}

// ======================================================================================
// Order Operations
// ======================================================================================

// CreateOrder persists a new pending order
func (s *Storage) CreateOrder(o *domain.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = domain.OrderStatusPending
	}
	if err := s.db.Create(o).Error; err != nil {
		return err
	}
	s.notifyCreated(KindOrder, o)
	return nil
}

// GetOrder retrieves an order by id
func (s *Storage) GetOrder(id string) (*domain.Order, error) {
	var o domain.Order
	err := s.db.First(&o, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRecordNotFound
	}
	return &o, err
}

// ListOpenOrders returns the pending orders of an account
func (s *Storage) ListOpenOrders(accountID string) ([]domain.Order, error) {
	var orders []domain.Order
	err := s.db.Where("account_id = ? AND status = ?", accountID, domain.OrderStatusPending).Find(&orders).Error
	return orders, err
}

// ExecuteOrder transitions a pending order to executed with its fill price
func (s *Storage) ExecuteOrder(orderID string, fillPrice decimal.Decimal) error {
	before, err := s.GetOrder(orderID)
	if err != nil {
		return err
	}
	if !before.IsOpen() {
		return domain.ErrOrderNotOpen
	}

	after := *before
	after.Status = domain.OrderStatusExecuted
	after.FillPrice = fillPrice
	after.UpdatedAt = time.Now()
	if err := s.db.Save(&after).Error; err != nil {
		return err
	}

	s.notifyUpdated(KindOrder, before, &after)
	return nil
}

// CancelOrder transitions a pending order to cancelled
func (s *Storage) CancelOrder(orderID string) error {
	before, err := s.GetOrder(orderID)
	if err != nil {
		return err
	}
	if !before.IsOpen() {
		return domain.ErrOrderNotOpen
	}

	after := *before
	after.Status = domain.OrderStatusCancelled
	after.UpdatedAt = time.Now()
	if err := s.db.Save(&after).Error; err != nil {
		return err
	}

	s.notifyUpdated(KindOrder, before, &after)
	return nil
}

// ======================================================================================
// Position Operations
// ======================================================================================

// CreatePosition persists a newly opened position
func (s *Storage) CreatePosition(p *domain.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.db.Create(p).Error; err != nil {
		return err
	}
	s.notifyCreated(KindPosition, p)
	return nil
}

// GetPosition retrieves a position by id
func (s *Storage) GetPosition(id string) (*domain.Position, error) {
	var p domain.Position
	err := s.db.First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRecordNotFound
	}
	return &p, err
}

// UpdatePosition applies new quantity/average price; a zero quantity
// closes the position and records the realized P&L.
func (s *Storage) UpdatePosition(positionID string, qty, avgPrice, realizedPnL decimal.Decimal) error {
	before, err := s.GetPosition(positionID)
	if err != nil {
		return err
	}

	after := *before
	after.Qty = qty
	after.AvgPrice = avgPrice
	after.RealizedPnL = realizedPnL
	after.UpdatedAt = time.Now()
	if err := s.db.Save(&after).Error; err != nil {
		return err
	}

	s.notifyUpdated(KindPosition, before, &after)
	return nil
}

// ClosePosition fully exits a position, recording the realized P&L
func (s *Storage) ClosePosition(positionID string, realizedPnL decimal.Decimal) error {
	before, err := s.GetPosition(positionID)
	if err != nil {
		return err
	}

	after := *before
	after.Qty = decimal.Zero
	after.RealizedPnL = realizedPnL
	after.UpdatedAt = time.Now()
	if err := s.db.Save(&after).Error; err != nil {
		return err
	}

	s.notifyUpdated(KindPosition, before, &after)
	return nil
}

// ======================================================================================
// Watchlist Operations
// ======================================================================================

// CreateWatchlist persists a new watchlist
func (s *Storage) CreateWatchlist(w *domain.Watchlist) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if err := s.db.Create(w).Error; err != nil {
		return err
	}
	s.notifyCreated(KindWatchlist, w)
	return nil
}

// WatchlistOwner resolves the user owning a watchlist
func (s *Storage) WatchlistOwner(watchlistID string) (string, error) {
	var w domain.Watchlist
	err := s.db.Select("user_id").First(&w, "id = ?", watchlistID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrOwnerNotFound
	}
	if err != nil {
		return "", err
	}
	return w.UserID, nil
}

// AddWatchlistItem adds an instrument to a watchlist
func (s *Storage) AddWatchlistItem(item *domain.WatchlistItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if err := s.db.Create(item).Error; err != nil {
		return err
	}
	s.notifyCreated(KindWatchlistItem, item)
	return nil
}

// RemoveWatchlistItem deletes a watchlist entry
func (s *Storage) RemoveWatchlistItem(itemID string) error {
	var item domain.WatchlistItem
	err := s.db.First(&item, "id = ?", itemID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrRecordNotFound
	}
	if err != nil {
		return err
	}

	if err := s.db.Delete(&domain.WatchlistItem{}, "id = ?", itemID).Error; err != nil {
		return err
	}
	s.notifyDeleted(KindWatchlistItem, &item)
	return nil
}

// ListWatchlistItems returns the items of a watchlist
func (s *Storage) ListWatchlistItems(watchlistID string) ([]domain.WatchlistItem, error) {
	var items []domain.WatchlistItem
	err := s.db.Where("watchlist_id = ?", watchlistID).Find(&items).Error
	return items, err
}
