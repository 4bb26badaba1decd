// Package memory provides an in-memory model.Store (for testing/dev).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/booking-engine/model"
	"github.com/warp/booking-engine/stock"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store keeps every record in maps guarded by a single mutex. A transaction
// holds the mutex for its whole duration, so transactions are serialized and
// GetStockForUpdate needs no extra locking.
type Store struct {
	mu       sync.Mutex
	offers   map[model.OfferID]model.Offer
	stocks   map[model.StockID]model.Stock
	users    map[model.UserID]model.User
	deposits map[model.UserID][]model.Deposit
	bookings map[model.BookingID]model.Booking
	tokens   map[string]model.BookingID
	payments map[model.BookingID]model.Payment
}

var (
	_ model.Store     = (*Store)(nil)
	_ model.FeedStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		offers:   make(map[model.OfferID]model.Offer),
		stocks:   make(map[model.StockID]model.Stock),
		users:    make(map[model.UserID]model.User),
		deposits: make(map[model.UserID][]model.Deposit),
		bookings: make(map[model.BookingID]model.Booking),
		tokens:   make(map[string]model.BookingID),
		payments: make(map[model.BookingID]model.Payment),
	}
}

// WithTx executes fn within a transaction.
// This is simulated with a snapshot + rollback on error.
func (m *Store) WithTx(ctx context.Context, fn func(model.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	err := fn(&txView{store: m})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// ListSweepCandidates returns non-used, non-cancelled bookings whose stock
// began before cutoff.
func (m *Store) ListSweepCandidates(_ context.Context, cutoff time.Time) ([]model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []model.Booking
	for _, b := range m.bookings {
		if b.IsUsed || b.IsCancelled {
			continue
		}
		s, ok := m.stocks[b.StockID]
		if !ok || s.BeginningDatetime == nil || !s.BeginningDatetime.Before(cutoff) {
			continue
		}
		result = append(result, b)
	}
	sortBookings(result)
	return result, nil
}

// =============================================================================
// FEED
// =============================================================================

func (m *Store) SaveOffer(_ context.Context, o model.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.ID] = o
	return nil
}

func (m *Store) SaveStock(_ context.Context, s model.Stock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stocks[s.ID] = s
	return nil
}

func (m *Store) SaveUser(_ context.Context, u model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *Store) SaveDeposit(_ context.Context, d model.Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deposits[d.UserID] = append(m.deposits[d.UserID], d)
	return nil
}

func (m *Store) SavePayment(_ context.Context, p model.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.BookingID] = p
	return nil
}

// =============================================================================
// SNAPSHOT
// =============================================================================

type snapshot struct {
	stocks   map[model.StockID]model.Stock
	bookings map[model.BookingID]model.Booking
	tokens   map[string]model.BookingID
}

// snapshot copies the tables a transaction can write.
func (m *Store) snapshot() snapshot {
	s := snapshot{
		stocks:   make(map[model.StockID]model.Stock, len(m.stocks)),
		bookings: make(map[model.BookingID]model.Booking, len(m.bookings)),
		tokens:   make(map[string]model.BookingID, len(m.tokens)),
	}
	for k, v := range m.stocks {
		s.stocks[k] = v
	}
	for k, v := range m.bookings {
		s.bookings[k] = v
	}
	for k, v := range m.tokens {
		s.tokens[k] = v
	}
	return s
}

func (m *Store) restore(s snapshot) {
	m.stocks = s.stocks
	m.bookings = s.bookings
	m.tokens = s.tokens
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// txView reads and writes the parent maps directly; the parent mutex is
// already held by WithTx.
type txView struct {
	store *Store
}

func (tv *txView) GetStock(_ context.Context, id model.StockID) (model.Stock, error) {
	s, ok := tv.store.stocks[id]
	if !ok {
		return model.Stock{}, model.ErrStockNotFound
	}
	return s, nil
}

func (tv *txView) GetStockForUpdate(ctx context.Context, id model.StockID) (model.Stock, error) {
	return tv.GetStock(ctx, id)
}

func (tv *txView) GetOffer(_ context.Context, id model.OfferID) (model.Offer, error) {
	o, ok := tv.store.offers[id]
	if !ok {
		return model.Offer{}, model.ErrOfferNotFound
	}
	return o, nil
}

func (tv *txView) GetUser(_ context.Context, id model.UserID) (model.User, error) {
	u, ok := tv.store.users[id]
	if !ok {
		return model.User{}, model.ErrUserNotFound
	}
	return u, nil
}

func (tv *txView) GetUserForUpdate(ctx context.Context, id model.UserID) (model.User, error) {
	return tv.GetUser(ctx, id)
}

func (tv *txView) GetActiveDeposit(_ context.Context, userID model.UserID) (*model.Deposit, error) {
	deposits := tv.store.deposits[userID]
	if len(deposits) == 0 {
		return nil, nil
	}
	latest := deposits[0]
	for _, d := range deposits[1:] {
		if d.DateCreated.After(latest.DateCreated) {
			latest = d
		}
	}
	return &latest, nil
}

func (tv *txView) GetBooking(_ context.Context, id model.BookingID) (model.Booking, error) {
	b, ok := tv.store.bookings[id]
	if !ok {
		return model.Booking{}, model.ErrBookingNotFound
	}
	return b, nil
}

func (tv *txView) GetBookingByToken(ctx context.Context, token string) (model.Booking, error) {
	id, ok := tv.store.tokens[token]
	if !ok {
		return model.Booking{}, model.ErrBookingNotFound
	}
	return tv.GetBooking(ctx, id)
}

func (tv *txView) ListBookingsByStock(_ context.Context, stockID model.StockID) ([]model.Booking, error) {
	var result []model.Booking
	for _, b := range tv.store.bookings {
		if b.StockID == stockID {
			result = append(result, b)
		}
	}
	sortBookings(result)
	return result, nil
}

func (tv *txView) ListUserBookings(_ context.Context, userID model.UserID) ([]model.UserBooking, error) {
	var result []model.UserBooking
	for _, b := range tv.store.bookings {
		if b.UserID != userID {
			continue
		}
		s := tv.store.stocks[b.StockID]
		result = append(result, model.UserBooking{Booking: b, Offer: tv.store.offers[s.OfferID]})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Booking.DateCreated.Before(result[j].Booking.DateCreated)
	})
	return result, nil
}

func (tv *txView) HasActiveBookingForOffer(_ context.Context, userID model.UserID, offerID model.OfferID) (bool, error) {
	for _, b := range tv.store.bookings {
		if b.UserID != userID || b.IsCancelled {
			continue
		}
		if tv.store.stocks[b.StockID].OfferID == offerID {
			return true, nil
		}
	}
	return false, nil
}

func (tv *txView) HasPayment(_ context.Context, bookingID model.BookingID) (bool, error) {
	_, ok := tv.store.payments[bookingID]
	return ok, nil
}

func (tv *txView) InsertBooking(_ context.Context, b model.Booking) error {
	if _, exists := tv.store.tokens[b.Token]; exists {
		return model.ErrDuplicateToken
	}
	tv.store.bookings[b.ID] = b
	tv.store.tokens[b.Token] = b.ID
	return tv.checkCapacity(b.StockID)
}

func (tv *txView) UpdateBooking(_ context.Context, b model.Booking) error {
	if _, ok := tv.store.bookings[b.ID]; !ok {
		return model.ErrBookingNotFound
	}
	tv.store.bookings[b.ID] = b
	return tv.checkCapacity(b.StockID)
}

func (tv *txView) UpdateStock(_ context.Context, s model.Stock) error {
	if _, ok := tv.store.stocks[s.ID]; !ok {
		return model.ErrStockNotFound
	}
	tv.store.stocks[s.ID] = s
	return nil
}

// checkCapacity is the storage-layer backstop. The caller's WithTx rolls the
// write back when it fails.
func (tv *txView) checkCapacity(stockID model.StockID) error {
	s, ok := tv.store.stocks[stockID]
	if !ok {
		return model.ErrStockNotFound
	}
	if s.Quantity == nil {
		return nil
	}
	booked := 0
	for _, b := range tv.store.bookings {
		if b.StockID == stockID && stock.IsActive(b, s) {
			booked += b.Quantity
		}
	}
	if booked > *s.Quantity {
		return &model.TooManyBookingsError{StockID: stockID}
	}
	return nil
}

func sortBookings(bookings []model.Booking) {
	sort.Slice(bookings, func(i, j int) bool {
		if bookings[i].DateCreated.Equal(bookings[j].DateCreated) {
			return bookings[i].ID < bookings[j].ID
		}
		return bookings[i].DateCreated.Before(bookings[j].DateCreated)
	})
}
