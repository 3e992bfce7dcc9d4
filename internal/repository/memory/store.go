// Package memory is an in-process implementation of domain.Store.
//
// Writes made inside WithTransaction are staged and only applied, under the
// store mutex, once the callback returns nil. At that point every staged
// compare-and-swap is checked again against the committed versions, so a
// commit either applies all of its writes or none of them.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"atomic-ledger/internal/domain"
	"atomic-ledger/internal/errors"
)

type state struct {
	mu        sync.RWMutex
	accounts  map[string]domain.Account
	transfers []domain.TransferRecord
	byKey     map[uuid.UUID]int64
	lastID    int64
}

// staged holds the writes of one open transaction.
type staged struct {
	accounts map[string]domain.Account
	// expected is the committed version each staged account was read at.
	expected map[string]int64
	created  map[string]domain.Account
	appended []*domain.TransferRecord
}

// Store is safe for concurrent use. A Store handed to a WithTransaction
// callback must only be used by that callback.
type Store struct {
	state  *state
	tx     *staged
	now    func() time.Time
	logger *slog.Logger
}

func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		state: &state{
			accounts: make(map[string]domain.Account),
			byKey:    make(map[uuid.UUID]int64),
		},
		now:    time.Now,
		logger: logger,
	}
}

func (s *Store) Accounts() domain.AccountRepository {
	return &accountRepository{s}
}

func (s *Store) Transfers() domain.TransferRepository {
	return &transferRepository{s}
}

// WithTransaction runs fn against a staging view of the store and applies
// its writes atomically when fn returns nil.
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	if s.tx != nil {
		return errors.ErrCannotBeginTransaction
	}

	txStore := &Store{
		state: s.state,
		tx: &staged{
			accounts: make(map[string]domain.Account),
			expected: make(map[string]int64),
			created:  make(map[string]domain.Account),
		},
		now:    s.now,
		logger: s.logger,
	}

	if err := fn(txStore); err != nil {
		return err
	}

	return txStore.commit()
}

func (s *Store) commit() error {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	for id := range s.tx.created {
		if _, exists := st.accounts[id]; exists {
			return errors.ErrDuplicateAccount
		}
	}
	for id, expected := range s.tx.expected {
		current, ok := st.accounts[id]
		if !ok {
			if _, createdHere := s.tx.created[id]; createdHere {
				continue
			}
			return errors.ErrAccountNotFound
		}
		if current.Version != expected {
			s.logger.Warn("Staged account write lost a version race",
				"account_id", id, "expected_version", expected, "stored_version", current.Version)
			return errors.ErrVersionConflict
		}
	}
	for _, record := range s.tx.appended {
		if record.Succeeded() && record.IdempotencyKey != nil {
			if _, dup := st.byKey[*record.IdempotencyKey]; dup {
				return errors.ErrDuplicateTransfer
			}
		}
	}

	for id, account := range s.tx.created {
		st.accounts[id] = account
	}
	for id, account := range s.tx.accounts {
		st.accounts[id] = account
	}
	for _, record := range s.tx.appended {
		st.appendLocked(record)
	}
	return nil
}

// appendLocked assigns the next ID and stores a copy of record.
func (st *state) appendLocked(record *domain.TransferRecord) {
	st.lastID++
	record.ID = st.lastID
	st.transfers = append(st.transfers, cloneRecord(record))
	if record.Succeeded() && record.IdempotencyKey != nil {
		st.byKey[*record.IdempotencyKey] = record.ID
	}
}

type accountRepository struct {
	s *Store
}

func (r *accountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	now := r.s.now()
	account.Version = 1
	account.CreatedAt = now
	account.UpdatedAt = now

	if tx := r.s.tx; tx != nil {
		if _, ok := r.lookup(account.ID); ok {
			return errors.ErrDuplicateAccount
		}
		tx.created[account.ID] = *account
		return nil
	}

	st := r.s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.accounts[account.ID]; exists {
		r.s.logger.Warn("Duplicate account creation attempt", "account_id", account.ID)
		return errors.ErrDuplicateAccount
	}
	st.accounts[account.ID] = *account
	r.s.logger.Info("Account created successfully", "account_id", account.ID)
	return nil
}

func (r *accountRepository) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	account, ok := r.lookup(id)
	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	return &account, nil
}

func (r *accountRepository) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	st := r.s.state
	st.mu.RLock()
	out := make([]*domain.Account, 0, len(st.accounts))
	for _, account := range st.accounts {
		a := account
		out = append(out, &a)
	}
	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *accountRepository) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, next *domain.Account) error {
	current, ok := r.lookup(id)
	if !ok {
		return errors.ErrAccountNotFound
	}
	if current.Version != expectedVersion {
		return errors.ErrVersionConflict
	}

	updated := current
	updated.Balance = next.Balance
	updated.HolderName = next.HolderName
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = r.s.now()

	if tx := r.s.tx; tx != nil {
		if _, already := tx.expected[id]; !already {
			if _, createdHere := tx.created[id]; !createdHere {
				tx.expected[id] = expectedVersion
			}
		}
		if _, createdHere := tx.created[id]; createdHere {
			tx.created[id] = updated
		} else {
			tx.accounts[id] = updated
		}
	} else {
		st := r.s.state
		st.mu.Lock()
		stored, exists := st.accounts[id]
		if !exists || stored.Version != expectedVersion {
			st.mu.Unlock()
			return errors.ErrVersionConflict
		}
		st.accounts[id] = updated
		st.mu.Unlock()
	}

	*next = updated
	return nil
}

// lookup returns the account as seen by this store: staged writes first,
// then committed state.
func (r *accountRepository) lookup(id string) (domain.Account, bool) {
	if tx := r.s.tx; tx != nil {
		if a, ok := tx.accounts[id]; ok {
			return a, true
		}
		if a, ok := tx.created[id]; ok {
			return a, true
		}
	}
	st := r.s.state
	st.mu.RLock()
	defer st.mu.RUnlock()
	a, ok := st.accounts[id]
	return a, ok
}

type transferRepository struct {
	s *Store
}

func (r *transferRepository) AppendTransfer(ctx context.Context, record *domain.TransferRecord) error {
	if tx := r.s.tx; tx != nil {
		tx.appended = append(tx.appended, record)
		return nil
	}

	st := r.s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if record.Succeeded() && record.IdempotencyKey != nil {
		if _, dup := st.byKey[*record.IdempotencyKey]; dup {
			return errors.ErrDuplicateTransfer
		}
	}
	st.appendLocked(record)
	return nil
}

func (r *transferRepository) GetTransfer(ctx context.Context, id int64) (*domain.TransferRecord, error) {
	st := r.s.state
	st.mu.RLock()
	defer st.mu.RUnlock()

	// IDs are dense and start at 1.
	if id < 1 || id > int64(len(st.transfers)) {
		return nil, errors.ErrTransferNotFound
	}
	record := cloneRecord(&st.transfers[id-1])
	return &record, nil
}

func (r *transferRepository) ListTransfers(ctx context.Context, filter domain.TransferFilter) ([]*domain.TransferRecord, error) {
	st := r.s.state
	st.mu.RLock()
	defer st.mu.RUnlock()

	start := filter.SinceID
	if start < 0 {
		start = 0
	}

	out := make([]*domain.TransferRecord, 0)
	for i := start; i < int64(len(st.transfers)); i++ {
		record := &st.transfers[i]
		if filter.AccountID != "" && !record.TouchesAccount(filter.AccountID) {
			continue
		}
		cp := cloneRecord(record)
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *transferRepository) GetTransferByIdempotencyKey(ctx context.Context, key uuid.UUID) (*domain.TransferRecord, error) {
	st := r.s.state
	st.mu.RLock()
	defer st.mu.RUnlock()

	id, ok := st.byKey[key]
	if !ok {
		return nil, nil
	}
	record := cloneRecord(&st.transfers[id-1])
	return &record, nil
}

func cloneRecord(record *domain.TransferRecord) domain.TransferRecord {
	cp := *record
	if record.IdempotencyKey != nil {
		key := *record.IdempotencyKey
		cp.IdempotencyKey = &key
	}
	return cp
}

var _ domain.Store = (*Store)(nil)
