package domain

import "context"

// Store groups the account store and the transfer log behind one atomic
// commit. Writes made through the Store handed to fn take effect together
// when fn returns nil and not at all otherwise.
type Store interface {
	Accounts() AccountRepository
	Transfers() TransferRepository
	WithTransaction(ctx context.Context, fn func(Store) error) error
}
