// Package repository defines the storage interfaces the services depend on.
//
// Every mutating method is one atomic unit scoped to a single contribution or
// a single account. Implementations recompute derived fields (totalCO2, the
// credit balance) from the rows they read inside the same transaction; callers
// never pass a precomputed total in.
package repository

import (
	"context"
	"time"

	"github.com/sakif/carbon-ledger/internal/model"
)

// DayCounter counts an owner's contributions created in [from, to).
// It satisfies quota.Counter.
type DayCounter interface {
	CountCreatedBetween(ctx context.Context, ownerID string, from, to time.Time) (int, error)
}

// AdmitFunc decides, inside the insert transaction, whether a new
// contribution may be written. counter reads through that transaction and now
// is the store's clock reading that will become createdAt. A non-nil error
// aborts the insert and is returned to the caller unchanged.
type AdmitFunc func(ctx context.Context, counter DayCounter, now time.Time) error

// ContributionRepository stores contributions and their growth updates.
type ContributionRepository interface {
	DayCounter

	// Create assigns ID and CreatedAt, clamps the age, recomputes the totals
	// and inserts c. admit may be nil.
	Create(ctx context.Context, c *model.Contribution, admit AdmitFunc) error
	GetByID(ctx context.Context, id string) (*model.Contribution, error)
	// ListByOwner returns the owner's contributions, newest first.
	ListByOwner(ctx context.Context, ownerID string) ([]model.Contribution, error)
	// Snapshot returns every contribution as of a single point in time.
	Snapshot(ctx context.Context) ([]model.Contribution, error)

	// AppendGrowth adds update to the contribution. An empty requesterID is a
	// system-level append; otherwise the requester must own the contribution.
	AppendGrowth(ctx context.Context, id, requesterID string, update model.GrowthUpdate) (*model.Contribution, error)
	// RemoveGrowth deletes one growth update. Only the owner may remove.
	RemoveGrowth(ctx context.Context, id, requesterID, growthID string) (*model.Contribution, error)
	// Delete removes the contribution. Only the owner may delete.
	Delete(ctx context.Context, id, requesterID string) error
}

// EarnedFunc computes contribution-derived credits from an owner's
// contributions as read inside the conversion transaction.
type EarnedFunc func(contributions []model.Contribution) int64

// TxListOptions pages through an account's credit transactions.
type TxListOptions struct {
	Limit  int
	Offset int
}

// AccountRepository stores user accounts, their spendable balance, their
// redemptions and the credit transaction log.
type AccountRepository interface {
	// UpsertAccount creates the account or refreshes its email and display
	// name. Balance and redemptions are never touched.
	UpsertAccount(ctx context.Context, userID, email, displayName string) (*model.UserAccount, error)
	GetAccount(ctx context.Context, userID string) (*model.UserAccount, error)

	// Increment adds amount (> 0) to the balance, creating the account if
	// needed, and records an earn transaction.
	Increment(ctx context.Context, userID string, amount int64, reason string) (*model.CreditTransaction, error)
	// Debit subtracts amount (> 0) from the balance or fails with
	// InsufficientBalance, and records a spend transaction.
	Debit(ctx context.Context, userID string, amount int64, reason string) (*model.CreditTransaction, error)

	// Redeem checks, debits and records reward in one transaction. token
	// identifies the receipt.
	Redeem(ctx context.Context, userID string, reward model.RewardDefinition, token string) (*model.RedemptionReceipt, error)

	// ConvertEarned moves newly earned contribution credits into the balance
	// and raises the account's high-water mark, in one transaction.
	ConvertEarned(ctx context.Context, userID string, earned EarnedFunc) (*model.Conversion, error)

	// ListTransactions returns the account's transactions, newest first.
	ListTransactions(ctx context.Context, userID string, opts TxListOptions) ([]model.CreditTransaction, error)
}
