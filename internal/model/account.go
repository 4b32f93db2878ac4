package model

import "time"

// UserAccount is the aggregation target for a user and the owner of the
// spendable credit balance.
//
// CreditBalance is only changed by the credit ledger inside a store
// transaction. ConvertedCredits is the high-water mark of contribution-derived
// credits already moved into the balance.
type UserAccount struct {
	ID               string       `json:"id"`
	Email            string       `json:"email"`
	DisplayName      string       `json:"displayName"`
	CreditBalance    int64        `json:"creditBalance"`
	ConvertedCredits int64        `json:"convertedCredits"`
	RedeemedRewards  []Redemption `json:"redeemedRewards"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// HasRedeemed reports whether rewardID appears in the account's redemptions.
func (a *UserAccount) HasRedeemed(rewardID string) bool {
	for _, r := range a.RedeemedRewards {
		if r.RewardID == rewardID {
			return true
		}
	}
	return false
}

// Redemption is one entry of UserAccount.RedeemedRewards. A reward ID appears
// at most once per user.
type Redemption struct {
	RewardID     string    `json:"rewardId"`
	Token        string    `json:"token"`
	CreditsSpent int64     `json:"creditsSpent"`
	RedeemedAt   time.Time `json:"redeemedAt"`
}

// TransactionKind is the business reason for a balance change.
type TransactionKind string

const (
	TxEarn    TransactionKind = "earn"    // direct grant, e.g. a mini-game reward
	TxConvert TransactionKind = "convert" // contribution-derived credits moved into the balance
	TxSpend   TransactionKind = "spend"   // debit or redemption
)

// CreditTransaction records a single balance change. Amount is always
// positive; Kind gives the direction.
type CreditTransaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	Kind         TransactionKind `json:"kind"`
	Amount       int64           `json:"amount"`
	BalanceAfter int64           `json:"balanceAfter"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Conversion is the outcome of moving earned credits into the balance.
// Credited is zero when nothing new was earned since the last conversion.
type Conversion struct {
	UserID           string `json:"userId"`
	Earned           int64  `json:"earned"`
	Credited         int64  `json:"credited"`
	ConvertedCredits int64  `json:"convertedCredits"`
	Balance          int64  `json:"balance"`
}

// RewardDefinition is one entry of the static reward catalog.
type RewardDefinition struct {
	ID              string `json:"rewardId"        yaml:"id"`
	DisplayName     string `json:"displayName"     yaml:"name"`
	RequiredCredits int64  `json:"requiredCredits" yaml:"required_credits"`
}

// CatalogEntry is a reward as seen by one user.
type CatalogEntry struct {
	RewardDefinition
	Redeemed   bool `json:"redeemed"`
	Affordable bool `json:"affordable"`
}

// RedemptionReceipt is returned by a successful redemption. Token identifies
// the receipt to downstream fulfillment (it is encoded into the claim QR code).
type RedemptionReceipt struct {
	UserID       string    `json:"userId"`
	RewardID     string    `json:"rewardId"`
	DisplayName  string    `json:"displayName"`
	CreditsSpent int64     `json:"creditsSpent"`
	Token        string    `json:"token"`
	RedeemedAt   time.Time `json:"redeemedAt"`
	BalanceAfter int64     `json:"balanceAfter"`
}
