// Package quota enforces the per-user daily submission limit.
//
// THE DAY WINDOW:
// "Today" is the half-open interval [local midnight, next local midnight) in
// the location of the time passed in. Pass the server clock's time in the
// server's zone; a client-supplied timestamp must never reach this package.
//
// THE RACE:
// Counting and then inserting is a check-then-act sequence. Gate does not
// close that race by itself. The store runs Authorize with a Counter bound to
// its own write transaction, so the count and the insert commit together and
// two parallel submissions by one user cannot both see count == limit-1.
package quota

import (
	"context"
	"fmt"
	"time"
)

// DefaultDailyLimit is the number of contributions a non-exempt user may
// create per calendar day.
const DefaultDailyLimit = 3

// Counter counts a user's contributions whose createdAt falls in [from, to).
type Counter interface {
	CountCreatedBetween(ctx context.Context, ownerID string, from, to time.Time) (int, error)
}

// Status describes a user's quota at one instant. Remaining is -1 for exempt
// users.
type Status struct {
	UserID    string    `json:"userId"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	Exempt    bool      `json:"exempt"`
	ResetsAt  time.Time `json:"resetsAt"`
}

// Gate decides whether a user may create another contribution today.
type Gate struct {
	limit  int
	exempt map[string]struct{}
}

// NewGate returns a Gate allowing limit contributions per day. Users in
// exemptIDs bypass the limit entirely.
func NewGate(limit int, exemptIDs []string) *Gate {
	exempt := make(map[string]struct{}, len(exemptIDs))
	for _, id := range exemptIDs {
		if id != "" {
			exempt[id] = struct{}{}
		}
	}
	return &Gate{limit: limit, exempt: exempt}
}

// Limit returns the daily limit.
func (g *Gate) Limit() int { return g.limit }

// IsExempt reports whether userID is on the allow-list.
func (g *Gate) IsExempt(userID string) bool {
	_, ok := g.exempt[userID]
	return ok
}

// Authorize reports whether userID may create a contribution at now.
// Exempt users are allowed without touching the counter.
func (g *Gate) Authorize(ctx context.Context, counter Counter, userID string, now time.Time) (bool, error) {
	if g.IsExempt(userID) {
		return true, nil
	}

	from, to := DayWindow(now)
	used, err := counter.CountCreatedBetween(ctx, userID, from, to)
	if err != nil {
		return false, fmt.Errorf("quota: counting today's contributions: %w", err)
	}
	return used < g.limit, nil
}

// Status reports the user's usage for the day containing now.
func (g *Gate) Status(ctx context.Context, counter Counter, userID string, now time.Time) (Status, error) {
	from, to := DayWindow(now)
	st := Status{UserID: userID, Limit: g.limit, ResetsAt: to}

	used, err := counter.CountCreatedBetween(ctx, userID, from, to)
	if err != nil {
		return Status{}, fmt.Errorf("quota: counting today's contributions: %w", err)
	}
	st.Used = used

	if g.IsExempt(userID) {
		st.Exempt = true
		st.Remaining = -1
		return st, nil
	}

	st.Remaining = g.limit - used
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	return st, nil
}

// DayWindow returns local midnight of now's day and the following midnight,
// in now's location. AddDate keeps the window correct across DST changes,
// where a day is 23 or 25 hours long.
func DayWindow(now time.Time) (from, to time.Time) {
	y, m, d := now.Date()
	from = time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	to = from.AddDate(0, 0, 1)
	return from, to
}
