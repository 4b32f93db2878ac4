package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/carbon-ledger/internal/apperror"
	"github.com/sakif/carbon-ledger/internal/model"
	"github.com/sakif/carbon-ledger/internal/repository"
)

var _ repository.ContributionRepository = (*DB)(nil)

const contributionColumns = `id, owner_id, species, image_ref, age_years, age_method,
	confidence, trust_level, co2_per_year, base_co2, total_co2,
	latitude, longitude, accuracy, growth_updates, created_at`

// Create inserts c.
//
// KEY CONCEPTS:
//
//  1. THE STORE OWNS THE CLOCK:
//     CreatedAt is read from db.clock inside the transaction. Whatever the
//     caller put in c.CreatedAt is overwritten.
//
//  2. ADMISSION INSIDE THE TRANSACTION:
//     admit runs after BEGIN IMMEDIATE, with a counter that reads through the
//     same transaction. A concurrent Create for the same owner waits on the
//     write lock, so it counts this row once we commit.
//
//  3. TOTALS ARE DERIVED:
//     Recompute sets BaseCO2 and TotalCO2 from the age, rate and growth list;
//     a new contribution starts with no growth updates.
func (db *DB) Create(ctx context.Context, c *model.Contribution, admit repository.AdmitFunc) error {
	return db.inTx(ctx, "create contribution", func(tx *sql.Tx) error {
		now := db.now()

		if admit != nil {
			if err := admit(ctx, txCounter{q: tx}, now); err != nil {
				return err
			}
		}

		c.ID = xid.New().String()
		c.CreatedAt = now
		c.AgeYears = model.ClampAge(c.AgeYears, db.maxAge)
		c.GrowthUpdates = []model.GrowthUpdate{}
		c.Recompute()

		var lat, lng, acc sql.NullFloat64
		if c.Location != nil {
			lat = sql.NullFloat64{Float64: c.Location.Latitude, Valid: true}
			lng = sql.NullFloat64{Float64: c.Location.Longitude, Valid: true}
			if c.Location.Accuracy != nil {
				acc = sql.NullFloat64{Float64: *c.Location.Accuracy, Valid: true}
			}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO contributions (`+contributionColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', ?)`,
			c.ID, c.OwnerID, c.Species, c.ImageRef, c.AgeYears,
			string(c.AgeEstimateMethod), string(c.Confidence), string(c.TrustLevel),
			c.CO2PerYear, c.BaseCO2, c.TotalCO2,
			lat, lng, acc, millis(c.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("sqlite: creating contribution: %w", err)
		}
		return nil
	})
}

// GetByID returns the contribution with the given id.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Contribution, error) {
	c, err := getContribution(ctx, db.conn, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListByOwner returns ownerID's contributions, newest first.
func (db *DB) ListByOwner(ctx context.Context, ownerID string) ([]model.Contribution, error) {
	return listContributions(ctx, db.conn,
		`SELECT `+contributionColumns+` FROM contributions
		 WHERE owner_id = ?
		 ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
}

// Snapshot returns every contribution. It is a single SELECT, so the result
// reflects the table at one instant even while writers are active.
func (db *DB) Snapshot(ctx context.Context) ([]model.Contribution, error) {
	return listContributions(ctx, db.conn,
		`SELECT `+contributionColumns+` FROM contributions ORDER BY created_at, id`,
	)
}

// CountCreatedBetween counts ownerID's contributions with createdAt in
// [from, to). The (owner_id, created_at) index covers the query.
func (db *DB) CountCreatedBetween(ctx context.Context, ownerID string, from, to time.Time) (int, error) {
	return countCreatedBetween(ctx, db.conn, ownerID, from, to)
}

// AppendGrowth adds one growth update. The update gets a fresh ID and its
// UploadedAt from the store clock.
func (db *DB) AppendGrowth(ctx context.Context, id, requesterID string, update model.GrowthUpdate) (*model.Contribution, error) {
	return db.mutate(ctx, "append growth", id, func(c *model.Contribution, now time.Time) error {
		if requesterID != "" && requesterID != c.OwnerID {
			return apperror.Forbidden("only the owner can add growth updates to this contribution")
		}
		update.ID = xid.New().String()
		update.UploadedAt = now
		c.GrowthUpdates = append(c.GrowthUpdates, update)
		return nil
	})
}

// RemoveGrowth deletes the growth update growthID.
func (db *DB) RemoveGrowth(ctx context.Context, id, requesterID, growthID string) (*model.Contribution, error) {
	return db.mutate(ctx, "remove growth", id, func(c *model.Contribution, _ time.Time) error {
		if requesterID != c.OwnerID {
			return apperror.Forbidden("only the owner can remove growth updates from this contribution")
		}
		i := c.GrowthIndex(growthID)
		if i < 0 {
			return apperror.NotFound("growth update", growthID)
		}
		c.GrowthUpdates = append(c.GrowthUpdates[:i], c.GrowthUpdates[i+1:]...)
		return nil
	})
}

// Delete removes contribution id if requesterID owns it.
func (db *DB) Delete(ctx context.Context, id, requesterID string) error {
	return db.inTx(ctx, "delete contribution", func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT owner_id FROM contributions WHERE id = ?`, id).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return apperror.NotFound("contribution", id)
		}
		if err != nil {
			return fmt.Errorf("sqlite: reading contribution %s: %w", id, err)
		}
		if owner != requesterID {
			return apperror.Forbidden("only the owner can delete this contribution")
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM contributions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("sqlite: deleting contribution %s: %w", id, err)
		}
		return nil
	})
}

// mutate is the read-modify-write loop shared by the growth operations.
//
// The row is read, changed by fn and written back inside one IMMEDIATE
// transaction, and TotalCO2 is recomputed from the new growth list right
// before the UPDATE. Two concurrent appends therefore both land: the second
// one reads the row the first one committed.
func (db *DB) mutate(ctx context.Context, op, id string, fn func(c *model.Contribution, now time.Time) error) (*model.Contribution, error) {
	var out model.Contribution

	err := db.inTx(ctx, op, func(tx *sql.Tx) error {
		c, err := getContribution(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&c, db.now()); err != nil {
			return err
		}
		c.Recompute()

		growth, err := json.Marshal(c.GrowthUpdates)
		if err != nil {
			return fmt.Errorf("sqlite: encoding growth updates: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE contributions SET growth_updates = ?, base_co2 = ?, total_co2 = ? WHERE id = ?`,
			string(growth), c.BaseCO2, c.TotalCO2, id,
		)
		if err != nil {
			return fmt.Errorf("sqlite: updating contribution %s: %w", id, err)
		}

		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// txCounter exposes countCreatedBetween over a transaction.
type txCounter struct {
	q querier
}

func (t txCounter) CountCreatedBetween(ctx context.Context, ownerID string, from, to time.Time) (int, error) {
	return countCreatedBetween(ctx, t.q, ownerID, from, to)
}

func countCreatedBetween(ctx context.Context, q querier, ownerID string, from, to time.Time) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contributions
		 WHERE owner_id = ? AND created_at >= ? AND created_at < ?`,
		ownerID, millis(from), millis(to),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: counting contributions for %s: %w", ownerID, err)
	}
	return n, nil
}

func getContribution(ctx context.Context, q querier, id string) (model.Contribution, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+contributionColumns+` FROM contributions WHERE id = ?`, id)
	c, err := scanContribution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Contribution{}, apperror.NotFound("contribution", id)
	}
	if err != nil {
		return model.Contribution{}, fmt.Errorf("sqlite: getting contribution %s: %w", id, err)
	}
	return c, nil
}

func listContributions(ctx context.Context, q querier, query string, args ...any) ([]model.Contribution, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing contributions: %w", err)
	}
	defer rows.Close()

	out := []model.Contribution{}
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning contribution row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating contributions: %w", err)
	}
	return out, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanContribution(row rowScanner) (model.Contribution, error) {
	var (
		c             model.Contribution
		method        string
		confidence    string
		trust         string
		lat, lng, acc sql.NullFloat64
		growth        string
		created       int64
	)
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.Species, &c.ImageRef, &c.AgeYears, &method,
		&confidence, &trust, &c.CO2PerYear, &c.BaseCO2, &c.TotalCO2,
		&lat, &lng, &acc, &growth, &created,
	)
	if err != nil {
		return model.Contribution{}, err
	}

	c.AgeEstimateMethod = model.AgeEstimateMethod(method)
	c.Confidence = model.Confidence(confidence)
	c.TrustLevel = model.TrustLevel(trust)
	c.CreatedAt = fromMillis(created)

	if lat.Valid && lng.Valid {
		c.Location = &model.Location{Latitude: lat.Float64, Longitude: lng.Float64}
		if acc.Valid {
			a := acc.Float64
			c.Location.Accuracy = &a
		}
	}

	if err := json.Unmarshal([]byte(growth), &c.GrowthUpdates); err != nil {
		return model.Contribution{}, fmt.Errorf("decoding growth updates of %s: %w", c.ID, err)
	}
	if c.GrowthUpdates == nil {
		c.GrowthUpdates = []model.GrowthUpdate{}
	}
	return c, nil
}
