// Package service contains the business logic layer of the ledger.
//
// THE THREE-LAYER ARCHITECTURE:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (business layer) → validates, enforces rules, orchestrates
//	Repository (data layer)  → reads/writes the store atomically
//
// Services accept repository interfaces, never *sqlite.DB, so the tests can
// inject hand-written fakes. Anything that must be atomic (the quota check and
// the insert, a redemption, a credit conversion) is pushed down into a single
// repository call; the services never read a value, change it and write it
// back themselves.
//
// ERRORS:
// Services return apperror kinds unchanged. Expected rejections (quota,
// already redeemed, insufficient balance) are logged at Info; store and
// collaborator failures at Warn or Error.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/sakif/carbon-ledger/internal/apperror"
	"github.com/sakif/carbon-ledger/internal/clock"
	"github.com/sakif/carbon-ledger/internal/identify"
	"github.com/sakif/carbon-ledger/internal/metrics"
	"github.com/sakif/carbon-ledger/internal/model"
	"github.com/sakif/carbon-ledger/internal/quota"
	"github.com/sakif/carbon-ledger/internal/repository"
)

const (
	MaxSpeciesLength  = 100
	MaxImageRefLength = 2048
)

// ContributionSettings are the configured constants of contribution intake.
type ContributionSettings struct {
	GrowthBonusCO2    float64
	MaxAgeYears       int
	DefaultCO2PerYear float64
	DefaultTrust      model.TrustLevel
	// SpeciesCO2 maps a species name (matched case-insensitively) to kg of
	// CO2 absorbed per year.
	SpeciesCO2 map[string]float64
	// AgeRanges maps an age-range label to the age in years it stands for.
	AgeRanges map[string]int
}

// DefaultContributionSettings mirrors config.Default().
func DefaultContributionSettings() ContributionSettings {
	return ContributionSettings{
		GrowthBonusCO2:    50,
		MaxAgeYears:       30,
		DefaultCO2PerYear: 10,
		DefaultTrust:      model.TrustPhoto,
		SpeciesCO2:        map[string]float64{"Neem": 22, "Mango": 30, "Teak": 50, "Bamboo": 12},
		AgeRanges:         map[string]int{"seedling": 1, "young": 3, "mature": 8, "old": 12},
	}
}

// CreateInput carries the submitted attributes of a new contribution.
//
// AGE MODES:
//
//	exact    AgeYears is used as given; confidence defaults to high.
//	range    AgeRange is looked up in the settings; confidence defaults to medium.
//	unknown  age 1, confidence low.
//
// An exact submission without AgeYears is treated as unknown. Confidence and
// TrustLevel, when set, override the defaults.
type CreateInput struct {
	OwnerID    string
	Species    string
	ImageRef   string
	AgeYears   *int
	AgeMode    model.AgeEstimateMethod
	AgeRange   string
	Confidence model.Confidence
	TrustLevel model.TrustLevel
	// CO2PerYear of 0 means "derive from the species".
	CO2PerYear float64
	Location   *model.Location
}

// ContributionService handles contribution intake and growth evidence.
type ContributionService struct {
	repo       repository.ContributionRepository
	gate       *quota.Gate
	identifier identify.Identifier // may be nil
	clock      clock.Clock
	settings   ContributionSettings
	speciesCO2 map[string]float64 // lower-cased keys
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewContributionService wires a ContributionService. identifier and m may be
// nil.
func NewContributionService(
	repo repository.ContributionRepository,
	gate *quota.Gate,
	identifier identify.Identifier,
	clk clock.Clock,
	settings ContributionSettings,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ContributionService {
	species := make(map[string]float64, len(settings.SpeciesCO2))
	for name, rate := range settings.SpeciesCO2 {
		species[strings.ToLower(strings.TrimSpace(name))] = rate
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &ContributionService{
		repo:       repo,
		gate:       gate,
		identifier: identifier,
		clock:      clk,
		settings:   settings,
		speciesCO2: species,
		metrics:    m,
		logger:     logger,
	}
}

// Create validates in, resolves the species and writes the contribution.
//
// ORDER OF OPERATIONS:
//  1. Validate the input (cheap, no I/O).
//  2. Pre-check the quota so a user over the limit never costs an
//     identification call.
//  3. Identify the species from the image when none was given. This runs
//     outside any store transaction.
//  4. Insert. The store re-runs the quota check inside the insert
//     transaction; that check is the authoritative one.
func (s *ContributionService) Create(ctx context.Context, in CreateInput) (*model.Contribution, error) {
	c, err := s.buildContribution(in)
	if err != nil {
		return nil, err
	}

	allowed, err := s.gate.Authorize(ctx, s.repo, c.OwnerID, s.clock.Now())
	if err != nil {
		s.logger.Error("quota pre-check failed",
			slog.String("user_id", c.OwnerID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	if !allowed {
		s.metrics.QuotaRejected()
		s.logger.Info("contribution rejected by quota", slog.String("user_id", c.OwnerID))
		return nil, apperror.QuotaExceeded(c.OwnerID, s.gate.Limit())
	}

	if c.Species == "" {
		if err := s.identifySpecies(ctx, c); err != nil {
			return nil, err
		}
	}
	if c.CO2PerYear == 0 {
		c.CO2PerYear = s.co2Rate(c.Species)
	}

	admit := func(ctx context.Context, counter repository.DayCounter, now time.Time) error {
		ok, err := s.gate.Authorize(ctx, counter, c.OwnerID, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperror.QuotaExceeded(c.OwnerID, s.gate.Limit())
		}
		return nil
	}

	if err := s.repo.Create(ctx, c, admit); err != nil {
		if errors.Is(err, apperror.ErrQuotaExceeded) {
			s.metrics.QuotaRejected()
			s.logger.Info("contribution rejected by quota", slog.String("user_id", c.OwnerID))
			return nil, err
		}
		s.logger.Error("failed to create contribution",
			slog.String("user_id", c.OwnerID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("creating contribution: %w", err)
	}

	s.metrics.ContributionCreated()
	s.logger.Info("contribution created",
		slog.String("id", c.ID),
		slog.String("user_id", c.OwnerID),
		slog.String("species", c.Species),
		slog.Float64("total_co2", c.TotalCO2),
	)
	return c, nil
}

// buildContribution validates in and fills in every derived attribute except
// a missing species and its rate.
func (s *ContributionService) buildContribution(in CreateInput) (*model.Contribution, error) {
	owner := strings.TrimSpace(in.OwnerID)
	if owner == "" {
		return nil, apperror.ValidationFailed("ownerId", "owner is required")
	}

	species := strings.TrimSpace(in.Species)
	if len(species) > MaxSpeciesLength {
		return nil, apperror.ValidationFailed("species",
			fmt.Sprintf("species must be %d characters or less", MaxSpeciesLength))
	}
	imageRef := strings.TrimSpace(in.ImageRef)
	if len(imageRef) > MaxImageRefLength {
		return nil, apperror.ValidationFailed("imageRef",
			fmt.Sprintf("image reference must be %d characters or less", MaxImageRefLength))
	}
	if species == "" && (s.identifier == nil || imageRef == "") {
		return nil, apperror.ValidationFailed("species", "species is required")
	}

	if in.CO2PerYear < 0 || math.IsNaN(in.CO2PerYear) || math.IsInf(in.CO2PerYear, 0) {
		return nil, apperror.ValidationFailed("co2PerYear", "co2PerYear must be a positive number")
	}
	if err := validateLocation(in.Location); err != nil {
		return nil, err
	}

	c := &model.Contribution{
		OwnerID:    owner,
		Species:    species,
		ImageRef:   imageRef,
		CO2PerYear: in.CO2PerYear,
		Location:   in.Location,
	}

	switch in.AgeMode {
	case model.AgeExact, "":
		if in.AgeYears == nil {
			c.AgeYears, c.AgeEstimateMethod, c.Confidence = 1, model.AgeUnknown, model.ConfidenceLow
			break
		}
		// The store clamps the age to [0, MaxAgeYears].
		c.AgeYears, c.AgeEstimateMethod, c.Confidence = *in.AgeYears, model.AgeExact, model.ConfidenceHigh
	case model.AgeRange:
		years, ok := s.settings.AgeRanges[strings.ToLower(strings.TrimSpace(in.AgeRange))]
		if !ok {
			return nil, apperror.ValidationFailed("ageRange", fmt.Sprintf("unknown age range %q", in.AgeRange))
		}
		c.AgeYears, c.AgeEstimateMethod, c.Confidence = years, model.AgeRange, model.ConfidenceMedium
	case model.AgeUnknown:
		c.AgeYears, c.AgeEstimateMethod, c.Confidence = 1, model.AgeUnknown, model.ConfidenceLow
	default:
		return nil, apperror.ValidationFailed("ageMode", fmt.Sprintf("unknown age mode %q", in.AgeMode))
	}
	if in.Confidence != "" {
		c.Confidence = in.Confidence
	}
	c.TrustLevel = s.settings.DefaultTrust
	if in.TrustLevel != "" {
		c.TrustLevel = in.TrustLevel
	}
	return c, nil
}

func validateLocation(loc *model.Location) error {
	if loc == nil {
		return nil
	}
	if math.IsNaN(loc.Latitude) || loc.Latitude < -90 || loc.Latitude > 90 {
		return apperror.ValidationFailed("location.lat", "latitude must be between -90 and 90")
	}
	if math.IsNaN(loc.Longitude) || loc.Longitude < -180 || loc.Longitude > 180 {
		return apperror.ValidationFailed("location.lng", "longitude must be between -180 and 180")
	}
	if loc.Accuracy != nil && (math.IsNaN(*loc.Accuracy) || *loc.Accuracy < 0) {
		return apperror.ValidationFailed("location.accuracy", "accuracy cannot be negative")
	}
	return nil
}

// identifySpecies asks the identification service about c.ImageRef.
// A failed call rejects the submission with ErrExternal; a call that finds
// nothing asks the submitter to name the species.
func (s *ContributionService) identifySpecies(ctx context.Context, c *model.Contribution) error {
	match, err := s.identifier.Identify(ctx, c.ImageRef)
	if err != nil {
		s.logger.Warn("species identification failed",
			slog.String("user_id", c.OwnerID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, apperror.ErrExternal) {
			return err
		}
		return apperror.External("species identification", err)
	}
	if match == nil {
		return apperror.ValidationFailed("species", "species could not be identified from the image, select it manually")
	}

	c.Species = match.Species
	s.logger.Debug("species identified",
		slog.String("species", match.Species),
		slog.Float64("score", match.Score),
	)
	return nil
}

func (s *ContributionService) co2Rate(species string) float64 {
	if rate, ok := s.speciesCO2[strings.ToLower(species)]; ok && rate > 0 {
		return rate
	}
	return s.settings.DefaultCO2PerYear
}

// Get returns one contribution.
func (s *ContributionService) Get(ctx context.Context, id string) (*model.Contribution, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "contribution ID is required")
	}
	return s.repo.GetByID(ctx, id)
}

// ListMine returns the owner's contributions, newest first.
func (s *ContributionService) ListMine(ctx context.Context, ownerID string) ([]model.Contribution, error) {
	list, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing contributions: %w", err)
	}
	return list, nil
}

// AppendGrowth records a growth photo on the contribution. requesterID ""
// is a system-level append; any other requester must be the owner.
func (s *ContributionService) AppendGrowth(ctx context.Context, id, requesterID, imageRef string) (*model.Contribution, error) {
	imageRef = strings.TrimSpace(imageRef)
	if imageRef == "" {
		return nil, apperror.ValidationFailed("imageRef", "image reference is required")
	}
	if len(imageRef) > MaxImageRefLength {
		return nil, apperror.ValidationFailed("imageRef",
			fmt.Sprintf("image reference must be %d characters or less", MaxImageRefLength))
	}

	c, err := s.repo.AppendGrowth(ctx, id, requesterID, model.GrowthUpdate{
		ImageRef: imageRef,
		BonusCO2: s.settings.GrowthBonusCO2,
	})
	if err != nil {
		return nil, err
	}

	s.metrics.GrowthUpdate("append")
	s.logger.Info("growth update appended",
		slog.String("id", c.ID),
		slog.Int("updates", len(c.GrowthUpdates)),
		slog.Float64("total_co2", c.TotalCO2),
	)
	return c, nil
}

// RemoveGrowth deletes one growth update from the owner's contribution.
func (s *ContributionService) RemoveGrowth(ctx context.Context, id, requesterID, growthID string) (*model.Contribution, error) {
	growthID = strings.TrimSpace(growthID)
	if growthID == "" {
		return nil, apperror.ValidationFailed("growthId", "growth reference is required")
	}

	c, err := s.repo.RemoveGrowth(ctx, id, requesterID, growthID)
	if err != nil {
		return nil, err
	}

	s.metrics.GrowthUpdate("remove")
	s.logger.Info("growth update removed",
		slog.String("id", c.ID),
		slog.String("growth_id", growthID),
		slog.Float64("total_co2", c.TotalCO2),
	)
	return c, nil
}

// Delete removes the requester's contribution.
func (s *ContributionService) Delete(ctx context.Context, id, requesterID string) error {
	if err := s.repo.Delete(ctx, id, requesterID); err != nil {
		return err
	}
	s.logger.Info("contribution deleted", slog.String("id", id), slog.String("user_id", requesterID))
	return nil
}

// QuotaStatus reports the user's standing against today's limit.
func (s *ContributionService) QuotaStatus(ctx context.Context, userID string) (quota.Status, error) {
	return s.gate.Status(ctx, s.repo, userID, s.clock.Now())
}
