// Package ingestion publishes pricing and regional modifier tables as
// ClickHouse snapshots.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"construction-cost/db/clickhouse"
	"construction-cost/decision/pricing"
	"construction-cost/decision/regions"
)

// batchSize bounds the rows sent per ClickHouse batch.
const batchSize = 1000

// SnapshotStore is the subset of the ClickHouse store used for publishing.
type SnapshotStore interface {
	FindSnapshotByHash(ctx context.Context, alias, hash string) (*clickhouse.PricingSnapshot, error)
	CreateSnapshot(ctx context.Context, snapshot *clickhouse.PricingSnapshot) error
	BulkCreateRates(ctx context.Context, rates []clickhouse.PricingRate) error
	BulkCreateModifiers(ctx context.Context, mods []clickhouse.RegionModifier) error
	ActivateSnapshot(ctx context.Context, id uuid.UUID) error
	GetActiveSnapshot(ctx context.Context, alias string) (*clickhouse.PricingSnapshot, error)
	LoadRates(ctx context.Context, snapshotID uuid.UUID) ([]pricing.Entry, error)
	LoadModifiers(ctx context.Context, snapshotID uuid.UUID) ([]regions.Region, error)
}

// ClickHouseAdapter publishes and loads pricing snapshots
type ClickHouseAdapter struct {
	store  SnapshotStore
	logger zerolog.Logger
}

// NewClickHouseAdapter creates a new ClickHouse adapter
func NewClickHouseAdapter(store SnapshotStore, logger zerolog.Logger) *ClickHouseAdapter {
	return &ClickHouseAdapter{store: store, logger: logger}
}

// PublishInput contains the tables to publish
type PublishInput struct {
	Alias     string
	Source    string
	Version   string
	FetchedAt time.Time
	Rates     []pricing.Entry
	Regions   []regions.Region
}

// PublishResult tracks the result of a publish
type PublishResult struct {
	SnapshotID    uuid.UUID
	Hash          string
	RateCount     int
	ModifierCount int
	Deduplicated  bool
	Duration      time.Duration
}

// Publish writes the input as a new snapshot and activates it once every row
// is stored. Identical content already published under the alias is
// re-activated instead of duplicated.
func (a *ClickHouseAdapter) Publish(ctx context.Context, input *PublishInput) (*PublishResult, error) {
	startTime := time.Now()
	alias := input.Alias
	if alias == "" {
		alias = "default"
	}
	hash := SnapshotHash(input.Rates, input.Regions)
	result := &PublishResult{Hash: hash}

	existing, err := a.store.FindSnapshotByHash(ctx, alias, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		result.SnapshotID = existing.ID
		result.RateCount = int(existing.RateCount)
		result.ModifierCount = int(existing.ModifierCount)
		result.Deduplicated = true
		if !existing.IsActive {
			if err := a.store.ActivateSnapshot(ctx, existing.ID); err != nil {
				return nil, err
			}
		}
		result.Duration = time.Since(startTime)
		a.logger.Info().Str("snapshot", existing.ID.String()).Str("hash", hash).Msg("pricing unchanged, reusing snapshot")
		return result, nil
	}

	snapshot := &clickhouse.PricingSnapshot{
		ID:            uuid.New(),
		Alias:         alias,
		Source:        input.Source,
		FetchedAt:     input.FetchedAt,
		Hash:          hash,
		Version:       input.Version,
		RateCount:     uint32(len(input.Rates)),
		ModifierCount: uint32(len(input.Regions)),
		IsActive:      false, // activated after all rows are written
	}
	if snapshot.FetchedAt.IsZero() {
		snapshot.FetchedAt = startTime
	}
	if err := a.store.CreateSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	result.SnapshotID = snapshot.ID

	rates := RateRows(snapshot.ID, input.Rates)
	for i := 0; i < len(rates); i += batchSize {
		end := min(i+batchSize, len(rates))
		if err := a.store.BulkCreateRates(ctx, rates[i:end]); err != nil {
			return nil, fmt.Errorf("failed to bulk insert rates at batch %d: %w", i/batchSize, err)
		}
		result.RateCount += end - i
	}

	mods := ModifierRows(snapshot.ID, input.Regions)
	if err := a.store.BulkCreateModifiers(ctx, mods); err != nil {
		return nil, fmt.Errorf("failed to insert region modifiers: %w", err)
	}
	result.ModifierCount = len(mods)

	if err := a.store.ActivateSnapshot(ctx, snapshot.ID); err != nil {
		return nil, fmt.Errorf("failed to activate snapshot: %w", err)
	}

	result.Duration = time.Since(startTime)
	a.logger.Info().
		Str("snapshot", snapshot.ID.String()).
		Int("rates", result.RateCount).
		Int("regions", result.ModifierCount).
		Dur("duration", result.Duration).
		Msg("pricing snapshot published")
	return result, nil
}

// LoadActive returns the rates and region table of the alias's active
// snapshot. A nil snapshot means nothing has been published.
func (a *ClickHouseAdapter) LoadActive(ctx context.Context, alias string) (*clickhouse.PricingSnapshot, []pricing.Entry, []regions.Region, error) {
	snapshot, err := a.store.GetActiveSnapshot(ctx, alias)
	if err != nil || snapshot == nil {
		return nil, nil, nil, err
	}
	rates, err := a.store.LoadRates(ctx, snapshot.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	mods, err := a.store.LoadModifiers(ctx, snapshot.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return snapshot, rates, mods, nil
}

// RateRows converts pricing entries into snapshot rows.
func RateRows(snapshotID uuid.UUID, entries []pricing.Entry) []clickhouse.PricingRate {
	rows := make([]clickhouse.PricingRate, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, clickhouse.PricingRate{
			SnapshotID:  snapshotID,
			Path:        e.Path,
			Category:    string(pricing.CategoryForPath(e.Path)),
			Unit:        e.Unit,
			Rate:        e.Rate,
			Description: e.Description,
		})
	}
	return rows
}

// ModifierRows converts regions into snapshot rows. Unset multipliers are
// stored as 1.
func ModifierRows(snapshotID uuid.UUID, rs []regions.Region) []clickhouse.RegionModifier {
	rows := make([]clickhouse.RegionModifier, 0, len(rs))
	for _, r := range rs {
		m := r.Modifiers
		rows = append(rows, clickhouse.RegionModifier{
			SnapshotID: snapshotID,
			RegionID:   regions.Normalize(r.ID),
			Name:       r.Name,
			Labor:      orOne(m.Labor),
			Material:   orOne(m.Material),
			Equipment:  orOne(m.Equipment),
			General:    orOne(m.General),
		})
	}
	return rows
}

// SnapshotHash is a content hash over rates and region rows, independent of
// input order.
func SnapshotHash(entries []pricing.Entry, rs []regions.Region) string {
	sorted := append([]pricing.Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, e := range sorted {
		fmt.Fprintf(h, "rate|%s|%s|%s\n", e.Path, e.Rate.String(), e.Unit)
	}
	for _, row := range ModifierRows(uuid.Nil, sortedRegions(rs)) {
		fmt.Fprintf(h, "region|%s|%s|%s|%s|%s\n",
			row.RegionID, row.Labor.String(), row.Material.String(), row.Equipment.String(), row.General.String())
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedRegions(rs []regions.Region) []regions.Region {
	out := append([]regions.Region(nil), rs...)
	sort.Slice(out, func(i, j int) bool { return regions.Normalize(out[i].ID) < regions.Normalize(out[j].ID) })
	return out
}

func orOne(d decimal.Decimal) decimal.Decimal {
	if d.IsZero() {
		return decimal.NewFromInt(1)
	}
	return d
}
