// Package usage turns recorded usage into per-user listings and costs.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/apimeter/internal/store"
	"github.com/kiranshivaraju/apimeter/pkg/models"
)

// DefaultPricePerCall is the per-call price when none is configured.
const DefaultPricePerCall = 0.01

// DefaultStatsWindow is the period /usage/stats covers when no start date is given.
const DefaultStatsWindow = 30 * 24 * time.Hour

// Period is the inclusive time range a Stats result covers.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Stats is a user's usage within Period plus the all-time cost breakdown.
type Stats struct {
	Usage  []*models.Usage       `json:"usage"`
	Costs  []models.EndpointCost `json:"costs"`
	Period Period                `json:"period"`
}

type Aggregator struct {
	store        store.UsageStore
	pricePerCall float64
	now          func() time.Time
}

// NewAggregator returns an Aggregator charging pricePerCall per record.
func NewAggregator(s store.UsageStore, pricePerCall float64) *Aggregator {
	return &Aggregator{store: s, pricePerCall: pricePerCall, now: time.Now}
}

func (a *Aggregator) PricePerCall() float64 {
	return a.pricePerCall
}

// ListUsage returns the user's records, restricted to [start, end] only
// when both bounds are given.
func (a *Aggregator) ListUsage(ctx context.Context, userID string, start, end *time.Time) ([]*models.Usage, error) {
	records, err := a.store.ListUsage(ctx, store.UsageFilter{UserID: userID, Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	return records, nil
}

// CalculateCosts groups the user's records by endpoint. Each group costs
// pricePerCall times its call count.
func (a *Aggregator) CalculateCosts(ctx context.Context, userID string, pricePerCall float64) ([]models.EndpointCost, error) {
	costs, err := a.store.CostsByEndpoint(ctx, userID, pricePerCall)
	if err != nil {
		return nil, fmt.Errorf("calculate costs: %w", err)
	}
	return costs, nil
}

// TotalCost is the user's all-time cost at the configured price.
func (a *Aggregator) TotalCost(ctx context.Context, userID string) (float64, error) {
	total, err := a.store.TotalCost(ctx, userID, a.pricePerCall)
	if err != nil {
		return 0, fmt.Errorf("total cost: %w", err)
	}
	return total, nil
}

// UserCosts summarizes the total cost of every given user, in order.
func (a *Aggregator) UserCosts(ctx context.Context, users []*models.UserPublic) ([]models.UserCost, error) {
	out := make([]models.UserCost, 0, len(users))
	for _, u := range users {
		total, err := a.TotalCost(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.UserCost{
			UserID:    u.ID,
			Email:     u.Email,
			Username:  u.Username,
			TotalCost: total,
		})
	}
	return out, nil
}

// Stats builds the /usage/stats result. A nil start means DefaultStatsWindow
// before now; a nil end means now.
func (a *Aggregator) Stats(ctx context.Context, userID string, start, end *time.Time) (*Stats, error) {
	now := a.now().UTC()
	period := Period{Start: now.Add(-DefaultStatsWindow), End: now}
	if end != nil {
		period.End = *end
	}
	if start != nil {
		period.Start = *start
	}

	records, err := a.ListUsage(ctx, userID, &period.Start, &period.End)
	if err != nil {
		return nil, err
	}
	costs, err := a.CalculateCosts(ctx, userID, a.pricePerCall)
	if err != nil {
		return nil, err
	}
	return &Stats{Usage: records, Costs: costs, Period: period}, nil
}
