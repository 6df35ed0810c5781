package portfolio

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/spotdesk/assistant/internal/journal"
)

// PointStore persists balance history points.
type PointStore interface {
	AddBalancePoint(ctx context.Context, total decimal.Decimal, quote string) (journal.BalancePoint, error)
	BalancePoints(ctx context.Context, limit int) ([]journal.BalancePoint, error)
}

// History records the portfolio total over time.
type History struct {
	svc    *Service
	points PointStore
}

// NewHistory creates a history over svc's snapshots.
func NewHistory(svc *Service, points PointStore) *History {
	return &History{svc: svc, points: points}
}

// Record takes a snapshot and stores its total.
func (h *History) Record(ctx context.Context) (journal.BalancePoint, error) {
	snap, err := h.svc.Snapshot(ctx)
	if err != nil {
		return journal.BalancePoint{}, err
	}
	p, err := h.points.AddBalancePoint(ctx, snap.Total, snap.Quote)
	if err != nil {
		return p, fmt.Errorf("record balance point: %w", err)
	}
	return p, nil
}

// Points returns the newest limit points, oldest first.
func (h *History) Points(ctx context.Context, limit int) ([]journal.BalancePoint, error) {
	return h.points.BalancePoints(ctx, limit)
}
