// Package settings holds the user-editable trading preferences: the signal
// score threshold, the default order budget and the watchlist. The config
// file provides the defaults; edits made at runtime are persisted and win
// over the defaults on the next start.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/spotdesk/assistant/internal/symbol"
)

// ErrInvalid is returned when an update would leave an invalid value.
var ErrInvalid = errors.New("settings: invalid value")

// Values are the current preferences.
type Values struct {
	SignalScore   float64         `json:"signal_score"`
	DefaultBudget decimal.Decimal `json:"default_budget"`
	Watchlist     []string        `json:"watchlist"`
}

// Patch is a partial update. Nil fields keep their current value; an
// empty, non-nil Watchlist clears it.
type Patch struct {
	SignalScore   *float64         `json:"signal_score,omitempty"`
	DefaultBudget *decimal.Decimal `json:"default_budget,omitempty"`
	Watchlist     *[]string        `json:"watchlist,omitempty"`
}

// Repository persists the encoded preferences. Load returns nil data when
// nothing was saved yet.
type Repository interface {
	LoadSettings(ctx context.Context) ([]byte, error)
	SaveSettings(ctx context.Context, data []byte) error
}

// Service serves and updates the preferences.
type Service struct {
	repo Repository

	mu  sync.RWMutex
	cur Values
}

// NewService loads the saved preferences on top of defaults. Nothing is
// written until the first Update, so config defaults apply as long as the
// user has not edited anything. Keys missing from the saved document take
// the default; an unreadable document is replaced by the defaults.
func NewService(ctx context.Context, repo Repository, defaults Values) (*Service, error) {
	def, err := normalize(defaults)
	if err != nil {
		return nil, fmt.Errorf("default settings: %w", err)
	}
	s := &Service{repo: repo, cur: def}

	data, err := repo.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if data == nil {
		return s, nil
	}

	loaded := def.clone()
	if err := json.Unmarshal(data, &loaded); err == nil {
		loaded, err = normalize(loaded)
		if err == nil {
			s.cur = loaded
			return s, nil
		}
	}
	slog.Warn("saved settings unreadable, restoring defaults")
	return s, s.save(ctx, def)
}

// Current returns a copy of the preferences.
func (s *Service) Current() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.clone()
}

// SignalScore is the default minimum signal score.
func (s *Service) SignalScore() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.SignalScore
}

// DefaultBudget is the quote amount used when an order names no budget.
func (s *Service) DefaultBudget() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.DefaultBudget
}

// Watchlist returns the symbols always included in a recompute.
func (s *Service) Watchlist() []string {
	return s.Current().Watchlist
}

// Update applies p, validates the result and persists it. The previous
// values stay in force when validation or the save fails.
func (s *Service) Update(ctx context.Context, p Patch) (Values, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur.clone()
	if p.SignalScore != nil {
		next.SignalScore = *p.SignalScore
	}
	if p.DefaultBudget != nil {
		next.DefaultBudget = *p.DefaultBudget
	}
	if p.Watchlist != nil {
		next.Watchlist = append([]string{}, (*p.Watchlist)...)
	}
	next, err := normalize(next)
	if err != nil {
		return s.cur.clone(), err
	}
	if err := s.save(ctx, next); err != nil {
		return s.cur.clone(), err
	}
	s.cur = next
	slog.Info("settings updated",
		"signal_score", next.SignalScore,
		"default_budget", next.DefaultBudget.String(),
		"watchlist", len(next.Watchlist),
	)
	return next.clone(), nil
}

func (s *Service) save(ctx context.Context, v Values) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := s.repo.SaveSettings(ctx, data); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// normalize validates v and returns it with the watchlist normalized and
// de-duplicated.
func normalize(v Values) (Values, error) {
	var errs []error
	if v.SignalScore < 0 || v.SignalScore > 1 {
		errs = append(errs, fmt.Errorf("signal_score %v is not in [0, 1]", v.SignalScore))
	}
	if !v.DefaultBudget.IsPositive() {
		errs = append(errs, fmt.Errorf("default_budget %s must be positive", v.DefaultBudget))
	}

	seen := make(map[string]bool, len(v.Watchlist))
	list := make([]string, 0, len(v.Watchlist))
	for _, raw := range v.Watchlist {
		sym, err := symbol.Validate(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("watchlist: %w", err))
			continue
		}
		if !seen[sym] {
			seen[sym] = true
			list = append(list, sym)
		}
	}
	if len(errs) > 0 {
		return v, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	v.Watchlist = list
	return v, nil
}

func (v Values) clone() Values {
	v.Watchlist = append([]string{}, v.Watchlist...)
	return v
}
