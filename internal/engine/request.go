package engine

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"barreplay/internal/domain"
)

// ErrInvalidRequest is returned for run requests that fail validation.
var ErrInvalidRequest = errors.New("invalid run request")

// RunRequest describes one backtest run.
type RunRequest struct {
	// RunID may be supplied by the caller so the run can be cancelled while
	// Run is still executing; it is generated when empty.
	RunID      string         `json:"run_id,omitempty" validate:"omitempty,uuid"`
	StrategyID string         `json:"strategy_id" validate:"required"`
	Symbol     string         `json:"symbol" validate:"required"`
	Timeframe  string         `json:"timeframe" validate:"required"`
	StartTS    int64          `json:"start_ts" validate:"gte=0"`
	EndTS      int64          `json:"end_ts" validate:"gtfield=StartTS"`
	WarmupBars *int           `json:"warmup_bars,omitempty" validate:"omitempty,gte=0"`
	Params     map[string]any `json:"params,omitempty"`
	// Config overrides the configured backtest defaults when set. Its
	// StartTS is ignored in favour of the request's.
	Config *domain.RunConfig `json:"config,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// check validates the request and the effective run configuration.
func (r *RunRequest) check(cfg domain.RunConfig) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: config: %v", ErrInvalidRequest, err)
	}
	return nil
}
