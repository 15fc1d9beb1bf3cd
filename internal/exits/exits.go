// Package exits decides when open positions must be closed. Evaluation is a
// pure function of the ledger snapshot, current marks and the clock; it has
// no side effects and performs no I/O.
package exits

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
)

// Rule names the exit rule that fired.
type Rule string

const (
	RuleCatastrophicStop  Rule = "catastrophic_stop"
	RuleProfitTier        Rule = "profit_tier"
	RulePrimaryStop       Rule = "primary_stop"
	RuleUnknownAgeLoss    Rule = "unknown_age_loss"
	RuleLossMaxHold       Rule = "loss_max_hold"
	RuleLossGrace         Rule = "loss_grace"
	RuleHoldCeiling       Rule = "hold_ceiling"
	RuleManualLiquidation Rule = "manual_liquidation"
)

// Config holds exit thresholds. Percentages are signed P&L percentages of the
// entry price: stops are negative, tiers positive. A zero value disables the
// rule, except CatastrophicStopPct which is required.
type Config struct {
	CatastrophicStopPct float64
	ProfitTiersPct      []float64
	PrimaryStopPct      float64
	LossGrace           time.Duration
	LossMaxHold         time.Duration
	MaxHold             time.Duration
}

// DefaultConfig returns the thresholds used when the config file omits them.
func DefaultConfig() Config {
	return Config{
		CatastrophicStopPct: -5,
		ProfitTiersPct:      []float64{3, 2, 1, 0.5},
		PrimaryStopPct:      -1,
		LossGrace:           5 * time.Minute,
		LossMaxHold:         30 * time.Minute,
		MaxHold:             10 * time.Hour,
	}
}

// Validate reports every inconsistent threshold.
func (c Config) Validate() error {
	var errs []error
	if c.CatastrophicStopPct >= 0 {
		errs = append(errs, fmt.Errorf("catastrophic_stop_pct must be negative, got %v", c.CatastrophicStopPct))
	}
	if c.PrimaryStopPct > 0 {
		errs = append(errs, fmt.Errorf("primary_stop_pct must be negative or zero, got %v", c.PrimaryStopPct))
	}
	if c.PrimaryStopPct != 0 && c.PrimaryStopPct <= c.CatastrophicStopPct {
		errs = append(errs, fmt.Errorf("primary_stop_pct %v must be above catastrophic_stop_pct %v",
			c.PrimaryStopPct, c.CatastrophicStopPct))
	}
	for _, t := range c.ProfitTiersPct {
		if t <= 0 {
			errs = append(errs, fmt.Errorf("profit tier %v must be positive", t))
		}
	}
	if c.LossGrace < 0 || c.LossMaxHold < 0 || c.MaxHold < 0 {
		errs = append(errs, errors.New("hold durations must not be negative"))
	}
	if c.LossGrace > 0 && c.LossMaxHold > 0 && c.LossGrace >= c.LossMaxHold {
		errs = append(errs, fmt.Errorf("loss_grace %s must be shorter than loss_max_hold %s", c.LossGrace, c.LossMaxHold))
	}
	if len(errs) > 0 {
		return fmt.Errorf("exits: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// CloseInstruction tells the gateway to sell (or buy back) a whole position.
type CloseInstruction struct {
	Symbol   string
	Side     domain.OrderSide
	Quantity float64
	Rule     Rule
	Tier     float64 // profit tier that fired, zero for other rules
	PnLPct   float64
	Mark     float64
	Reason   string
}

// Warning is a non-closing observation, such as a loser past its grace
// window.
type Warning struct {
	Symbol string
	Rule   Rule
	PnLPct float64
	Age    time.Duration
	Reason string
}

// Decision is the result of one evaluation.
type Decision struct {
	Closes   []CloseInstruction
	Warnings []Warning
	Unpriced []string // open positions with no usable mark
}

// Engine evaluates exit rules.
type Engine struct {
	cfg   Config
	tiers []float64 // descending
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tiers := append([]float64(nil), cfg.ProfitTiersPct...)
	sort.Sort(sort.Reverse(sort.Float64Slice(tiers)))
	return &Engine{cfg: cfg, tiers: tiers}, nil
}

// Config returns the engine's thresholds.
func (e *Engine) Config() Config { return e.cfg }

// Evaluate applies the rules to every open position, first match wins:
// catastrophic stop, profit tiers from the highest, primary stop, the
// time-bounded loss policy, then the absolute hold ceiling. Positions already
// closing are skipped. Catastrophic closes are ordered first.
func (e *Engine) Evaluate(positions []domain.Position, marks map[string]float64, now time.Time) Decision {
	var d Decision
	for _, p := range positions {
		if p.Status != domain.PositionStatusOpen || p.Quantity <= 0 {
			continue
		}
		mark, ok := marks[p.Symbol]
		if !ok || !domain.PositiveFinite(mark) {
			d.Unpriced = append(d.Unpriced, p.Symbol)
			continue
		}
		c, warn := e.evaluate(p, mark, now)
		if c != nil {
			d.Closes = append(d.Closes, *c)
		}
		if warn != nil {
			d.Warnings = append(d.Warnings, *warn)
		}
	}
	sort.SliceStable(d.Closes, func(i, j int) bool {
		return d.Closes[i].Rule == RuleCatastrophicStop && d.Closes[j].Rule != RuleCatastrophicStop
	})
	return d
}

func (e *Engine) evaluate(p domain.Position, mark float64, now time.Time) (*CloseInstruction, *Warning) {
	pnl := p.PnLPct(mark)
	closeWith := func(rule Rule, tier float64, reason string) *CloseInstruction {
		return &CloseInstruction{
			Symbol:   p.Symbol,
			Side:     p.CloseSide(),
			Quantity: p.Quantity,
			Rule:     rule,
			Tier:     tier,
			PnLPct:   pnl,
			Mark:     mark,
			Reason:   reason,
		}
	}

	if pnl <= e.cfg.CatastrophicStopPct {
		return closeWith(RuleCatastrophicStop, 0,
			fmt.Sprintf("pnl %.3f%% <= catastrophic stop %.3f%%", pnl, e.cfg.CatastrophicStopPct)), nil
	}

	for _, tier := range e.tiers {
		if pnl >= tier {
			return closeWith(RuleProfitTier, tier,
				fmt.Sprintf("pnl %.3f%% reached tier %.3f%%", pnl, tier)), nil
		}
	}

	if e.cfg.PrimaryStopPct < 0 && pnl <= e.cfg.PrimaryStopPct {
		return closeWith(RulePrimaryStop, 0,
			fmt.Sprintf("pnl %.3f%% <= stop %.3f%%", pnl, e.cfg.PrimaryStopPct)), nil
	}

	var warn *Warning
	if pnl < 0 {
		age, known := p.Age(now)
		switch {
		case !known:
			return closeWith(RuleUnknownAgeLoss, 0,
				fmt.Sprintf("pnl %.3f%% with unknown hold time", pnl)), nil
		case e.cfg.LossMaxHold > 0 && age >= e.cfg.LossMaxHold:
			return closeWith(RuleLossMaxHold, 0,
				fmt.Sprintf("pnl %.3f%% held %s >= %s", pnl, age.Round(time.Second), e.cfg.LossMaxHold)), nil
		case e.cfg.LossGrace > 0 && age >= e.cfg.LossGrace:
			warn = &Warning{
				Symbol: p.Symbol,
				Rule:   RuleLossGrace,
				PnLPct: pnl,
				Age:    age,
				Reason: fmt.Sprintf("losing position held %s past grace %s", age.Round(time.Second), e.cfg.LossGrace),
			}
		}
	}

	if e.cfg.MaxHold > 0 {
		age, known := holdAge(p, now)
		if !known {
			return closeWith(RuleHoldCeiling, 0, "hold time unknown"), warn
		}
		if age >= e.cfg.MaxHold {
			return closeWith(RuleHoldCeiling, 0,
				fmt.Sprintf("held %s >= ceiling %s", age.Round(time.Second), e.cfg.MaxHold)), warn
		}
	}
	return nil, warn
}

// holdAge measures from the opening time, or from adoption when the opening
// time is unknown.
func holdAge(p domain.Position, now time.Time) (time.Duration, bool) {
	if age, ok := p.Age(now); ok {
		return age, true
	}
	if p.AdoptedAt != nil {
		return now.Sub(*p.AdoptedAt), true
	}
	return 0, false
}

// LiquidateAll returns a close for every open or closing position. Marks are
// informational and may be missing.
func (e *Engine) LiquidateAll(positions []domain.Position, marks map[string]float64, reason string) []CloseInstruction {
	out := make([]CloseInstruction, 0, len(positions))
	for _, p := range positions {
		if p.Quantity <= 0 || p.Status == domain.PositionStatusClosed {
			continue
		}
		mark := marks[p.Symbol]
		var pnl float64
		if domain.PositiveFinite(mark) {
			pnl = p.PnLPct(mark)
		}
		out = append(out, CloseInstruction{
			Symbol:   p.Symbol,
			Side:     p.CloseSide(),
			Quantity: p.Quantity,
			Rule:     RuleManualLiquidation,
			PnLPct:   pnl,
			Mark:     mark,
			Reason:   reason,
		})
	}
	return out
}
