// Package paper is an in-memory venue that fills every order at the current
// mark. It supports failure injection so the engine's degraded paths can be
// exercised without a live exchange.
package paper

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/posengine/internal/domain"
)

// Op names an injectable venue call.
type Op string

const (
	OpSubmit   Op = "submit"
	OpBalance  Op = "balance"
	OpHoldings Op = "holdings"
	OpMarks    Op = "marks"
)

// Config seeds a simulator.
type Config struct {
	Name        string
	Cash        float64            // starting quote balance
	Marks       map[string]float64 // starting mark per symbol
	Holdings    map[string]float64 // pre-existing units per symbol
	SlippageBps float64            // applied against the taker on every fill
}

type fault struct {
	err       error
	remaining int
	// lost applies the fill but still fails the call, as when the response
	// to a completed order never reaches the caller.
	lost bool
}

// Venue is the simulator. It is safe for concurrent use.
type Venue struct {
	name     string
	slippage decimal.Decimal
	now      func() time.Time

	mu        sync.Mutex
	cash      decimal.Decimal
	marks     map[string]float64
	holdings  map[string]decimal.Decimal
	lastToken uint64
	seq       int
	faults    map[Op]*fault
}

// New creates a simulator from cfg.
func New(cfg Config) *Venue {
	name := cfg.Name
	if name == "" {
		name = "paper"
	}
	v := &Venue{
		name:     name,
		slippage: decimal.NewFromFloat(cfg.SlippageBps).Div(decimal.NewFromInt(10000)),
		now:      time.Now,
		cash:     decimal.NewFromFloat(cfg.Cash),
		marks:    make(map[string]float64, len(cfg.Marks)),
		holdings: make(map[string]decimal.Decimal, len(cfg.Holdings)),
		faults:   make(map[Op]*fault),
	}
	for sym, p := range cfg.Marks {
		v.marks[sym] = p
	}
	for sym, q := range cfg.Holdings {
		v.holdings[sym] = decimal.NewFromFloat(q)
	}
	return v
}

// WithClock replaces the wall clock used for balance timestamps.
func (v *Venue) WithClock(now func() time.Time) *Venue {
	v.now = now
	return v
}

// Name implements domain.Venue.
func (v *Venue) Name() string { return v.name }

// Supports reports whether a mark exists for symbol.
func (v *Venue) Supports(symbol string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.marks[symbol]
	return ok
}

// SetMark moves the price of symbol.
func (v *Venue) SetMark(symbol string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[symbol] = price
}

// SetHolding overrides the units held of symbol, as an out-of-band trade would.
func (v *Venue) SetHolding(symbol string, qty float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if qty <= 0 {
		delete(v.holdings, symbol)
		return
	}
	v.holdings[symbol] = decimal.NewFromFloat(qty)
}

// Fail makes the next n calls of op return err.
func (v *Venue) Fail(op Op, err error, n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faults[op] = &fault{err: err, remaining: n}
}

// LoseResponses makes the next n submissions fill but return err.
func (v *Venue) LoseResponses(err error, n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faults[OpSubmit] = &fault{err: err, remaining: n, lost: true}
}

// takeFault consumes one injected failure for op. Callers hold mu.
func (v *Venue) takeFault(op Op) *fault {
	f, ok := v.faults[op]
	if !ok || f.remaining <= 0 {
		return nil
	}
	f.remaining--
	if f.remaining == 0 {
		delete(v.faults, op)
	}
	return f
}

// SubmitOrder fills req at the current mark. Tokens must strictly increase.
func (v *Venue) SubmitOrder(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.SubmitResult{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	f := v.takeFault(OpSubmit)
	if f != nil && !f.lost {
		return domain.SubmitResult{}, f.err
	}

	if req.Token <= v.lastToken {
		return domain.SubmitResult{}, fmt.Errorf("paper: token %d not above %d: %w", req.Token, v.lastToken, domain.ErrStaleToken)
	}
	v.lastToken = req.Token

	mark, ok := v.marks[req.Symbol]
	if !ok || mark <= 0 {
		return domain.SubmitResult{}, fmt.Errorf("paper: %s: %w", req.Symbol, domain.ErrUnsupportedSymbol)
	}

	price := decimal.NewFromFloat(mark)
	if req.Side == domain.OrderSideBuy {
		price = price.Mul(decimal.NewFromInt(1).Add(v.slippage))
	} else {
		price = price.Mul(decimal.NewFromInt(1).Sub(v.slippage))
	}

	size := decimal.NewFromFloat(req.Size)
	qty := size
	if req.SizeType == domain.SizeTypeNotional {
		qty = size.DivRound(price, 12)
	}
	cost := qty.Mul(price)
	held := v.holdings[req.Symbol]

	switch req.Side {
	case domain.OrderSideBuy:
		if cost.GreaterThan(v.cash) {
			return domain.SubmitResult{}, fmt.Errorf("paper: need %s have %s: %w",
				cost.StringFixed(2), v.cash.StringFixed(2), domain.ErrOrderRejected)
		}
		v.cash = v.cash.Sub(cost)
		v.holdings[req.Symbol] = held.Add(qty)
	case domain.OrderSideSell:
		if qty.GreaterThan(held) {
			return domain.SubmitResult{}, fmt.Errorf("paper: sell %s %s holding %s: %w",
				qty.String(), req.Symbol, held.String(), domain.ErrOrderRejected)
		}
		v.cash = v.cash.Add(cost)
		if left := held.Sub(qty); left.IsPositive() {
			v.holdings[req.Symbol] = left
		} else {
			delete(v.holdings, req.Symbol)
		}
	default:
		return domain.SubmitResult{}, fmt.Errorf("paper: side %q: %w", req.Side, domain.ErrInvalidOrder)
	}

	v.seq++
	res := domain.SubmitResult{
		OrderID:      "paper-" + strconv.Itoa(v.seq),
		FillPrice:    price.InexactFloat64(),
		FillQuantity: qty.InexactFloat64(),
	}
	if f != nil {
		return domain.SubmitResult{}, f.err
	}
	return res, nil
}

// GetBalance implements domain.Venue.
func (v *Venue) GetBalance(ctx context.Context) (domain.BalanceSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.BalanceSnapshot{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if f := v.takeFault(OpBalance); f != nil {
		return domain.BalanceSnapshot{}, f.err
	}

	locked := decimal.Zero
	for sym, qty := range v.holdings {
		locked = locked.Add(qty.Mul(decimal.NewFromFloat(v.marks[sym])))
	}
	return domain.BalanceSnapshot{
		TotalEquity:       v.cash.Add(locked).InexactFloat64(),
		Available:         v.cash.InexactFloat64(),
		LockedInPositions: locked.InexactFloat64(),
		CapturedAt:        v.now().UTC(),
	}, nil
}

// GetHoldings returns every non-zero holding valued at its mark, by symbol.
func (v *Venue) GetHoldings(ctx context.Context) ([]domain.Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if f := v.takeFault(OpHoldings); f != nil {
		return nil, f.err
	}

	out := make([]domain.Holding, 0, len(v.holdings))
	for sym, qty := range v.holdings {
		out = append(out, domain.Holding{
			Symbol:        sym,
			Quantity:      qty.InexactFloat64(),
			NotionalValue: qty.Mul(decimal.NewFromFloat(v.marks[sym])).InexactFloat64(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Marks implements domain.MarkSource.
func (v *Venue) Marks(ctx context.Context, symbols []string) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if f := v.takeFault(OpMarks); f != nil {
		return nil, f.err
	}
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := v.marks[s]; ok && p > 0 {
			out[s] = p
		}
	}
	return out, nil
}

// CancelAll implements domain.OrderCanceller. Paper orders never rest.
func (v *Venue) CancelAll(context.Context) (int, error) { return 0, nil }
