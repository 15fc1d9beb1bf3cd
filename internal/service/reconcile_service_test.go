package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/exits"
)

func newReconciler(t *testing.T, v *scriptedVenue, ledger *PositionService, gateway *OrderService) *ReconcileService {
	t.Helper()
	engine, err := exits.New(exits.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	return NewReconcileService("master", v, ledger, gateway, engine, ReconcileConfig{
		DustNotional:  1,
		IgnoreSymbols: []string{"USD"},
		Timeout:       time.Second,
		Retry:         fastRetry(2),
	}, nil, testLogger())
}

func TestReconcilePurgesAdoptsAndIgnoresDust(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newLoadedLedger(t, newMemLedger(), clock)
	if _, err := ledger.OpenOrAdd(ctx, "X", domain.PositionSideLong, 10, 1, clock.Now()); err != nil {
		t.Fatal(err)
	}
	v := &scriptedVenue{holdings: []domain.Holding{
		{Symbol: "Y", Quantity: 2, NotionalValue: 50},
		{Symbol: "Z", Quantity: 100, NotionalValue: 0.40},
		{Symbol: "USD", Quantity: 1000, NotionalValue: 1000},
	}}
	r := newReconciler(t, v, ledger, nil)

	report, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.Purged) != 1 || report.Purged[0] != "X" {
		t.Fatalf("purged = %v, want [X]", report.Purged)
	}
	if len(report.Adopted) != 1 || report.Adopted[0] != "Y" {
		t.Fatalf("adopted = %v, want [Y]", report.Adopted)
	}
	if len(report.Dust) != 1 || report.Dust[0] != "Z" {
		t.Fatalf("dust = %v, want [Z]", report.Dust)
	}

	snap := ledger.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("ledger = %+v, want only Y", snap)
	}
	y := snap[0]
	if y.Symbol != "Y" || y.Origin != domain.OriginAdoptedUnknownAge || y.EntryPrice != 25 || y.OpenedAt != nil {
		t.Fatalf("adopted position = %+v", y)
	}

	// The adopted loser is closed at the next evaluation.
	engine, _ := exits.New(exits.DefaultConfig())
	d := engine.Evaluate(snap, map[string]float64{"Y": 24.9}, clock.Now())
	if len(d.Closes) != 1 || d.Closes[0].Rule != exits.RuleUnknownAgeLoss {
		t.Fatalf("closes = %+v, want unknown-age loss exit", d.Closes)
	}
}

func TestReconcileSyncsDriftedQuantity(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newLoadedLedger(t, newMemLedger(), clock)
	if _, err := ledger.OpenOrAdd(ctx, "BTC", domain.PositionSideLong, 100, 2, clock.Now()); err != nil {
		t.Fatal(err)
	}
	v := &scriptedVenue{holdings: []domain.Holding{{Symbol: "BTC", Quantity: 1.5, NotionalValue: 150}}}
	r := newReconciler(t, v, ledger, nil)

	report, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Synced) != 1 {
		t.Fatalf("synced = %v", report.Synced)
	}
	p, _ := ledger.Get("BTC")
	if p.Quantity != 1.5 || p.EntryPrice != 100 {
		t.Fatalf("position = %+v", p)
	}

	// Drift inside the dust tolerance is left alone.
	v.holdings = []domain.Holding{{Symbol: "BTC", Quantity: 1.505, NotionalValue: 150.5}}
	report, err = r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Changed() {
		t.Fatalf("report = %+v, want no change", report)
	}
}

func TestReconcileHoldingsFailureLeavesLedger(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newLoadedLedger(t, newMemLedger(), clock)
	if _, err := ledger.OpenOrAdd(ctx, "BTC", domain.PositionSideLong, 100, 1, clock.Now()); err != nil {
		t.Fatal(err)
	}
	v := &scriptedVenue{holdingsErr: errors.New("502")}
	r := newReconciler(t, v, ledger, nil)

	if _, err := r.Reconcile(ctx); err == nil {
		t.Fatal("expected error")
	}
	if ledger.Len() != 1 {
		t.Fatal("ledger changed without venue data")
	}
}

func TestReconcileWaitsForInFlightFill(t *testing.T) {
	ctx := context.Background()
	f := newGateway(t, newMemLedger())
	entered := make(chan struct{})
	release := make(chan struct{})
	f.venue.holdingsEntered, f.venue.holdingsRelease = entered, release
	r := newReconciler(t, f.venue, f.ledger, f.gateway)

	type pass struct {
		report Report
		err    error
	}
	passDone := make(chan pass, 1)
	go func() {
		report, err := r.Reconcile(ctx)
		passDone <- pass{report, err}
	}()
	<-entered

	// The venue fills this order after it already computed the holdings
	// answer the pass is waiting for.
	f.venue.reply(domain.SubmitResult{OrderID: "v1", FillPrice: 100, FillQuantity: 1}, nil)
	submitDone := make(chan error, 1)
	go func() {
		_, err := f.gateway.Submit(ctx, buyBTC())
		submitDone <- err
	}()

	select {
	case err := <-submitDone:
		close(release)
		t.Fatalf("order settled during a reconciliation pass (err %v)", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	res := <-passDone
	if res.err != nil {
		t.Fatalf("Reconcile: %v", res.err)
	}
	if len(res.report.Purged) != 0 {
		t.Fatalf("purged = %v, want none", res.report.Purged)
	}
	if err := <-submitDone; err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if p, ok := f.ledger.Get("BTC"); !ok || p.Quantity != 1 || p.EntryPrice != 100 {
		t.Fatalf("BTC = %+v ok %v, want the confirmed fill", p, ok)
	}
}

func TestReconcileRejectsNonFiniteHoldings(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newLoadedLedger(t, newMemLedger(), clock)
	if _, err := ledger.OpenOrAdd(ctx, "BTC", domain.PositionSideLong, 100, 1, clock.Now()); err != nil {
		t.Fatal(err)
	}
	for _, h := range []domain.Holding{
		{Symbol: "BTC", Quantity: math.NaN(), NotionalValue: 100},
		{Symbol: "ETH", Quantity: 1, NotionalValue: math.Inf(1)},
	} {
		v := &scriptedVenue{holdings: []domain.Holding{h}}
		r := newReconciler(t, v, ledger, nil)
		if _, err := r.Reconcile(ctx); !errors.Is(err, domain.ErrCorruptState) {
			t.Fatalf("%s: err = %v, want ErrCorruptState", h.Symbol, err)
		}
		if snap := ledger.Snapshot(); len(snap) != 1 || snap[0].Symbol != "BTC" || snap[0].Quantity != 1 {
			t.Fatalf("ledger changed on bad holdings: %+v", snap)
		}
	}
}

func TestReconcileSkipsUnsupportedHoldings(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	ledger := newLoadedLedger(t, newMemLedger(), clock)
	v := &scriptedVenue{
		unsupported: map[string]bool{"LOCKED": true},
		holdings: []domain.Holding{
			{Symbol: "LOCKED", Quantity: 5, NotionalValue: 500},
		},
	}
	r := newReconciler(t, v, ledger, nil)
	report, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ledger.Len() != 0 || len(report.Adopted) != 0 {
		t.Fatalf("unsupported holding adopted: %+v", report)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	r := newReconciler(t, &scriptedVenue{}, newLoadedLedger(t, newMemLedger(), newClock()), nil)
	for i := 0; i < 5; i++ {
		r.Trigger()
	}
	if n := len(r.trigger); n != 1 {
		t.Fatalf("pending triggers = %d, want 1", n)
	}
}

func TestForceLiquidateAll(t *testing.T) {
	ctx := context.Background()
	f := newGateway(t, newMemLedger())
	f.venue.reply(domain.SubmitResult{OrderID: "a", FillPrice: 10, FillQuantity: 1}, nil)
	if _, err := f.gateway.Submit(ctx, buyBTC()); err != nil {
		t.Fatal(err)
	}
	eth := buyBTC()
	eth.Symbol = "ETH"
	f.venue.reply(domain.SubmitResult{OrderID: "b", FillPrice: 20, FillQuantity: 2}, nil)
	if _, err := f.gateway.Submit(ctx, eth); err != nil {
		t.Fatal(err)
	}

	f.venue.reply(domain.SubmitResult{OrderID: "c", FillPrice: 10}, nil)
	f.venue.reply(domain.SubmitResult{}, domain.ErrOrderRejected)

	r := newReconciler(t, f.venue, f.ledger, f.gateway)
	f.venue.holdings = []domain.Holding{{Symbol: "ETH", Quantity: 2, NotionalValue: 40}}

	orders, err := r.ForceLiquidateAll(ctx, "operator")
	if err == nil || !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("err = %v, want joined rejection", err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(orders))
	}
	sells := f.venue.submitted()[2:]
	var symbols []string
	for _, s := range sells {
		if s.Side != domain.OrderSideSell || s.SizeType != domain.SizeTypeBaseQuantity {
			t.Fatalf("close request = %+v", s)
		}
		symbols = append(symbols, s.Symbol)
	}
	sort.Strings(symbols)
	if len(symbols) != 2 || symbols[0] != "BTC" || symbols[1] != "ETH" {
		t.Fatalf("closed %v", symbols)
	}
	if _, ok := f.ledger.Get("BTC"); ok {
		t.Fatal("BTC still open after confirmed liquidation")
	}
	if _, ok := f.ledger.Get("ETH"); !ok {
		t.Fatal("ETH dropped although the venue still holds it")
	}
}

func TestForceLiquidateSkipsClosingPositions(t *testing.T) {
	ctx := context.Background()
	f := newGateway(t, newMemLedger())
	f.venue.reply(domain.SubmitResult{OrderID: "a", FillPrice: 10, FillQuantity: 1}, nil)
	if _, err := f.gateway.Submit(ctx, buyBTC()); err != nil {
		t.Fatal(err)
	}
	eth := buyBTC()
	eth.Symbol = "ETH"
	f.venue.reply(domain.SubmitResult{OrderID: "b", FillPrice: 20, FillQuantity: 2}, nil)
	if _, err := f.gateway.Submit(ctx, eth); err != nil {
		t.Fatal(err)
	}

	// An exit for BTC is already in flight.
	if err := f.ledger.ClaimClose(ctx, "BTC"); err != nil {
		t.Fatal(err)
	}
	f.venue.reply(domain.SubmitResult{OrderID: "c", FillPrice: 21}, nil)
	f.venue.holdings = []domain.Holding{{Symbol: "BTC", Quantity: 1, NotionalValue: 10}}

	r := newReconciler(t, f.venue, f.ledger, f.gateway)
	orders, err := r.ForceLiquidateAll(ctx, "operator")
	if err != nil {
		t.Fatalf("ForceLiquidateAll: %v", err)
	}
	if len(orders) != 1 || orders[0].Symbol != "ETH" {
		t.Fatalf("orders = %+v, want only the ETH close", orders)
	}
	sells := f.venue.submitted()[2:]
	if len(sells) != 1 || sells[0].Symbol != "ETH" {
		t.Fatalf("sells = %+v, BTC must not be sold twice", sells)
	}
	if p, ok := f.ledger.Get("BTC"); !ok || p.Status != domain.PositionStatusClosing {
		t.Fatalf("BTC = %+v ok %v, want untouched closing position", p, ok)
	}
}

func TestCancelAllOrders(t *testing.T) {
	v := &scriptedVenue{}
	r := newReconciler(t, v, newLoadedLedger(t, newMemLedger(), newClock()), nil)
	n, err := r.CancelAllOrders(context.Background())
	if err != nil || n != 3 || v.cancelled != 1 {
		t.Fatalf("cancel = %d %v (calls %d)", n, err, v.cancelled)
	}
}
