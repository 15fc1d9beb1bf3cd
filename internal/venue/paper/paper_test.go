package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/alanyoungcy/posengine/internal/domain"
)

func newVenue() *Venue {
	return New(Config{Cash: 1000, Marks: map[string]float64{"BTC": 100, "ETH": 20}})
}

func TestBuyThenSell(t *testing.T) {
	ctx := context.Background()
	v := newVenue()

	res, err := v.SubmitOrder(ctx, domain.SubmitRequest{Symbol: "BTC", Side: domain.OrderSideBuy, Size: 250, SizeType: domain.SizeTypeNotional, Token: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.OrderID == "" || res.FillPrice != 100 || res.FillQuantity != 2.5 {
		t.Fatalf("result = %+v", res)
	}

	bal, err := v.GetBalance(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if bal.Available != 750 || bal.LockedInPositions != 250 || bal.TotalEquity != 1000 {
		t.Fatalf("balance = %+v", bal)
	}

	v.SetMark("BTC", 110)
	if _, err := v.SubmitOrder(ctx, domain.SubmitRequest{Symbol: "BTC", Side: domain.OrderSideSell, Size: 2.5, SizeType: domain.SizeTypeBaseQuantity, Token: 2}); err != nil {
		t.Fatal(err)
	}
	h, _ := v.GetHoldings(ctx)
	if len(h) != 0 {
		t.Fatalf("holdings = %+v, want none", h)
	}
	bal, _ = v.GetBalance(ctx)
	if bal.Available != 1025 {
		t.Fatalf("available = %v, want 1025", bal.Available)
	}
}

func TestSubmitRefusals(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		req  domain.SubmitRequest
		want error
	}{
		{"stale token", domain.SubmitRequest{Symbol: "BTC", Side: domain.OrderSideBuy, Size: 1, SizeType: domain.SizeTypeNotional, Token: 5}, domain.ErrStaleToken},
		{"unknown symbol", domain.SubmitRequest{Symbol: "DOGE", Side: domain.OrderSideBuy, Size: 1, SizeType: domain.SizeTypeNotional, Token: 11}, domain.ErrUnsupportedSymbol},
		{"insufficient cash", domain.SubmitRequest{Symbol: "BTC", Side: domain.OrderSideBuy, Size: 5000, SizeType: domain.SizeTypeNotional, Token: 12}, domain.ErrOrderRejected},
		{"sell more than held", domain.SubmitRequest{Symbol: "ETH", Side: domain.OrderSideSell, Size: 1, SizeType: domain.SizeTypeBaseQuantity, Token: 13}, domain.ErrOrderRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newVenue()
			v.lastToken = 10
			if _, err := v.SubmitOrder(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestInjectedFailures(t *testing.T) {
	ctx := context.Background()
	v := newVenue()
	boom := errors.New("503")

	v.Fail(OpBalance, boom, 2)
	for i := 0; i < 2; i++ {
		if _, err := v.GetBalance(ctx); !errors.Is(err, boom) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if _, err := v.GetBalance(ctx); err != nil {
		t.Fatalf("fault outlived its count: %v", err)
	}

	v.LoseResponses(boom, 1)
	if _, err := v.SubmitOrder(ctx, domain.SubmitRequest{Symbol: "ETH", Side: domain.OrderSideBuy, Size: 40, SizeType: domain.SizeTypeNotional, Token: 1}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	h, _ := v.GetHoldings(ctx)
	if len(h) != 1 || h[0].Symbol != "ETH" || h[0].Quantity != 2 || h[0].NotionalValue != 40 {
		t.Fatalf("holdings after lost response = %+v", h)
	}
}
