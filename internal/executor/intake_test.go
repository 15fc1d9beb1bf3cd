package executor

import (
	"errors"
	"testing"

	"github.com/alanyoungcy/posengine/internal/domain"
)

func TestDecodeProposal(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		side    domain.PositionSide
		wantErr bool
	}{
		{name: "default long", in: `{"id":"1","symbol":"BTC","strength":0.8}`, side: domain.PositionSideLong},
		{name: "short", in: `{"symbol":"BTC","side":"short"}`, side: domain.PositionSideShort},
		{name: "bad side", in: `{"symbol":"BTC","side":"up"}`, wantErr: true},
		{name: "no symbol", in: `{"side":"long"}`, wantErr: true},
		{name: "not json", in: `nope`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodeProposal("master", []byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("want error, got %+v", p)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.Side != tt.side || p.Scope != "master" || p.Symbol != "BTC" {
				t.Fatalf("proposal = %+v", p)
			}
		})
	}

	_, err := DecodeProposal("master", []byte(`{"symbol":"BTC","side":"up"}`))
	if !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("err = %v, want ErrInvalidOrder", err)
	}
}
