package postgres

import (
	"testing"
	"time"

	"github.com/alanyoungcy/posengine/internal/domain"
)

func TestListClause(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)

	tests := []struct {
		name      string
		opts      domain.ListOpts
		wantQuery string
		wantArgs  int
	}{
		{
			name:      "no options",
			opts:      domain.ListOpts{},
			wantQuery: "SELECT x WHERE scope = $1 ORDER BY created_at DESC",
			wantArgs:  1,
		},
		{
			name:      "all options",
			opts:      domain.ListOpts{Since: &since, Until: &until, Limit: 10, Offset: 20},
			wantQuery: "SELECT x WHERE scope = $1 AND created_at >= $2 AND created_at < $3 ORDER BY created_at DESC LIMIT $4 OFFSET $5",
			wantArgs:  5,
		},
		{
			name:      "limit only",
			opts:      domain.ListOpts{Limit: 5},
			wantQuery: "SELECT x WHERE scope = $1 ORDER BY created_at DESC LIMIT $2",
			wantArgs:  2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, args := listClause("SELECT x WHERE scope = $1", []any{"alpha"}, "created_at", tt.opts)
			if q != tt.wantQuery {
				t.Errorf("query = %q\nwant    %q", q, tt.wantQuery)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("len(args) = %d, want %d", len(args), tt.wantArgs)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	got := DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "engine"})
	want := "postgres://u:p@db:5432/engine?sslmode=disable"
	if got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
	if got := DSN(ClientConfig{DSN: "postgres://x"}); got != "postgres://x" {
		t.Errorf("explicit DSN = %q", got)
	}
}
