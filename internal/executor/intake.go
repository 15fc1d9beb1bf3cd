package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/posengine/internal/domain"
)

// proposalMessage is the wire shape of an entry proposal on the bus.
type proposalMessage struct {
	ID       string  `json:"id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Strength float64 `json:"strength"`
	Source   string  `json:"source"`
}

// DecodeProposal parses a bus or HTTP payload into a proposal for scope.
func DecodeProposal(scope string, data []byte) (domain.EntryProposal, error) {
	var m proposalMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.EntryProposal{}, fmt.Errorf("executor: decode proposal: %w", err)
	}
	if m.Symbol == "" {
		return domain.EntryProposal{}, fmt.Errorf("executor: proposal without symbol: %w", domain.ErrInvalidOrder)
	}
	side := domain.PositionSide(m.Side)
	switch side {
	case "":
		side = domain.PositionSideLong
	case domain.PositionSideLong, domain.PositionSideShort:
	default:
		return domain.EntryProposal{}, fmt.Errorf("executor: proposal side %q: %w", m.Side, domain.ErrInvalidOrder)
	}
	return domain.EntryProposal{
		ID:       m.ID,
		Scope:    scope,
		Symbol:   m.Symbol,
		Side:     side,
		Strength: m.Strength,
		Source:   m.Source,
	}, nil
}

// ConsumeProposals feeds proposals published on the scope's entry channel
// into the supervisor until ctx is cancelled.
func ConsumeProposals(ctx context.Context, bus domain.SignalBus, sup *Supervisor, logger *slog.Logger) error {
	channel := domain.EntryChannel(sup.Scope())
	msgs, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("executor: subscribe %s: %w", channel, err)
	}
	logger.Info("executor: consuming entry proposals", slog.String("channel", channel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgs:
			if !ok {
				return nil
			}
			p, err := DecodeProposal(sup.Scope(), data)
			if err != nil {
				logger.Warn("executor: dropping malformed proposal",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			sup.Propose(p)
		}
	}
}
