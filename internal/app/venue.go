package app

import (
	"fmt"

	"github.com/alanyoungcy/posengine/internal/config"
	"github.com/alanyoungcy/posengine/internal/crypto"
	"github.com/alanyoungcy/posengine/internal/domain"
	"github.com/alanyoungcy/posengine/internal/venue/paper"
	"github.com/alanyoungcy/posengine/internal/venue/rest"
)

// newVenue builds the venue adapter for one [[venues]] entry. API secrets
// come from the config value or a file sealed with crypto.EncryptSecret.
func newVenue(vc config.VenueConfig) (domain.Venue, error) {
	switch vc.Kind {
	case "paper":
		return paper.New(paper.Config{
			Name:        vc.Name,
			Cash:        vc.Paper.Cash,
			Marks:       vc.Paper.Marks,
			Holdings:    vc.Paper.Holdings,
			SlippageBps: vc.Paper.SlippageBps,
		}), nil

	case "rest":
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			Raw:           vc.APISecret,
			EncryptedPath: vc.SecretPath,
			Password:      vc.SecretPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", vc.Name, err)
		}
		return rest.NewClient(rest.Config{
			Name:    vc.Name,
			BaseURL: vc.BaseURL,
			Symbols: vc.Symbols,
			Timeout: vc.Timeout.Duration,
		}, &crypto.HMACAuth{Key: vc.APIKey, Secret: secret}), nil

	default:
		return nil, fmt.Errorf("venue %s: unknown kind %q", vc.Name, vc.Kind)
	}
}
