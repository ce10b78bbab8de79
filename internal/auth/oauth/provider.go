package oauth

import (
	"context"

	"golang.org/x/oauth2"
)

// UserDetails is the provider-neutral identity extracted from an upstream
// profile. ExternalID is the provider's stable subject identifier; emails may
// be placeholders when the provider hides the real address.
type UserDetails struct {
	ExternalID string
	Email      string
	Name       string
	AvatarURL  string
}

// Provider adapts one upstream OAuth2 identity provider. Implementations own
// their endpoint specifics and profile parsing; the manager stays generic.
type Provider interface {
	// Name returns the stable lowercase provider key used in routes and
	// stored link rows.
	Name() string
	// AuthCodeURL builds the upstream authorization redirect for a state.
	AuthCodeURL(state string) string
	// Exchange swaps an authorization code for a token.
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	// FetchUser loads the authenticated user's profile with the token.
	FetchUser(ctx context.Context, token *oauth2.Token) (*UserDetails, error)
}
