package oauth

import (
	"context"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	apperrors "github.com/zovohq/zovo/pkg/errors"
)

const googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// GoogleConfig configures the Google provider.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// UserInfoURL overrides the userinfo endpoint. Used by tests.
	UserInfoURL string
}

// GoogleProvider authenticates against Google with the standard OpenID
// Connect scopes.
type GoogleProvider struct {
	oauth       *oauth2.Config
	userInfoURL string
}

// NewGoogleProvider builds a Google provider from client credentials.
func NewGoogleProvider(cfg GoogleConfig) *GoogleProvider {
	userInfoURL := strings.TrimSpace(cfg.UserInfoURL)
	if userInfoURL == "" {
		userInfoURL = googleUserInfoURL
	}

	return &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		userInfoURL: userInfoURL,
	}
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, apperrors.ErrProviderExchangeFailed.WithInternal(err)
	}
	return token, nil
}

type googleProfile struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

func (p *GoogleProvider) FetchUser(ctx context.Context, token *oauth2.Token) (*UserDetails, error) {
	client := p.oauth.Client(ctx, token)

	var profile googleProfile
	if err := getJSON(ctx, client, p.userInfoURL, &profile); err != nil {
		return nil, apperrors.ErrProviderExchangeFailed.WithInternal(err)
	}

	return &UserDetails{
		ExternalID: profile.Sub,
		Email:      strings.ToLower(strings.TrimSpace(profile.Email)),
		Name:       strings.TrimSpace(profile.Name),
		AvatarURL:  profile.Picture,
	}, nil
}
