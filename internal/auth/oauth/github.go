package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	apperrors "github.com/zovohq/zovo/pkg/errors"
)

const githubAPIBaseURL = "https://api.github.com"

// GitHubConfig configures the GitHub provider.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// APIBaseURL overrides the GitHub API host. Used by tests.
	APIBaseURL string
}

// GitHubProvider authenticates against GitHub. GitHub keeps email addresses
// out of the profile for many accounts, so the adapter falls back to the
// email listing endpoint and finally to the noreply placeholder address.
type GitHubProvider struct {
	oauth      *oauth2.Config
	apiBaseURL string
}

// NewGitHubProvider builds a GitHub provider from client credentials.
func NewGitHubProvider(cfg GitHubConfig) *GitHubProvider {
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = githubAPIBaseURL
	}

	return &GitHubProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{"user:email", "read:user"},
			Endpoint:     github.Endpoint,
		},
		apiBaseURL: base,
	}
}

func (p *GitHubProvider) Name() string { return "github" }

func (p *GitHubProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

func (p *GitHubProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, apperrors.ErrProviderExchangeFailed.WithInternal(err)
	}
	return token, nil
}

type githubProfile struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (p *GitHubProvider) FetchUser(ctx context.Context, token *oauth2.Token) (*UserDetails, error) {
	client := p.oauth.Client(ctx, token)

	var profile githubProfile
	if err := getJSON(ctx, client, p.apiBaseURL+"/user", &profile); err != nil {
		return nil, apperrors.ErrProviderExchangeFailed.WithInternal(err)
	}

	email := strings.TrimSpace(profile.Email)
	if email == "" {
		email = p.primaryEmail(ctx, client)
	}
	if email == "" {
		email = fmt.Sprintf("%s@users.noreply.github.com", profile.Login)
	}

	name := strings.TrimSpace(profile.Name)
	if name == "" {
		name = profile.Login
	}

	return &UserDetails{
		ExternalID: strconv.FormatInt(profile.ID, 10),
		Email:      strings.ToLower(email),
		Name:       name,
		AvatarURL:  profile.AvatarURL,
	}, nil
}

// primaryEmail asks the email listing endpoint for the primary verified
// address. Failures degrade to the placeholder rather than aborting login.
func (p *GitHubProvider) primaryEmail(ctx context.Context, client *http.Client) string {
	var emails []githubEmail
	if err := getJSON(ctx, client, p.apiBaseURL+"/user/emails", &emails); err != nil {
		return ""
	}

	for _, candidate := range emails {
		if candidate.Primary && candidate.Verified {
			return candidate.Email
		}
	}
	for _, candidate := range emails {
		if candidate.Verified {
			return candidate.Email
		}
	}
	return ""
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("oauth: %s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
