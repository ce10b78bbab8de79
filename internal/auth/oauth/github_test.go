package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newGitHubTestServer(t *testing.T, profile string, emails string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(profile))
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		if emails == "" {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(emails))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func githubToken() *oauth2.Token {
	return &oauth2.Token{AccessToken: "gho_test", TokenType: "bearer"}
}

func TestGitHubFetchUserWithProfileEmail(t *testing.T) {
	server := newGitHubTestServer(t,
		`{"id": 583231, "login": "octocat", "name": "The Octocat", "email": "Octocat@GitHub.com", "avatar_url": "https://avatars.test/u/583231"}`,
		"")

	provider := NewGitHubProvider(GitHubConfig{ClientID: "id", ClientSecret: "secret", APIBaseURL: server.URL})

	details, err := provider.FetchUser(context.Background(), githubToken())
	require.NoError(t, err)

	require.Equal(t, "583231", details.ExternalID)
	require.Equal(t, "octocat@github.com", details.Email)
	require.Equal(t, "The Octocat", details.Name)
	require.Equal(t, "https://avatars.test/u/583231", details.AvatarURL)
}

func TestGitHubFetchUserFallsBackToEmailListing(t *testing.T) {
	server := newGitHubTestServer(t,
		`{"id": 1, "login": "ghost", "name": "", "email": null}`,
		`[{"email": "secondary@example.com", "primary": false, "verified": true},
		  {"email": "primary@example.com", "primary": true, "verified": true}]`)

	provider := NewGitHubProvider(GitHubConfig{APIBaseURL: server.URL})

	details, err := provider.FetchUser(context.Background(), githubToken())
	require.NoError(t, err)

	require.Equal(t, "primary@example.com", details.Email)
	require.Equal(t, "ghost", details.Name, "login fills in a missing display name")
}

func TestGitHubFetchUserPlaceholderEmail(t *testing.T) {
	server := newGitHubTestServer(t,
		`{"id": 2, "login": "hidden", "email": null}`,
		`[]`)

	provider := NewGitHubProvider(GitHubConfig{APIBaseURL: server.URL})

	details, err := provider.FetchUser(context.Background(), githubToken())
	require.NoError(t, err)

	require.Equal(t, "hidden@users.noreply.github.com", details.Email)
}

func TestGitHubFetchUserProfileError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	provider := NewGitHubProvider(GitHubConfig{APIBaseURL: server.URL})

	_, err := provider.FetchUser(context.Background(), githubToken())
	require.Error(t, err)
}

func TestGoogleFetchUser(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub": "1089", "email": "Jane@Gmail.com", "name": "Jane Doe", "picture": "https://photos.test/jane"}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	provider := NewGoogleProvider(GoogleConfig{UserInfoURL: server.URL + "/userinfo"})

	details, err := provider.FetchUser(context.Background(), githubToken())
	require.NoError(t, err)

	require.Equal(t, "1089", details.ExternalID)
	require.Equal(t, "jane@gmail.com", details.Email)
	require.Equal(t, "Jane Doe", details.Name)
	require.Equal(t, "https://photos.test/jane", details.AvatarURL)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	provider := NewGitHubProvider(GitHubConfig{})

	require.NoError(t, registry.Register(provider))
	require.ErrorIs(t, registry.Register(provider), ErrProviderExists)
	require.Equal(t, []string{"github"}, registry.Names())
}
