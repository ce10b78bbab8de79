package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/zovohq/zovo/internal/api"
	iauth "github.com/zovohq/zovo/internal/auth"
	"github.com/zovohq/zovo/internal/auth/oauth"
	"github.com/zovohq/zovo/internal/auth/twofactor"
	"github.com/zovohq/zovo/internal/cache"
	sharedtestutil "github.com/zovohq/zovo/internal/database/testutil"
	"github.com/zovohq/zovo/internal/models"
	"github.com/zovohq/zovo/internal/ratelimit"
	"github.com/zovohq/zovo/internal/services"
	"github.com/zovohq/zovo/pkg/crypto"
	"github.com/zovohq/zovo/pkg/mail"
	"github.com/zovohq/zovo/pkg/response"
)

// RecordingMailer collects outbound messages instead of delivering them.
type RecordingMailer struct {
	mu       sync.Mutex
	Messages []mail.Message
}

func (m *RecordingMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, msg)
	return nil
}

// Last returns the most recent message, failing the test when none was sent.
func (m *RecordingMailer) Last(t *testing.T) mail.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.Messages, "expected at least one mail")
	return m.Messages[len(m.Messages)-1]
}

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T          *testing.T
	DB         *gorm.DB
	Router     *gin.Engine
	Store      *cache.MemoryStore
	Mailer     *RecordingMailer
	Registry   *oauth.Registry
	TwoFactor  *twofactor.Service
	Challenges *twofactor.ChallengeService
	Sessions   *iauth.SessionService
}

// NewEnv provisions a fresh handler test environment with migrations and seed data applied.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithSeedData())
	store := cache.NewMemoryStore()
	limiter := ratelimit.NewLimiter(store, ratelimit.Config{})

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret: "test-suite-super-secret-key-32-bytes!!",
		Issuer: "test-suite",
	})
	require.NoError(t, err)

	sessions, err := iauth.NewSessionService(db, jwtSvc, iauth.SessionConfig{})
	require.NoError(t, err)

	cipher, err := crypto.NewSecretCipher("handler-test-passphrase")
	require.NoError(t, err)

	twoFactorSvc, err := twofactor.NewService(db, cipher)
	require.NoError(t, err)

	challenges, err := twofactor.NewChallengeService(store, 0)
	require.NoError(t, err)

	roles, err := services.NewRoleService(db, store, 0)
	require.NoError(t, err)

	mailer := &RecordingMailer{}
	accounts, err := services.NewAccountService(db, mailer, sessions, services.AccountConfig{
		BaseURL: "https://app.test",
	})
	require.NoError(t, err)

	authenticator, err := iauth.NewAuthenticator(db, limiter, sessions, twoFactorSvc, challenges, roles, accounts)
	require.NoError(t, err)

	registry := oauth.NewRegistry()
	manager, err := oauth.NewManager(db, registry, store, sessions, roles, oauth.ManagerConfig{Challenges: challenges})
	require.NoError(t, err)

	router, err := api.NewRouter(api.Dependencies{
		DB:            db,
		Authenticator: authenticator,
		Sessions:      sessions,
		TwoFactor:     twoFactorSvc,
		OAuth:         manager,
		Accounts:      accounts,
		Limiter:       limiter,
	})
	require.NoError(t, err)

	return &Env{
		T:          t,
		DB:         db,
		Router:     router,
		Store:      store,
		Mailer:     mailer,
		Registry:   registry,
		TwoFactor:  twoFactorSvc,
		Challenges: challenges,
		Sessions:   sessions,
	}
}

// CreateUser inserts a confirmed, active user and returns the record.
func (e *Env) CreateUser(password string) *models.User {
	e.T.Helper()

	username := "user-" + uuid.NewString()[:8]
	hashed, err := crypto.HashPassword(password)
	require.NoError(e.T, err)

	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: hashed,
		Enabled:  true,
		IsActive: true,
	}
	require.NoError(e.T, e.DB.Create(user).Error)
	return user
}

// UserPayload captures the subset of user fields returned from auth endpoints.
type UserPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// LoginResult bundles the JSON response from POST /api/auth/login.
type LoginResult struct {
	Token string      `json:"token"`
	User  UserPayload `json:"user"`
}

// Login authenticates with an email and password and returns the issued session token.
func (e *Env) Login(email, password string) LoginResult {
	e.T.Helper()

	payload := map[string]string{"email": email, "password": password}
	w := e.Request(http.MethodPost, "/api/auth/login", payload, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	resp := DecodeResponse(e.T, w)
	require.True(e.T, resp.Success, w.Body.String())

	var result LoginResult
	DecodeInto(e.T, resp.Data, &result)
	require.NotEmpty(e.T, result.Token)
	return result
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router. A non-empty token
// is sent as a bearer header.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(e.T, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
