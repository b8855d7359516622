package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newStaticService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), Config{
		Mode: ModeStatic,
		StaticTokens: []StaticToken{
			{Token: "writer-token", Username: "writer", Permissions: []string{"workflow:write", "workflow:read"}},
			{Token: "reader-token", Username: "reader", Permissions: []string{"workflow:read"}},
			{Token: "banned-token", Username: "banned", Permissions: []string{"workflow:read"}, Disabled: true},
		},
	}, nil)
	if err != nil {
		t.Fatalf("new static service: %v", err)
	}
	return svc
}

func TestStaticTokens(t *testing.T) {
	svc := newStaticService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer writer-token")
	if err != nil {
		t.Fatalf("authenticate writer: %v", err)
	}
	if subject.Username != "writer" || !subject.HasPermission("workflow:write") {
		t.Fatalf("unexpected subject: %+v", subject)
	}

	if _, err := svc.AuthenticateRequest(ctx, "Bearer unknown"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer banned-token"); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected ErrSubjectRevoked, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "writer"}); !errors.Is(err, ErrUnsupportedGrant) {
		t.Fatalf("静态模式不应支持在线签发: %v", err)
	}
}

func TestJWTPasswordAndRefreshGrants(t *testing.T) {
	store, err := NewMemoryStore([]Seed{{
		Username:    "alice",
		Password:    "s3cret",
		Roles:       []string{"operator"},
		Permissions: []string{"workflow:read", "workflow:write"},
	}})
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	svc, err := NewService(context.Background(), Config{
		Mode: ModeJWT,
		JWT:  JWTOptions{Secret: "unit-test-secret", Issuer: "orchestra"},
	}, store)
	if err != nil {
		t.Fatalf("new jwt service: %v", err)
	}
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{GrantType: "password", Username: "alice", Password: "s3cret"})
	if err != nil {
		t.Fatalf("password grant: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" || pair.TokenType != "Bearer" {
		t.Fatalf("unexpected token pair: %+v", pair)
	}

	subject, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.AccessToken)
	if err != nil {
		t.Fatalf("verify access token: %v", err)
	}
	if subject.Username != "alice" || !subject.HasPermission("workflow:write") {
		t.Fatalf("unexpected subject: %+v", subject)
	}

	// 刷新令牌不能当作访问令牌使用。
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for refresh token, got %v", err)
	}

	renewed, err := svc.Authenticate(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.RefreshToken})
	if err != nil {
		t.Fatalf("refresh grant: %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+renewed.AccessToken); err != nil {
		t.Fatalf("verify renewed token: %v", err)
	}

	if _, err := svc.Authenticate(ctx, TokenRequest{Username: "alice", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{GrantType: "client_credentials"}); !errors.Is(err, ErrUnsupportedGrant) {
		t.Fatalf("expected ErrUnsupportedGrant, got %v", err)
	}
}

func TestJWTRejectsTamperedToken(t *testing.T) {
	store, err := NewMemoryStore([]Seed{{Username: "bob", Password: "pw", Permissions: []string{"workflow:read"}}})
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	svc, err := NewService(context.Background(), Config{Mode: ModeJWT, JWT: JWTOptions{Secret: "unit-test-secret"}}, store)
	if err != nil {
		t.Fatalf("new jwt service: %v", err)
	}
	pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "bob", Password: "pw"})
	if err != nil {
		t.Fatalf("password grant: %v", err)
	}

	parts := strings.Split(pair.AccessToken, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %q", pair.AccessToken)
	}
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer "+tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewServiceValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := NewService(ctx, Config{Mode: ModeStatic}, nil); err == nil {
		t.Fatal("expected error for static mode without tokens")
	}
	if _, err := NewService(ctx, Config{Mode: ModeStatic, StaticTokens: []StaticToken{{Token: "a"}, {Token: "a"}}}, nil); err == nil {
		t.Fatal("expected error for duplicate static tokens")
	}
	if _, err := NewService(ctx, Config{Mode: ModeJWT}, nil); err == nil {
		t.Fatal("expected error for jwt mode without store")
	}
	store, _ := NewMemoryStore(nil)
	if _, err := NewService(ctx, Config{Mode: ModeJWT}, store); err == nil {
		t.Fatal("expected error for jwt mode without secret")
	}
	if _, err := NewService(ctx, Config{Mode: Mode("ldap")}, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newStaticService(t)
	var seenUser string
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodPost: {"workflow:write"},
			http.MethodGet:  {"workflow:read"},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subject := SubjectFromContext(r.Context()); subject != nil {
			seenUser = subject.Username
		}
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer reader-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for reader posting, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer writer-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for writer, got %d", rec.Code)
	}
	if seenUser != "writer" {
		t.Fatalf("subject not propagated, got %q", seenUser)
	}
}
