package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/model"
)

const testSecret = "test-secret-please-rotate"

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "workorder",
		Algorithms: []string{"HS256"},
	}
}

func validClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": sub,
		"iss": "https://auth.example.com",
		"aud": "workorder",
		"exp": jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat": jwt.NewNumericDate(time.Now()),
	}
}

func signHS(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func authenticate(t *testing.T, cfg config.IdentityConfig, keys *KeySet, header string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var seen map[string]any
	handler := JWTAuthenticator(cfg, keys)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, seen
}

func TestJWTAuthenticator_validToken(t *testing.T) {
	keys := &KeySet{Secret: []byte(testSecret)}
	w, claims := authenticate(t, testIdentityCfg(), keys, "Bearer "+signHS(t, validClaims("42")))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if claims["sub"] != "42" {
		t.Errorf("sub = %v, want 42", claims["sub"])
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	keys := &KeySet{Secret: []byte(testSecret)}

	expired := validClaims("42")
	expired["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongIssuer := validClaims("42")
	wrongIssuer["iss"] = "https://evil.example.com"
	wrongAudience := validClaims("42")
	wrongAudience["aud"] = "billing"
	noExp := validClaims("42")
	delete(noExp, "exp")

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("42")).SignedString([]byte("other"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	hs384, err := jwt.NewWithClaims(jwt.SigningMethodHS384, validClaims("42")).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"basic scheme", "Basic dXNlcjpwYXNz"},
		{"expired", "Bearer " + signHS(t, expired)},
		{"wrong issuer", "Bearer " + signHS(t, wrongIssuer)},
		{"wrong audience", "Bearer " + signHS(t, wrongAudience)},
		{"missing exp", "Bearer " + signHS(t, noExp)},
		{"wrong secret", "Bearer " + wrongKey},
		{"disallowed algorithm", "Bearer " + hs384},
		{"garbage", "Bearer not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := authenticate(t, testIdentityCfg(), keys, tt.header)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestJWTAuthenticator_clockSkewTolerance(t *testing.T) {
	claims := validClaims("42")
	claims["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second))
	w, _ := authenticate(t, testIdentityCfg(), &KeySet{Secret: []byte(testSecret)}, "Bearer "+signHS(t, claims))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 within leeway", w.Code)
	}
}

func TestLoadKeySet_rsaPublicKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "jwt.pub")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := testIdentityCfg()
	cfg.Algorithms = []string{"RS256"}
	cfg.PublicKeyFile = path
	keys, err := LoadKeySet(cfg)
	if err != nil {
		t.Fatalf("LoadKeySet() error = %v", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("7")).SignedString(priv)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	w, claims := authenticate(t, cfg, keys, "Bearer "+token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if claims["sub"] != "7" {
		t.Errorf("sub = %v, want 7", claims["sub"])
	}

	// An HS256 token must not verify against the RSA key.
	w, _ = authenticate(t, cfg, keys, "Bearer "+signHS(t, validClaims("7")))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("HS256 token status = %d, want 401", w.Code)
	}
}

func TestLoadKeySet_missingSecret(t *testing.T) {
	cfg := testIdentityCfg()
	cfg.SecretEnv = "WORKORDER_TEST_UNSET_SECRET"
	t.Setenv("WORKORDER_TEST_UNSET_SECRET", "")
	if _, err := LoadKeySet(cfg); err == nil {
		t.Fatal("LoadKeySet() error = nil, want missing secret")
	}

	t.Setenv("WORKORDER_TEST_UNSET_SECRET", testSecret)
	keys, err := LoadKeySet(cfg)
	if err != nil {
		t.Fatalf("LoadKeySet() error = %v", err)
	}
	if string(keys.Secret) != testSecret {
		t.Errorf("Secret = %q", keys.Secret)
	}
}

func TestExtractClaim_dotNotation(t *testing.T) {
	claims := map[string]any{
		"realm_access": map[string]any{
			"roles": []any{"admin", "viewer"},
		},
		"sub":    "user-1",
		"groups": "ops, finance",
	}

	if v := extractClaimString(claims, "sub"); v != "user-1" {
		t.Errorf("sub = %q, want user-1", v)
	}
	roles := extractClaimStringSlice(claims, "realm_access.roles")
	if len(roles) != 2 || roles[0] != "admin" {
		t.Errorf("realm_access.roles = %v, want [admin viewer]", roles)
	}
	groups := extractClaimStringSlice(claims, "groups")
	if len(groups) != 2 || groups[1] != "finance" {
		t.Errorf("groups = %v, want [ops finance]", groups)
	}
	if v := extractClaimString(claims, "nonexistent.path"); v != "" {
		t.Errorf("nonexistent.path = %q, want empty", v)
	}
	if v := extractClaimString(nil, "sub"); v != "" {
		t.Errorf("nil claims = %q, want empty", v)
	}
}

func TestBuildRequestContextMiddleware_customPaths(t *testing.T) {
	claims := map[string]any{
		"sub":   "99",
		"email": "ops@example.com",
		"realm_access": map[string]any{
			"roles": []any{"manager"},
		},
		"org": map[string]any{"dept": "Maintenance"},
	}
	paths := map[string]string{
		"roles":      "realm_access.roles",
		"department": "org.dept",
	}

	var got *model.RequestContext
	handler := RequestID(BuildRequestContextMiddleware(paths)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = model.RequestContextFrom(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-Id", "corr-1")
	req = req.WithContext(WithClaims(req.Context(), claims))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got == nil {
		t.Fatal("RequestContext missing")
	}
	if got.SubjectID != "99" || got.Email != "ops@example.com" {
		t.Errorf("subject = %q %q", got.SubjectID, got.Email)
	}
	if got.Department != "Maintenance" {
		t.Errorf("Department = %q, want Maintenance", got.Department)
	}
	if len(got.Roles) != 1 || got.Roles[0] != "manager" {
		t.Errorf("Roles = %v, want [manager]", got.Roles)
	}
	if got.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID = %q, want corr-1", got.CorrelationID)
	}
}

func TestBuildRequestContextMiddleware_noSubject(t *testing.T) {
	handler := BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without a subject")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithClaims(req.Context(), map[string]any{"email": "x@example.com"}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}
