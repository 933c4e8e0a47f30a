package transport

import (
	"context"
	"crypto"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/model"
)

// KeySet holds the verification keys for bearer tokens. HS* tokens are
// checked against Secret, RS* and ES* tokens against PublicKey.
type KeySet struct {
	Secret    []byte
	PublicKey crypto.PublicKey
}

// LoadKeySet reads the keys named by cfg: the shared secret from the
// environment variable cfg.SecretEnv and a PEM public key from
// cfg.PublicKeyFile.
func LoadKeySet(cfg config.IdentityConfig) (*KeySet, error) {
	ks := &KeySet{}
	if cfg.SecretEnv != "" {
		ks.Secret = []byte(os.Getenv(cfg.SecretEnv))
	}
	if cfg.PublicKeyFile != "" {
		pemBytes, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		key, err := parsePublicKey(pemBytes)
		if err != nil {
			return nil, err
		}
		ks.PublicKey = key
	}
	for _, alg := range cfg.Algorithms {
		if strings.HasPrefix(alg, "HS") && len(ks.Secret) == 0 {
			return nil, fmt.Errorf("%s needs a secret in $%s", alg, cfg.SecretEnv)
		}
		if !strings.HasPrefix(alg, "HS") && ks.PublicKey == nil {
			return nil, fmt.Errorf("%s needs identity.public_key_file", alg)
		}
	}
	return ks, nil
}

func parsePublicKey(pemBytes []byte) (crypto.PublicKey, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(pemBytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("public key is neither RSA nor EC PEM")
}

// keyFunc picks the key matching the token's signing method family.
func (ks *KeySet) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(ks.Secret) == 0 {
			return nil, fmt.Errorf("no secret configured for signing method %s", token.Method.Alg())
		}
		return ks.Secret, nil
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA, *jwt.SigningMethodRSAPSS:
		if ks.PublicKey == nil {
			return nil, fmt.Errorf("no public key configured for signing method %s", token.Method.Alg())
		}
		return ks.PublicKey, nil
	}
	return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
}

type claimsKey struct{}

// WithClaims stores verified token claims in the context.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom extracts token claims from the context.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// JWTAuthenticator returns middleware that verifies JWT tokens from the
// Authorization header and stores verified claims in the request context.
func JWTAuthenticator(cfg config.IdentityConfig, keys *KeySet) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, r, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				WriteError(w, r, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, keys.keyFunc)
			if err != nil {
				WriteError(w, r, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}
			if !token.Valid {
				WriteError(w, r, model.NewUnauthorizedError("Invalid token"))
				return
			}

			ctx := WithClaims(r.Context(), map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func classifyJWTError(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "expired"):
		return "Token expired"
	case strings.Contains(s, "issuer"):
		return "Invalid token issuer"
	case strings.Contains(s, "audience"):
		return "Invalid token audience"
	case strings.Contains(s, "signing method"):
		return "Disallowed signing algorithm"
	case strings.Contains(s, "signature"):
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}

// Default claim paths, overridable through identity.claim_paths.
var defaultClaimPaths = map[string]string{
	"subject_id": "sub",
	"email":      "email",
	"namespace":  "namespace",
	"department": "dept",
	"roles":      "roles",
}

// BuildRequestContextMiddleware builds a model.RequestContext from the
// verified claims. paths maps RequestContext fields to dotted claim paths
// ("realm_access.roles").
func BuildRequestContextMiddleware(paths map[string]string) func(http.Handler) http.Handler {
	resolved := make(map[string]string, len(defaultClaimPaths))
	for k, v := range defaultClaimPaths {
		resolved[k] = v
	}
	for k, v := range paths {
		resolved[k] = v
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			rctx := &model.RequestContext{
				SubjectID:     extractClaimString(claims, resolved["subject_id"]),
				Email:         extractClaimString(claims, resolved["email"]),
				Namespace:     extractClaimString(claims, resolved["namespace"]),
				Department:    extractClaimString(claims, resolved["department"]),
				Roles:         extractClaimStringSlice(claims, resolved["roles"]),
				Claims:        claims,
				CorrelationID: CorrelationIDFrom(r.Context()),
				TraceID:       observability.TraceIDFromContext(r.Context()),
			}
			if err := rctx.Validate(); err != nil {
				WriteError(w, r, model.NewUnauthorizedError("token has no subject"))
				return
			}
			trace.SpanFromContext(r.Context()).SetAttributes(observability.AttrSubjectID.String(rctx.SubjectID))
			ctx := model.WithRequestContext(r.Context(), rctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractClaim(claims map[string]any, path string) any {
	if claims == nil || path == "" {
		return nil
	}
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func extractClaimString(claims map[string]any, path string) string {
	s, _ := extractClaim(claims, path).(string)
	return s
}

func extractClaimStringSlice(claims map[string]any, path string) []string {
	switch v := extractClaim(claims, path).(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return strings.Fields(strings.ReplaceAll(v, ",", " "))
	}
	return nil
}
