package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/waterjunction/api/internal/platform/httpx"
)

const (
	roleClaim            = "role"
	defaultVerifyTimeout = 5 * time.Second
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator verifies bearer tokens and enforces roles.
type Authenticator struct {
	verifier  TokenVerifier
	adminRole string
	timeout   time.Duration
}

// Option customises an Authenticator.
type Option func(*Authenticator)

// WithAdminRole overrides the role name treated as administrator.
func WithAdminRole(role string) Option {
	return func(a *Authenticator) {
		if role = normaliseRole(role); role != "" {
			a.adminRole = role
		}
	}
}

// WithVerificationTimeout bounds token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator builds an Authenticator around verifier.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, adminRole: RoleAdmin, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth rejects requests without a valid ID token. Tokens with no
// role claim are treated as buyers.
func (a *Authenticator) RequireFirebaseAuth() func(http.Handler) http.Handler {
	return a.require("")
}

// RequireAdmin additionally requires the configured admin role.
func (a *Authenticator) RequireAdmin() func(http.Handler) http.Handler {
	if a == nil {
		return (&Authenticator{}).require(RoleAdmin)
	}
	return a.require(a.adminRole)
}

func (a *Authenticator) require(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized))
				return
			}
			if a == nil || a.verifier == nil {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization service unavailable", http.StatusUnauthorized))
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			decoded, err := a.verifier.VerifyIDToken(verifyCtx, token)
			cancel()
			if err != nil {
				code, message := "invalid_token", "firebase id token verification failed"
				if firebaseauth.IsIDTokenExpired(err) || errors.Is(err, context.DeadlineExceeded) {
					code, message = "token_expired", "firebase id token expired"
				}
				httpx.WriteError(ctx, w, httpx.NewError(code, message, http.StatusUnauthorized))
				return
			}

			identity := identityFromToken(decoded)
			if role != "" && !identity.HasRole(role) {
				httpx.WriteError(ctx, w, httpx.NewError("insufficient_role", "identity does not have required role", http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func identityFromToken(token *firebaseauth.Token) *Identity {
	identity := &Identity{
		UID:   token.UID,
		Email: stringClaim(token.Claims, "email"),
		Name:  stringClaim(token.Claims, "name"),
		Phone: stringClaim(token.Claims, "phone_number"),
		Roles: rolesFromClaim(token.Claims[roleClaim]),
	}
	if len(identity.Roles) == 0 {
		identity.Roles = []string{RoleBuyer}
	}
	return identity
}

// rolesFromClaim accepts a string, a list of strings or a map of role -> bool.
func rolesFromClaim(raw any) []string {
	var roles []string
	add := func(role string) {
		if role = normaliseRole(role); role != "" {
			roles = append(roles, role)
		}
	}
	switch v := raw.(type) {
	case string:
		add(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case []string:
		for _, item := range v {
			add(item)
		}
	case map[string]any:
		for key, value := range v {
			if enabled, ok := value.(bool); ok && enabled {
				add(key)
			}
		}
	}
	return roles
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
