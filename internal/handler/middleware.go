package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/infra/observability"
	"github.com/petgourmet/storefront-api/internal/port"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

const callerKey contextKey = "caller"

// Authenticator validates Supabase access tokens and resolves admin roles.
type Authenticator struct {
	secret   []byte
	profiles port.ProfileStore
	cache    port.Cache[*domain.Profile]
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewAuthenticator creates an Authenticator. Profiles are cached per user id.
func NewAuthenticator(jwtSecret string, profiles port.ProfileStore, profileCache port.Cache[*domain.Profile], metrics *observability.Metrics, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		secret:   []byte(jwtSecret),
		profiles: profiles,
		cache:    profileCache,
		metrics:  metrics,
		logger:   logger,
	}
}

// ParseToken validates an HS256 Supabase access token and returns its caller.
// Without a configured secret every token is rejected.
func (a *Authenticator) ParseToken(tokenString string) (domain.Caller, error) {
	if len(a.secret) == 0 {
		return domain.Caller{}, &domain.ErrUnauthorized{Message: "token verification is not configured"}
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return domain.Caller{}, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Caller{}, &domain.ErrUnauthorized{Message: "token without subject"}
	}
	email, _ := claims["email"].(string)
	return domain.Caller{UserID: sub, Email: email}, nil
}

// RequireUser validates Bearer tokens and injects the caller into context.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			a.logger.Warn("auth: missing token",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			writeError(w, http.StatusUnauthorized, "missing access token")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			a.logger.Warn("auth: invalid token format",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			writeError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		caller, err := a.ParseToken(parts[1])
		if err != nil {
			a.logger.Warn("auth: invalid or expired token",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		// Admins keep their rights on user routes, e.g. reading any order.
		if profile, err := a.profile(r.Context(), caller.UserID); err == nil && profile.IsAdmin() {
			caller.Admin = true
		}

		ctx := context.WithValue(r.Context(), callerKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin must run after RequireUser.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())
		if !caller.Admin {
			a.logger.Warn("auth: admin route denied",
				zap.String("path", r.URL.Path),
				zap.String("user_id", caller.UserID),
			)
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// profile returns the cached profile of userID.
func (a *Authenticator) profile(ctx context.Context, userID string) (*domain.Profile, error) {
	if a.profiles == nil {
		return nil, errors.New("no profile store")
	}
	p, hit, err := a.cache.GetOrLoad(ctx, userID, func(ctx context.Context) (*domain.Profile, error) {
		return a.profiles.GetProfile(ctx, userID)
	})
	if hit {
		a.metrics.IncrCacheHit("profiles")
	} else {
		a.metrics.IncrCacheMiss("profiles")
	}
	if err != nil {
		var notFound *domain.ErrNotFound
		if !errors.As(err, &notFound) {
			a.logger.Warn("profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return p, nil
}

// CallerFromContext extracts the authenticated caller from context.
func CallerFromContext(ctx context.Context) domain.Caller {
	v, _ := ctx.Value(callerKey).(domain.Caller)
	return v
}
