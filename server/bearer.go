package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"oidcbff/token"
	"oidcbff/users"
)

type claimsKey struct{}

// ClaimsFromContext returns the verified bearer claims, if any.
func ClaimsFromContext(ctx context.Context) *token.Claims {
	c, _ := ctx.Value(claimsKey{}).(*token.Claims)
	return c
}

// RequireBearer verifies the Authorization header and checks that the token
// grants every scope in scopes. Failures get a uniform body; the reason is
// only logged.
func (a *App) RequireBearer(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw := extractBearerToken(r.Header.Get("Authorization"))
			if raw == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="oidcbff"`)
				writeError(w, http.StatusUnauthorized, "invalid_token", "bearer token required")
				return
			}

			claims, err := a.Verifier.Verify(ctx, raw)
			if err != nil {
				a.Logger.Warn("bearer token rejected",
					"reason", token.Reason(err),
					"error", err,
					"request_id", RequestIDFromContext(ctx))
				w.Header().Set("WWW-Authenticate", `Bearer realm="oidcbff", error="invalid_token"`)
				writeError(w, http.StatusUnauthorized, "invalid_token", "token is not valid")
				return
			}

			if missing := token.ExtractScopes(claims).Missing(scopes...); len(missing) > 0 {
				a.Logger.Info("bearer token lacks scope", "sub", claims.Subject, "missing", missing)
				w.Header().Set("WWW-Authenticate",
					fmt.Sprintf(`Bearer realm="oidcbff", error="insufficient_scope", scope=%q`, strings.Join(scopes, " ")))
				writeError(w, http.StatusForbidden, "insufficient_scope", "token lacks required scope")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, claimsKey{}, claims)))
		})
	}
}

type whoamiResponse struct {
	User   *users.User `json:"user"`
	UID    string      `json:"uid"`
	Scopes []string    `json:"scopes"`
	Roles  []string    `json:"roles"`
}

func (a *App) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "invalid_token", "token is not valid")
		return
	}

	user, err := a.Provisioner.Provision(ctx, claims, a.providerForIssuer(claims.Issuer))
	if err != nil {
		a.Logger.Error("provisioning failed", "issuer", claims.Issuer, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	annotate(ctx, user.ID, "")

	writeJSON(w, http.StatusOK, whoamiResponse{
		User:   user,
		UID:    token.ExtractUID(claims, a.uidClaimForIssuer(claims.Issuer)),
		Scopes: token.ExtractScopes(claims).Sorted(),
		Roles:  token.ExtractRoles(claims).Sorted(),
	})
}

// providerForIssuer names the login provider sharing the issuer, or
// "bearer" for issuers trusted only for API tokens.
func (a *App) providerForIssuer(iss string) string {
	for _, name := range a.Providers.Names() {
		if p, err := a.Providers.Get(name); err == nil && p.Issuer == iss {
			return name
		}
	}
	return "bearer"
}

func (a *App) uidClaimForIssuer(iss string) string {
	if p, ok := a.Config.Providers[a.providerForIssuer(iss)]; ok && p.UIDClaim != "" {
		return p.UIDClaim
	}
	return a.Config.Tokens.UIDClaim
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
