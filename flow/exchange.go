package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"oidcbff/token"
)

// DefaultHTTPTimeout bounds each call to a provider endpoint.
const DefaultHTTPTimeout = 5 * time.Second

var (
	// ErrTokenExchangeFailed matches any *ExchangeError.
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	// ErrRefreshFailed is returned when a refresh grant is rejected.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// ExchangeError carries the provider's answer to a failed token request.
// Status is zero when no HTTP response was received.
type ExchangeError struct {
	Status int
	Body   string
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("token exchange failed: %v", e.Err)
	}
	return fmt.Sprintf("token exchange failed: status %d: %s", e.Status, e.Body)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTokenExchangeFailed) hold for every ExchangeError.
func (e *ExchangeError) Is(target error) bool { return target == ErrTokenExchangeFailed }

// TokenResponse is the subset of a token endpoint reply the service keeps.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Expiry       time.Time
}

// IDTokenDecoder verifies ID tokens locally.
type IDTokenDecoder interface {
	DecodeIDToken(ctx context.Context, raw, clientID string) (*token.Claims, error)
}

// Exchanger talks to provider token and userinfo endpoints.
type Exchanger struct {
	ids    IDTokenDecoder
	client *http.Client
	logger *slog.Logger
}

// NewExchanger constructs an Exchanger. A nil client gets DefaultHTTPTimeout.
func NewExchanger(ids IDTokenDecoder, client *http.Client, logger *slog.Logger) *Exchanger {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchanger{ids: ids, client: client, logger: logger}
}

// AuthCodeURL builds the authorization request URL for p.
func (e *Exchanger) AuthCodeURL(p *Provider, state, challenge string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", ChallengeMethod),
	)
}

// ExchangeCode redeems an authorization code together with its PKCE verifier.
func (e *Exchanger) ExchangeCode(ctx context.Context, code, verifier string, p *Provider) (*TokenResponse, error) {
	tok, err := p.oauth.Exchange(e.context(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		exchanges.WithLabelValues("code", "error").Inc()
		return nil, asExchangeError(err)
	}
	exchanges.WithLabelValues("code", "ok").Inc()
	return newTokenResponse(tok), nil
}

// Refresh redeems a refresh token. The returned RefreshToken is the rotated
// one when the provider issued a new token, otherwise the one passed in.
func (e *Exchanger) Refresh(ctx context.Context, refreshToken string, p *Provider) (*TokenResponse, error) {
	src := p.oauth.TokenSource(e.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		exchanges.WithLabelValues("refresh", "error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, asExchangeError(err))
	}
	exchanges.WithLabelValues("refresh", "ok").Inc()
	return newTokenResponse(tok), nil
}

// UserClaims returns the identity claims for a completed login. The ID
// token is preferred; the userinfo endpoint is the fallback. When neither
// yields claims an empty set is returned.
func (e *Exchanger) UserClaims(ctx context.Context, accessToken, idToken string, p *Provider) (*token.Claims, error) {
	if idToken != "" && e.ids != nil {
		claims, err := e.ids.DecodeIDToken(ctx, idToken, p.ClientID)
		if err == nil {
			return claims, nil
		}
		e.logger.Warn("id token rejected, falling back to userinfo", "provider", p.Name, "reason", token.Reason(err), "error", err)
	}

	if accessToken != "" && p.oidc != nil && p.oidc.UserInfoEndpoint() != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
		info, err := p.oidc.UserInfo(e.context(ctx), src)
		if err == nil {
			raw := map[string]any{}
			if err = info.Claims(&raw); err == nil {
				if _, ok := raw["iss"]; !ok {
					raw["iss"] = p.Issuer
				}
				return token.NewClaims(raw)
			}
		}
		e.logger.Warn("userinfo unavailable", "provider", p.Name, "error", err)
	}

	return token.NewClaims(nil)
}

func (e *Exchanger) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, e.client)
}

func newTokenResponse(tok *oauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = id
	}
	return resp
}

func asExchangeError(err error) *ExchangeError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &ExchangeError{Status: status, Body: string(re.Body), Err: err}
	}
	return &ExchangeError{Err: err}
}
