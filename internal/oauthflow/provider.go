// ABOUTME: OAuth provider client built on golang.org/x/oauth2
// ABOUTME: One oauth2.Config per configured service; satisfies Exchanger and the vault refresher

package oauthflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/2389/warden/internal/config"
	"github.com/2389/warden/internal/vault"
)

// Provider wraps the per-service oauth2 client configurations. It is the
// production Exchanger and also serves as the vault's TokenRefresher.
type Provider struct {
	configs map[string]*oauth2.Config
}

// NewProvider builds a Provider from the configured oauth services.
func NewProvider(services map[string]config.OAuthService) *Provider {
	configs := make(map[string]*oauth2.Config, len(services))
	for name, svc := range services {
		configs[name] = &oauth2.Config{
			ClientID:     svc.ClientID,
			ClientSecret: svc.ClientSecret,
			RedirectURL:  svc.RedirectURL,
			Scopes:       svc.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  svc.AuthURL,
				TokenURL: svc.TokenURL,
			},
		}
	}
	return &Provider{configs: configs}
}

// Services returns the names of all configured services.
func (p *Provider) Services() []string {
	names := make([]string, 0, len(p.configs))
	for name := range p.configs {
		names = append(names, name)
	}
	return names
}

// AuthCodeURL builds the provider authorization URL carrying the state
// token. Offline access is requested so a refresh token is issued.
func (p *Provider) AuthCodeURL(service, state string) (string, error) {
	cfg, ok := p.configs[service]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange trades an authorization code for credential material.
func (p *Provider) Exchange(ctx context.Context, service, code string) (vault.Material, time.Time, error) {
	cfg, ok := p.configs[service]
	if !ok {
		return vault.Material{}, time.Time{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return vault.Material{}, time.Time{}, fmt.Errorf("exchanging code: %w", err)
	}
	return materialFromToken(cfg, tok)
}

// Refresh exchanges a refresh token for fresh material.
func (p *Provider) Refresh(ctx context.Context, service, refreshToken string) (vault.Material, time.Time, error) {
	cfg, ok := p.configs[service]
	if !ok {
		return vault.Material{}, time.Time{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return vault.Material{}, time.Time{}, fmt.Errorf("refreshing token: %w", err)
	}
	return materialFromToken(cfg, tok)
}

func materialFromToken(cfg *oauth2.Config, tok *oauth2.Token) (vault.Material, time.Time, error) {
	if tok.AccessToken == "" {
		return vault.Material{}, time.Time{}, fmt.Errorf("provider returned no access token")
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		// Some providers issue non-expiring tokens; store a far-future
		// expiry so the grace window logic never fires.
		expiry = time.Now().Add(100 * 365 * 24 * time.Hour)
	}

	// Record what the provider actually granted, not what was asked for;
	// users can decline scopes at the consent screen.
	scopes := cfg.Scopes
	if granted, ok := tok.Extra("scope").(string); ok && granted != "" {
		scopes = strings.Fields(granted)
	}

	return vault.Material{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scopes:       scopes,
	}, expiry, nil
}

var (
	_ Exchanger            = (*Provider)(nil)
	_ vault.TokenRefresher = (*Provider)(nil)
)
