package credential

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// OAuth scopes requested per provider.
var (
	// GDriveScopes covers file create/read/delete under the app's folders.
	GDriveScopes = []string{"https://www.googleapis.com/auth/drive"}

	// OneDriveScopes covers Files read/write plus offline_access so a
	// refresh token is issued.
	OneDriveScopes = []string{"offline_access", "Files.ReadWrite.All"}
)

// GDriveEndpoint is Google's OAuth2 token endpoint.
var GDriveEndpoint = google.Endpoint

// OneDriveEndpoint is the multi-tenant Azure AD v2.0 endpoint.
var OneDriveEndpoint = microsoft.AzureADEndpoint("common")

// RefreshTokenSource exchanges a long-lived refresh token for access tokens.
// It preserves a rotated refresh token when the server issues one, so the
// persisted token file always carries the newest grant.
type RefreshTokenSource struct {
	cfg          *oauth2.Config
	refreshToken string
}

// NewRefreshTokenSource builds a source from an OAuth client config and the
// refresh token obtained at login.
func NewRefreshTokenSource(cfg *oauth2.Config, refreshToken string) *RefreshTokenSource {
	return &RefreshTokenSource{cfg: cfg, refreshToken: refreshToken}
}

// Refresh performs one refresh-token exchange. A fresh TokenSource is built
// per call so the exchange always hits the network instead of returning a
// cached token — caching is the manager's job.
func (s *RefreshTokenSource) Refresh(ctx context.Context) (*oauth2.Token, error) {
	seed := &oauth2.Token{RefreshToken: s.refreshToken}

	tok, err := s.cfg.TokenSource(ctx, seed).Token()
	if err != nil {
		return nil, fmt.Errorf("credential: refresh token exchange: %w", err)
	}

	// Refresh token rotation: keep the newest grant for the next exchange.
	if tok.RefreshToken != "" {
		s.refreshToken = tok.RefreshToken
	} else {
		tok.RefreshToken = s.refreshToken
	}

	return tok, nil
}

// ServiceAccountSource mints access tokens from a Google service account key
// file via the JWT grant flow. There is no refresh token; every mint is a
// self-signed assertion.
type ServiceAccountSource struct {
	jwtJSON []byte
	scopes  []string
}

// NewServiceAccountSource reads and validates the service account key file.
// The file is read once at startup so a missing key is a startup-fatal error.
func NewServiceAccountSource(keyFile string, scopes []string) (*ServiceAccountSource, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("credential: reading service account key %s: %w", keyFile, err)
	}

	// Parse eagerly to reject a malformed key at startup, not mid-upload.
	if _, err := google.JWTConfigFromJSON(data, scopes...); err != nil {
		return nil, fmt.Errorf("credential: parsing service account key %s: %w", keyFile, err)
	}

	return &ServiceAccountSource{jwtJSON: data, scopes: scopes}, nil
}

// Refresh mints a new access token from the service account key.
func (s *ServiceAccountSource) Refresh(ctx context.Context) (*oauth2.Token, error) {
	cfg, err := google.JWTConfigFromJSON(s.jwtJSON, s.scopes...)
	if err != nil {
		return nil, fmt.Errorf("credential: parsing service account key: %w", err)
	}

	tok, err := cfg.TokenSource(ctx).Token()
	if err != nil {
		return nil, fmt.Errorf("credential: minting service account token: %w", err)
	}

	return tok, nil
}
