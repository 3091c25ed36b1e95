package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/studyshelf/studyshelf/internal/catalog"
	"github.com/studyshelf/studyshelf/internal/config"
	"github.com/studyshelf/studyshelf/internal/credential"
	"github.com/studyshelf/studyshelf/internal/grant"
	"github.com/studyshelf/studyshelf/internal/storage"
	"github.com/studyshelf/studyshelf/internal/storage/gdrive"
	"github.com/studyshelf/studyshelf/internal/storage/localdisk"
	"github.com/studyshelf/studyshelf/internal/storage/onedrive"
	"github.com/studyshelf/studyshelf/internal/tokenfile"
	"github.com/studyshelf/studyshelf/internal/upload"
)

// app bundles the wired components every resource command needs.
type app struct {
	logger  *slog.Logger
	creds   *credential.Manager
	router  *storage.Router
	store   *catalog.SQLiteStore
	grants  *grant.Resolver
	uploads *upload.Pipeline
}

// newApp wires the configured backends, credential sources, catalog, and
// pipelines from resolvedCfg. Backends without usable credentials are left
// out; selecting one of them as the active provider is an error here.
func newApp(ctx context.Context) (*app, error) {
	logger := buildLogger()
	creds := credential.NewManager(logger)

	httpClient := &http.Client{Timeout: resolvedCfg.NetworkTimeout}

	var adapters []storage.Adapter

	if resolvedCfg.LocalRoot != "" {
		local, err := localdisk.New(resolvedCfg.LocalRoot, logger)
		if err != nil {
			return nil, err
		}

		adapters = append(adapters, local)
	}

	onedriveAdapter, err := wireOneDrive(creds, httpClient, logger)
	if err != nil {
		return nil, err
	}

	if onedriveAdapter != nil {
		adapters = append(adapters, onedriveAdapter)
	}

	gdriveAdapter, err := wireGDrive(ctx, creds, logger)
	if err != nil {
		return nil, err
	}

	if gdriveAdapter != nil {
		adapters = append(adapters, gdriveAdapter)
	}

	active, err := storage.ParseProvider(resolvedCfg.Provider)
	if err != nil {
		return nil, err
	}

	router, err := storage.NewRouter(active, adapters...)
	if err != nil {
		return nil, fmt.Errorf("%w (run 'studyshelf login %s' or check the config)", err, active)
	}

	store, err := catalog.OpenSQLite(ctx, resolvedCfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	grants := grant.NewResolver(store, router, grant.Config{
		TTL:            resolvedCfg.GrantTTL,
		MaxOutstanding: resolvedCfg.GrantMaxOutstanding,
	}, logger)

	uploads := upload.NewPipeline(router, upload.Config{
		MaxBytes:     resolvedCfg.MaxUploadBytes,
		AllowedTypes: resolvedCfg.AllowedTypes,
		StagingDir:   resolvedCfg.StagingDir,
	}, logger)

	return &app{
		logger:  logger,
		creds:   creds,
		router:  router,
		store:   store,
		grants:  grants,
		uploads: uploads,
	}, nil
}

// Close releases held resources.
func (a *app) Close() error {
	return a.store.Close()
}

// wireOneDrive registers the OneDrive credential source from the saved token
// file and builds the adapter. Returns nil when the backend is not configured
// or not logged in.
func wireOneDrive(creds *credential.Manager, httpClient *http.Client, logger *slog.Logger) (storage.Adapter, error) {
	if resolvedCfg.OneDrive.ClientID == "" {
		return nil, nil //nolint:nilnil // backend not configured
	}

	tokenPath := config.TokenPath(string(storage.ProviderOneDrive))

	tok, err := tokenfile.Load(tokenPath, string(storage.ProviderOneDrive))
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, nil //nolint:nilnil // not logged in
	}

	source := credential.NewRefreshTokenSource(oneDriveOAuthConfig(), tok.RefreshToken)
	creds.Register(storage.ProviderOneDrive, source, tok, func(t *oauth2.Token) error {
		return tokenfile.Save(tokenPath, string(storage.ProviderOneDrive), t)
	})

	return onedrive.New(onedrive.Config{
		ParentFolderID: resolvedCfg.OneDrive.ParentFolderID,
		HTTPClient:     httpClient,
	}, creds.Bind(storage.ProviderOneDrive), logger), nil
}

// wireGDrive registers the Google Drive credential source (service account
// key or saved refresh token) and builds the adapter. Returns nil when the
// backend is not configured or not logged in.
func wireGDrive(ctx context.Context, creds *credential.Manager, logger *slog.Logger) (storage.Adapter, error) {
	switch {
	case resolvedCfg.GDrive.ServiceAccountFile != "":
		source, err := credential.NewServiceAccountSource(resolvedCfg.GDrive.ServiceAccountFile, credential.GDriveScopes)
		if err != nil {
			return nil, err
		}

		creds.Register(storage.ProviderGDrive, source, nil, nil)

	case resolvedCfg.GDrive.ClientID != "":
		tokenPath := config.TokenPath(string(storage.ProviderGDrive))

		tok, err := tokenfile.Load(tokenPath, string(storage.ProviderGDrive))
		if err != nil {
			return nil, err
		}

		if tok == nil {
			return nil, nil //nolint:nilnil // not logged in
		}

		source := credential.NewRefreshTokenSource(gdriveOAuthConfig(), tok.RefreshToken)
		creds.Register(storage.ProviderGDrive, source, tok, func(t *oauth2.Token) error {
			return tokenfile.Save(tokenPath, string(storage.ProviderGDrive), t)
		})

	default:
		return nil, nil //nolint:nilnil // backend not configured
	}

	return gdrive.New(ctx, gdrive.Config{
		ParentFolderID: resolvedCfg.GDrive.ParentFolderID,
	}, logger, option.WithTokenSource(creds.TokenSource(ctx, storage.ProviderGDrive)))
}

// oneDriveOAuthConfig builds the public-client OAuth config for OneDrive.
func oneDriveOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: resolvedCfg.OneDrive.ClientID,
		Endpoint: credential.OneDriveEndpoint,
		Scopes:   credential.OneDriveScopes,
	}
}

// gdriveOAuthConfig builds the OAuth config for the Google Drive user flow.
func gdriveOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     resolvedCfg.GDrive.ClientID,
		ClientSecret: resolvedCfg.GDrive.ClientSecret,
		Endpoint:     credential.GDriveEndpoint,
		Scopes:       credential.GDriveScopes,
	}
}
