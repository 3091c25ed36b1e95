package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/studyshelf/studyshelf/internal/config"
	"github.com/studyshelf/studyshelf/internal/storage"
	"github.com/studyshelf/studyshelf/internal/tokenfile"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <provider>",
		Short: "Authenticate a cloud provider using the device code flow",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <provider>",
		Short: "Remove the saved token for a provider",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogout,
	}
}

func runLogin(_ *cobra.Command, args []string) error {
	provider, err := storage.ParseProvider(args[0])
	if err != nil {
		return err
	}

	logger := buildLogger()
	ctx := context.Background()

	var ocfg *oauth2.Config

	switch provider {
	case storage.ProviderOneDrive:
		if resolvedCfg.OneDrive.ClientID == "" {
			return fmt.Errorf("onedrive client_id missing from config")
		}

		ocfg = oneDriveOAuthConfig()

	case storage.ProviderGDrive:
		if resolvedCfg.GDrive.ServiceAccountFile != "" {
			return fmt.Errorf("gdrive uses a service account key, no login needed")
		}

		if resolvedCfg.GDrive.ClientID == "" {
			return fmt.Errorf("gdrive client_id missing from config")
		}

		ocfg = gdriveOAuthConfig()

	case storage.ProviderLocal:
		return fmt.Errorf("the local backend needs no login")

	default:
		return fmt.Errorf("unsupported provider %q", provider)
	}

	logger.Info("login started", slog.String("provider", string(provider)))

	da, err := ocfg.DeviceAuth(ctx)
	if err != nil {
		return fmt.Errorf("requesting device code: %w", err)
	}

	// Device code prompts must always be visible, even with --quiet.
	fmt.Fprintf(os.Stderr, "To sign in, visit: %s\n", da.VerificationURI)
	fmt.Fprintf(os.Stderr, "Enter code: %s\n", da.UserCode)

	tok, err := ocfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return fmt.Errorf("waiting for device authorization: %w", err)
	}

	if err := tokenfile.Save(config.TokenPath(string(provider)), string(provider), tok); err != nil {
		return err
	}

	logger.Info("login successful", slog.String("provider", string(provider)))
	statusf(flagQuiet, "Login successful.\n")

	return nil
}

func runLogout(_ *cobra.Command, args []string) error {
	provider, err := storage.ParseProvider(args[0])
	if err != nil {
		return err
	}

	logger := buildLogger()

	if err := tokenfile.Remove(config.TokenPath(string(provider))); err != nil {
		return err
	}

	logger.Info("logout successful", slog.String("provider", string(provider)))
	statusf(flagQuiet, "Logged out.\n")

	return nil
}
