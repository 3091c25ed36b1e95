package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/studyshelf/studyshelf/internal/catalog"
	"github.com/studyshelf/studyshelf/internal/grant"
	"github.com/studyshelf/studyshelf/internal/upload"
)

// Per-command flags.
var (
	flagOwner  string
	flagAdmin  bool
	flagTitle  string
	flagPublic bool
	flagOut    string
)

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Validate and store a file through the active backend",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpload,
	}

	cmd.Flags().StringVar(&flagOwner, "owner", "local", "owner principal ID")
	cmd.Flags().StringVar(&flagTitle, "title", "", "display title (defaults to the filename)")
	cmd.Flags().BoolVar(&flagPublic, "public", false, "make the resource downloadable by anyone")

	return cmd
}

func newDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <resource-id>",
		Short: "Resolve a download grant for a resource",
		Args:  cobra.ExactArgs(1),
		RunE:  runDownload,
	}

	cmd.Flags().StringVar(&flagOwner, "as", "local", "principal ID to download as")
	cmd.Flags().BoolVar(&flagAdmin, "admin", false, "act as an administrator")
	cmd.Flags().StringVar(&flagOut, "out", "", "copy a local-backend file to this path")

	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <resource-id>",
		Short: "Delete a resource and, when last referenced, its backing object",
		Args:  cobra.ExactArgs(1),
		RunE:  runRm,
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <resource-id>",
		Short: "Show resource metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List cataloged resources",
		Args:  cobra.NoArgs,
		RunE:  runLs,
	}
}

// resourceOutput is the JSON schema shared by upload, stat, and ls.
type resourceOutput struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Provider      string    `json:"provider"`
	MimeType      string    `json:"mime_type"`
	Size          int64     `json:"size"`
	Digest        string    `json:"digest"`
	Filename      string    `json:"filename"`
	Title         string    `json:"title"`
	Visibility    string    `json:"visibility"`
	DownloadCount int64     `json:"download_count"`
	CreatedAt     time.Time `json:"created_at"`
}

func toOutput(res *catalog.Resource) resourceOutput {
	return resourceOutput{
		ID:            res.ID,
		OwnerID:       res.OwnerID,
		Provider:      string(res.Provider),
		MimeType:      res.MimeType,
		Size:          res.Size,
		Digest:        res.Digest,
		Filename:      res.Filename,
		Title:         res.Title,
		Visibility:    string(res.Visibility),
		DownloadCount: res.DownloadCount,
		CreatedAt:     res.CreatedAt,
	}
}

func runUpload(_ *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	file, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening %s: %w", args[0], err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", args[0], err)
	}

	stored, err := a.uploads.Store(ctx, upload.Upload{
		Content:      file,
		DeclaredSize: info.Size(),
		Filename:     filepath.Base(args[0]),
		Subdir:       upload.SubdirForOwner(flagOwner),
	})
	if err != nil {
		return err
	}

	// Same bytes already cataloged on this backend: drop the duplicate
	// object and point the new row at the existing one.
	if existing, findErr := a.store.FindByDigest(ctx, stored.Digest); findErr == nil &&
		existing.Provider == stored.Provider && existing.Key != stored.Key {
		adapter, adapterErr := a.router.Adapter(stored.Provider)
		if adapterErr == nil {
			if delErr := adapter.Delete(ctx, stored.Locator()); delErr != nil {
				a.logger.Warn("removing duplicate object failed", slog.String("error", delErr.Error()))
			}
		}

		stored.Key = existing.Key
	}

	visibility := catalog.VisibilityPrivate
	if flagPublic {
		visibility = catalog.VisibilityPublic
	}

	title := flagTitle
	if title == "" {
		title = stored.Filename
	}

	res := &catalog.Resource{
		OwnerID:    flagOwner,
		Provider:   stored.Provider,
		Key:        stored.Key,
		MimeType:   stored.MimeType,
		Size:       stored.Size,
		Digest:     stored.Digest,
		Filename:   stored.Filename,
		Title:      title,
		Visibility: visibility,
	}

	if err := a.store.Create(ctx, res); err != nil {
		return err
	}

	if flagJSON {
		return printJSON(toOutput(res))
	}

	statusf(flagQuiet, "Stored %s (%s) as %s\n", res.Filename, formatSize(res.Size), res.ID)
	fmt.Println(res.ID)

	return nil
}

// downloadOutput is the JSON schema for `download --json`.
type downloadOutput struct {
	Token     string    `json:"token"`
	Resource  string    `json:"resource_id"`
	ExpiresAt time.Time `json:"expires_at"`
	URL       string    `json:"url,omitempty"`
	Path      string    `json:"path,omitempty"`
}

func runDownload(_ *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	principal := grant.Principal{ID: flagOwner, IsAdmin: flagAdmin}

	g, err := a.grants.ResolveDownload(ctx, principal, args[0])
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(downloadOutput{
			Token:     g.Token,
			Resource:  g.ResourceID,
			ExpiresAt: g.ExpiresAt,
			URL:       g.Retrieval.URL,
			Path:      g.Retrieval.Path,
		})
	}

	if g.Retrieval.IsRedirect() {
		fmt.Println(g.Retrieval.URL)

		return nil
	}

	if flagOut != "" {
		if err := copyFile(g.Retrieval.Path, flagOut); err != nil {
			return err
		}

		statusf(flagQuiet, "Saved to %s\n", flagOut)

		return nil
	}

	fmt.Println(g.Retrieval.Path)

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return fmt.Errorf("copying to %s: %w", dst, err)
	}

	return out.Close()
}

func runRm(_ *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.store.Get(ctx, args[0])
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("no resource %q", args[0])
	}

	if err != nil {
		return err
	}

	if err := a.store.Delete(ctx, res.ID); err != nil {
		return err
	}

	a.grants.InvalidateResource(res.ID)

	// The backing object goes only when no other resource references it.
	refs, err := a.store.CountByLocator(ctx, res.Locator())
	if err != nil {
		return err
	}

	if refs == 0 {
		adapter, err := a.router.Adapter(res.Provider)
		if err != nil {
			return err
		}

		if err := adapter.Delete(ctx, res.Locator()); err != nil {
			return fmt.Errorf("metadata removed, backing object delete failed: %w", err)
		}
	}

	statusf(flagQuiet, "Removed %s\n", res.ID)

	return nil
}

func runStat(_ *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.store.Get(ctx, args[0])
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("no resource %q", args[0])
	}

	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(toOutput(res))
	}

	fmt.Printf("ID:         %s\n", res.ID)
	fmt.Printf("Title:      %s\n", res.Title)
	fmt.Printf("Filename:   %s\n", res.Filename)
	fmt.Printf("Owner:      %s\n", res.OwnerID)
	fmt.Printf("Provider:   %s\n", res.Provider)
	fmt.Printf("Type:       %s\n", res.MimeType)
	fmt.Printf("Size:       %s\n", formatSize(res.Size))
	fmt.Printf("Digest:     %s\n", res.Digest)
	fmt.Printf("Visibility: %s\n", res.Visibility)
	fmt.Printf("Downloads:  %d\n", res.DownloadCount)
	fmt.Printf("Created:    %s\n", formatTime(res.CreatedAt))

	return nil
}

func runLs(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	resources, err := a.store.List(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		out := make([]resourceOutput, 0, len(resources))
		for _, res := range resources {
			out = append(out, toOutput(res))
		}

		return printJSON(out)
	}

	rows := make([][]string, 0, len(resources))
	for _, res := range resources {
		rows = append(rows, []string{
			res.ID,
			res.Title,
			string(res.Provider),
			formatSize(res.Size),
			string(res.Visibility),
			fmt.Sprint(res.DownloadCount),
			formatTime(res.CreatedAt),
		})
	}

	printTable(os.Stdout, []string{"ID", "TITLE", "PROVIDER", "SIZE", "VISIBILITY", "DOWNLOADS", "CREATED"}, rows)

	return nil
}
