// Package upload runs the intake pipeline for new content: stage to a local
// spool file with a hard size cap, compute the content digest, validate
// declared metadata against the actual bytes, and hand the payload to the
// active storage backend with bounded retry. The staged file is removed on
// every path out of the pipeline.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sethvargo/go-retry"
	"golang.org/x/text/unicode/norm"

	"github.com/studyshelf/studyshelf/internal/storage"
)

var (
	// ErrPayloadTooLarge means the content exceeded the configured limit.
	ErrPayloadTooLarge = errors.New("upload: payload exceeds size limit")

	// ErrSizeMismatch means actual bytes differ from the declared size.
	ErrSizeMismatch = errors.New("upload: payload size does not match declared size")

	// ErrUnsupportedType means the content type is not in the allow-list.
	ErrUnsupportedType = errors.New("upload: unsupported content type")
)

// Upload is an incoming payload with its declared metadata. Declared values
// are untrusted and verified against the actual bytes.
type Upload struct {
	Content      io.Reader
	DeclaredSize int64
	DeclaredMime string
	Filename     string
	Subdir       string
}

// Stored describes the outcome of a successful upload.
type Stored struct {
	Provider storage.Provider
	Key      string
	MimeType string
	Size     int64
	Digest   string
	Filename string
}

// Locator returns the storage locator of the stored object.
func (s *Stored) Locator() storage.Locator {
	return storage.Locator{Provider: s.Provider, Key: s.Key}
}

// Config for the pipeline.
type Config struct {
	// MaxBytes is the hard payload cap. Zero means no cap.
	MaxBytes int64
	// AllowedTypes is the MIME type allow-list. Empty allows everything.
	AllowedTypes []string
	// StagingDir holds spool files during intake. Empty = os.TempDir.
	StagingDir string
}

// Pipeline validates and stores uploads through the active backend.
type Pipeline struct {
	router  *storage.Router
	cfg     Config
	allowed map[string]struct{}
	logger  *slog.Logger

	// storeBackoff bounds retries against a flapping backend.
	storeBackoff time.Duration
	storeRetries uint64
}

// NewPipeline creates a Pipeline storing through router's active backend.
func NewPipeline(router *storage.Router, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[normalizeMime(t)] = struct{}{}
	}

	return &Pipeline{
		router:       router,
		cfg:          cfg,
		allowed:      allowed,
		logger:       logger,
		storeBackoff: time.Second,
		storeRetries: 2,
	}
}

// Store runs the full pipeline. The spool file never outlives the call.
func (p *Pipeline) Store(ctx context.Context, up Upload) (*Stored, error) {
	spool, size, digest, err := p.stage(ctx, up)
	if err != nil {
		return nil, err
	}

	defer func() {
		spool.Close()

		if rmErr := os.Remove(spool.Name()); rmErr != nil && !os.IsNotExist(rmErr) {
			p.logger.Warn("removing spool file failed",
				slog.String("path", spool.Name()),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	mime, err := p.validate(spool, up, size)
	if err != nil {
		return nil, err
	}

	filename := norm.NFC.String(up.Filename)

	loc, err := p.putWithRetry(ctx, spool, storage.PutRequest{
		Size:     size,
		MimeType: mime,
		Filename: filename,
		Subdir:   up.Subdir,
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info("upload stored",
		slog.String("provider", string(loc.Provider)),
		slog.Int64("size", size),
		slog.String("mime_type", mime),
	)

	return &Stored{
		Provider: loc.Provider,
		Key:      loc.Key,
		MimeType: mime,
		Size:     size,
		Digest:   digest,
		Filename: filename,
	}, nil
}

// stage copies the payload into a spool file, enforcing the size cap and
// computing the digest on the way through. On error the spool file is already
// removed.
func (p *Pipeline) stage(ctx context.Context, up Upload) (*os.File, int64, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, "", fmt.Errorf("upload: canceled before staging: %w", err)
	}

	spool, err := os.CreateTemp(p.cfg.StagingDir, ".upload-*.tmp")
	if err != nil {
		return nil, 0, "", fmt.Errorf("upload: creating spool file: %w", err)
	}

	var ok bool

	defer func() {
		if !ok {
			spool.Close()
			os.Remove(spool.Name())
		}
	}()

	reader := up.Content
	if p.cfg.MaxBytes > 0 {
		// One extra byte: reading past the cap proves the payload is over it.
		reader = io.LimitReader(reader, p.cfg.MaxBytes+1)
	}

	hasher := sha256.New()

	size, err := io.Copy(io.MultiWriter(spool, hasher), reader)
	if err != nil {
		return nil, 0, "", fmt.Errorf("upload: staging payload: %w", err)
	}

	if p.cfg.MaxBytes > 0 && size > p.cfg.MaxBytes {
		return nil, 0, "", fmt.Errorf("upload: payload exceeds %d bytes: %w", p.cfg.MaxBytes, ErrPayloadTooLarge)
	}

	ok = true

	return spool, size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// validate checks the staged bytes against the declared metadata and the
// allow-list, and returns the effective MIME type (sniffed, not declared).
func (p *Pipeline) validate(spool *os.File, up Upload, size int64) (string, error) {
	if up.DeclaredSize > 0 && size != up.DeclaredSize {
		return "", fmt.Errorf("upload: staged %d bytes, declared %d: %w", size, up.DeclaredSize, ErrSizeMismatch)
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("upload: rewinding spool file: %w", err)
	}

	sniffed, err := mimetype.DetectReader(spool)
	if err != nil {
		return "", fmt.Errorf("upload: sniffing content type: %w", err)
	}

	mime := normalizeMime(sniffed.String())

	if len(p.allowed) > 0 {
		if _, found := p.allowed[mime]; !found {
			return "", fmt.Errorf("upload: content type %q: %w", mime, ErrUnsupportedType)
		}
	}

	if up.DeclaredMime != "" && normalizeMime(up.DeclaredMime) != mime {
		p.logger.Warn("declared content type differs from sniffed",
			slog.String("declared", up.DeclaredMime),
			slog.String("sniffed", mime),
		)
	}

	return mime, nil
}

// putWithRetry stores the spool file through the active backend, retrying
// transient backend failures with the spool rewound per attempt.
func (p *Pipeline) putWithRetry(ctx context.Context, spool *os.File, req storage.PutRequest) (storage.Locator, error) {
	adapter := p.router.Active()

	var loc storage.Locator

	backoff := retry.WithMaxRetries(p.storeRetries, retry.NewExponential(p.storeBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("upload: rewinding spool file: %w", err)
		}

		req.Content = spool

		var err error

		loc, err = adapter.Put(ctx, req)
		if err != nil {
			if errors.Is(err, storage.ErrStorageUnavailable) {
				p.logger.Warn("backend unavailable, retrying",
					slog.String("provider", string(adapter.Provider())),
					slog.String("error", err.Error()),
				)

				return retry.RetryableError(err)
			}

			return err
		}

		return nil
	})
	if err != nil {
		return storage.Locator{}, err
	}

	return loc, nil
}

// normalizeMime lowercases and strips parameters ("; charset=utf-8").
func normalizeMime(mime string) string {
	mime, _, _ = strings.Cut(mime, ";")

	return strings.ToLower(strings.TrimSpace(mime))
}

// SubdirForOwner derives a per-owner storage subdir from a principal ID,
// keeping backends organized without leaking raw identifiers into paths.
func SubdirForOwner(ownerID string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, ownerID)

	cleaned = strings.Trim(cleaned, "-")
	if cleaned == "" {
		return "shared"
	}

	return cleaned
}
