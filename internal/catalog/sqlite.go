package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/studyshelf/studyshelf/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// timeLayout is RFC 3339 with fixed-width nanoseconds so that string ordering
// of created_at matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// OpenSQLite opens (or creates) the database at path and runs pending
// migrations. The connection is limited to one writer, which is how SQLite
// wants to be used.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("catalog: opening database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("catalog: pinging database: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()

		return nil, fmt.Errorf("catalog: setting migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		db.Close()

		return nil, fmt.Errorf("catalog: running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const resourceColumns = `id, owner_id, provider, storage_key, mime_type, size,
	digest, filename, title, visibility, download_count, created_at`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Resource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id)

	return scanResource(row)
}

func (s *SQLiteStore) Create(ctx context.Context, res *Resource) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}

	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	if res.Visibility == "" {
		res.Visibility = VisibilityPrivate
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (`+resourceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.OwnerID, string(res.Provider), res.Key, res.MimeType,
		res.Size, res.Digest, res.Filename, res.Title, string(res.Visibility),
		res.DownloadCount, res.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("catalog: inserting resource: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("catalog: deleting resource: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: checking delete result: %w", err)
	}

	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLiteStore) FindByDigest(ctx context.Context, digest string) (*Resource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE digest = ? ORDER BY created_at LIMIT 1`,
		digest)

	return scanResource(row)
}

func (s *SQLiteStore) CountByLocator(ctx context.Context, loc storage.Locator) (int64, error) {
	var count int64

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resources WHERE provider = ? AND storage_key = ?`,
		string(loc.Provider), loc.Key,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("catalog: counting locator references: %w", err)
	}

	return count, nil
}

func (s *SQLiteStore) MarkDownloaded(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE resources SET download_count = download_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("catalog: incrementing download count: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("catalog: checking update result: %w", err)
	}

	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+resourceColumns+` FROM resources ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing resources: %w", err)
	}
	defer rows.Close()

	var resources []*Resource

	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}

		resources = append(resources, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: iterating resources: %w", err)
	}

	return resources, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanResource(row scanner) (*Resource, error) {
	var (
		res       Resource
		provider  string
		visib     string
		createdAt string
	)

	err := row.Scan(&res.ID, &res.OwnerID, &provider, &res.Key, &res.MimeType,
		&res.Size, &res.Digest, &res.Filename, &res.Title, &visib,
		&res.DownloadCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("catalog: scanning resource: %w", err)
	}

	res.Provider = storage.Provider(provider)
	res.Visibility = Visibility(visib)

	res.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("catalog: parsing created_at %q: %w", createdAt, err)
	}

	return &res, nil
}
