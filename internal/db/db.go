// Package db is the PostgreSQL-backed metadata store: schema migrations,
// the drive allocator query, and CRUD for drives and files.
package db

import (
	"context"
	"crypto/rand"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chiya-dev/castella-gateway/internal/gatewayerr"
	"github.com/chiya-dev/castella-gateway/internal/metadata"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schemaVersion is the highest migration step this binary understands.
// Migrate tracks the applied version in the config table under
// migrationVersionKey; a stored version greater than this is refused rather
// than silently partially applied.
const schemaVersion = 1

// migrationVersionKey is the config row holding the applied schema version,
// matching the original's define_key!(1, MigrationVersion, ...).
const migrationVersionKey = 1

const driveNameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Store wraps a pooled Postgres connection and implements the metadata
// store operations named in §4.5.
type Store struct {
	pool *pgxpool.Pool
}

// Open creates a bounded connection pool (max 10 conns, matching the
// ambient persistence budget) against connString.
func Open(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindDb, "db.Open", err)
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindDb, "db.Open", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Migrate applies any migration steps newer than the schema's current
// recorded version, refusing to run if the recorded version is newer than
// this binary understands.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return gatewayerr.New(gatewayerr.KindDb, "db.Migrate", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS config (key INTEGER PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return gatewayerr.New(gatewayerr.KindDb, "db.Migrate", err)
	}

	var versionStr string
	err = tx.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, migrationVersionKey).Scan(&versionStr)
	current := 0
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		current = 0
	case err != nil:
		return gatewayerr.New(gatewayerr.KindDb, "db.Migrate", err)
	default:
		current, err = strconv.Atoi(versionStr)
		if err != nil {
			return gatewayerr.New(gatewayerr.KindDb, "db.Migrate", err)
		}
	}

	if current > schemaVersion {
		return gatewayerr.New(gatewayerr.KindMigrationVersion, "db.Migrate",
			fmt.Errorf("recorded schema version %d is newer than this binary's %d", current, schemaVersion))
	}

	steps, err := migrationSteps()
	if err != nil {
		return gatewayerr.New(gatewayerr.KindMigrationVersion, "db.Migrate", err)
	}

	for _, step := range steps {
		if step.version <= current {
			continue
		}
		if _, err := tx.Exec(ctx, step.sql); err != nil {
			return gatewayerr.New(gatewayerr.KindDb, "db.Migrate", err)
		}
		current = step.version
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		migrationVersionKey, strconv.Itoa(current)); err != nil {
		return gatewayerr.New(gatewayerr.KindDb, "db.Migrate", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return gatewayerr.New(gatewayerr.KindDb, "db.Migrate", err)
	}
	return nil
}

type migrationStep struct {
	version int
	sql     string
}

// migrationSteps reads every embedded NNNN_*.sql file and returns them
// ordered by their leading numeric version, one multi-statement Exec per
// step rather than splitting SQL text on ';'.
func migrationSteps() ([]migrationStep, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	steps := make([]migrationStep, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("db: migration file %q has no version prefix", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("db: migration file %q has a non-numeric version prefix: %w", name, err)
		}
		contents, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		steps = append(steps, migrationStep{version: version, sql: string(contents)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// AddDrive inserts a new drive record and returns it.
func (s *Store) AddDrive(ctx context.Context, id string) (*metadata.Drive, error) {
	d := &metadata.Drive{ID: id}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO drives (id) VALUES ($1) RETURNING drive_key, created_time`,
		id).Scan(&d.DriveKey, &d.CreatedTime)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindDb, "db.AddDrive", err)
	}
	return d, nil
}

// GetDriveByLeastFiles returns the drive with the fewest files whose file
// count does not exceed max (a drive holding exactly max files still
// qualifies), or (nil, nil) if every drive holds more than max files
// (including the case of zero drives).
func (s *Store) GetDriveByLeastFiles(ctx context.Context, max int32) (*metadata.Drive, error) {
	d := &metadata.Drive{}
	err := s.pool.QueryRow(ctx, `
		SELECT d.drive_key, d.id, d.created_time
		FROM drives d
		LEFT JOIN (
			SELECT drive_key, COUNT(*) AS file_count
			FROM files
			GROUP BY drive_key
		) f ON f.drive_key = d.drive_key
		WHERE COALESCE(f.file_count, 0) <= $1
		ORDER BY COALESCE(f.file_count, 0) ASC, d.drive_key ASC
		LIMIT 1`, max).Scan(&d.DriveKey, &d.ID, &d.CreatedTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindDb, "db.GetDriveByLeastFiles", err)
	}
	return d, nil
}

// AddFile inserts a new file record and returns it.
func (s *Store) AddFile(ctx context.Context, id string, driveKey int32, size int64, contentType string, secret []byte) (*metadata.File, error) {
	if len(secret) != metadata.SecretSize {
		return nil, gatewayerr.New(gatewayerr.KindDb, "db.AddFile", fmt.Errorf("secret must be %d bytes, got %d", metadata.SecretSize, len(secret)))
	}
	f := &metadata.File{ID: id, DriveKey: driveKey, Size: size, ContentType: contentType, Secret: secret}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO files (id, drive_key, size, content_type, secret)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING file_key, created_time, accessed_time`,
		id, driveKey, size, contentType, secret).Scan(&f.FileKey, &f.CreatedTime, &f.AccessedTime)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindDb, "db.AddFile", err)
	}
	return f, nil
}

// GetFileByKey looks up a file by its key. When touch is true, accessed_time
// is advanced to now() as part of the same statement.
func (s *Store) GetFileByKey(ctx context.Context, key int32, touch bool) (*metadata.File, error) {
	f := &metadata.File{FileKey: key}
	query := `SELECT id, drive_key, size, content_type, created_time, accessed_time, secret FROM files WHERE file_key = $1`
	if touch {
		query = `UPDATE files SET accessed_time = now() WHERE file_key = $1
		         RETURNING id, drive_key, size, content_type, created_time, accessed_time, secret`
	}
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&f.ID, &f.DriveKey, &f.Size, &f.ContentType, &f.CreatedTime, &f.AccessedTime, &f.Secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gatewayerr.New(gatewayerr.KindNotFound, "db.GetFileByKey", err)
	}
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindDb, "db.GetFileByKey", err)
	}
	return f, nil
}

// DeleteFileByKey removes a file record and returns it so the caller can
// issue the matching remote delete.
func (s *Store) DeleteFileByKey(ctx context.Context, key int32) (*metadata.File, error) {
	f := &metadata.File{FileKey: key}
	err := s.pool.QueryRow(ctx, `
		DELETE FROM files WHERE file_key = $1
		RETURNING id, drive_key, size, content_type, created_time, accessed_time, secret`,
		key).Scan(&f.ID, &f.DriveKey, &f.Size, &f.ContentType, &f.CreatedTime, &f.AccessedTime, &f.Secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gatewayerr.New(gatewayerr.KindNotFound, "db.DeleteFileByKey", err)
	}
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindDb, "db.DeleteFileByKey", err)
	}
	return f, nil
}

// NewDriveName generates a random "castella-XXXXXXXXXX" remote drive name.
func NewDriveName() (string, error) {
	suffix := make([]byte, 10)
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		suffix[i] = driveNameAlphabet[int(b)%len(driveNameAlphabet)]
	}
	return "castella-" + string(suffix), nil
}
