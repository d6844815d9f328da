// Package gallery is the image API: a bearer-protected resource server whose
// image routes are guarded by ownership and role policies.
package gallery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"imagegallery/policy"
)

var (
	// ErrImageNotFound also matches policy.ErrResourceNotFound.
	ErrImageNotFound = fmt.Errorf("image %w", policy.ErrResourceNotFound)
	ErrImageExists   = errors.New("image already exists")
)

// Image is the metadata of one gallery image.
type Image struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	FileName  string    `json:"file_name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository persists images.
type Repository interface {
	List(ctx context.Context, ownerID string) ([]Image, error)
	Get(ctx context.Context, id uuid.UUID) (Image, error)
	Create(ctx context.Context, img Image) error
	Update(ctx context.Context, img Image) error
	Delete(ctx context.Context, id uuid.UUID) error
	// OwnerOf reads the owner subject of an image. It satisfies policy.OwnerLookup.
	OwnerOf(ctx context.Context, id string) (string, error)
}

// SQLRepository stores images in postgres or sqlite.
type SQLRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

var _ Repository = (*SQLRepository)(nil)

// OpenRepository connects to the configured database and creates the schema.
func OpenRepository(ctx context.Context, cfg DatabaseConfig) (*SQLRepository, error) {
	if cfg.Driver == "sqlite" {
		if err := ensureSQLiteDir(cfg.DSN); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == "sqlite" {
		// One writer at a time; also keeps ":memory:" on a single database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	repo := NewSQLRepository(db, cfg.Driver)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// NewSQLRepository wraps an open database. driver selects the placeholder style.
func NewSQLRepository(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: db, driver: driver, now: time.Now}
}

// Close closes the database.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// Ping checks the database connection.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// EnsureSchema creates the images table if it does not exist.
func (r *SQLRepository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS images (
			id         VARCHAR(36) PRIMARY KEY,
			title      VARCHAR(150) NOT NULL,
			file_name  VARCHAR(200) NOT NULL,
			owner_id   VARCHAR(100) NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_images_owner ON images (owner_id)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Seed inserts images when the table is empty.
func (r *SQLRepository) Seed(ctx context.Context, images []Image) error {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&count); err != nil {
		return fmt.Errorf("count images: %w", err)
	}
	if count > 0 {
		return nil
	}
	for _, img := range images {
		if err := r.Create(ctx, img); err != nil && !errors.Is(err, ErrImageExists) {
			return fmt.Errorf("seed %s: %w", img.ID, err)
		}
	}
	return nil
}

// List returns the owner's images, oldest first.
func (r *SQLRepository) List(ctx context.Context, ownerID string) ([]Image, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(
		`SELECT id, title, file_name, owner_id, created_at FROM images WHERE owner_id = ? ORDER BY created_at, title`),
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	images := []Image{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return images, nil
}

// Get loads one image.
func (r *SQLRepository) Get(ctx context.Context, id uuid.UUID) (Image, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(
		`SELECT id, title, file_name, owner_id, created_at FROM images WHERE id = ?`),
		id.String(),
	)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Image{}, ErrImageNotFound
	}
	return img, err
}

// Create inserts img. A zero CreatedAt is set to now.
func (r *SQLRepository) Create(ctx context.Context, img Image) error {
	if img.CreatedAt.IsZero() {
		img.CreatedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, r.rebind(
		`INSERT INTO images (id, title, file_name, owner_id, created_at) VALUES (?, ?, ?, ?, ?)`),
		img.ID.String(), img.Title, img.FileName, img.OwnerID, img.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrImageExists
		}
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

// Update replaces the title of an existing image.
func (r *SQLRepository) Update(ctx context.Context, img Image) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`UPDATE images SET title = ? WHERE id = ?`), img.Title, img.ID.String())
	if err != nil {
		return fmt.Errorf("update image: %w", err)
	}
	return expectOneRow(res)
}

// Delete removes an image.
func (r *SQLRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM images WHERE id = ?`), id.String())
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	return expectOneRow(res)
}

// OwnerOf reads the owner on every call; ownership is never cached.
func (r *SQLRepository) OwnerOf(ctx context.Context, id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", ErrImageNotFound
	}
	var owner string
	err = r.db.QueryRowContext(ctx, r.rebind(`SELECT owner_id FROM images WHERE id = ?`), parsed.String()).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrImageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup owner: %w", err)
	}
	return owner, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanImage(s scanner) (Image, error) {
	var (
		img     Image
		id      string
		created int64
	)
	if err := s.Scan(&id, &img.Title, &img.FileName, &img.OwnerID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Image{}, err
		}
		return Image{}, fmt.Errorf("scan image: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Image{}, fmt.Errorf("scan image: bad id %q: %w", id, err)
	}
	img.ID = parsed
	img.CreatedAt = time.Unix(0, created).UTC()
	return img, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrImageNotFound
	}
	return nil
}

// ensureSQLiteDir creates the parent directory of a file-backed sqlite DSN.
func ensureSQLiteDir(dsn string) error {
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}
	return nil
}

// rebind rewrites "?" placeholders as "$n" for postgres.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY ||
			sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// SeedImages are the demo images owned by the two seeded IDP users.
func SeedImages() []Image {
	const (
		frank  = "d860efca-22d9-47fd-8249-791ba61b07c7"
		claire = "b7539694-97e7-4dfe-84da-b4256e1ff5c7"
	)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := []struct{ id, title, owner string }{
		{"25320c5e-f58a-4b1f-b63a-8ee07a840bdf", "An image by Frank", frank},
		{"2bd9e0df-63b5-4f8d-a1a7-2b45b0d6e6de", "An image by Frank", frank},
		{"3fbe2aea-2257-44f2-b3b1-3d8bacade89c", "An image by Frank", frank},
		{"43ee49be-7b3f-4a6a-9c0d-5b2d1c7b2a11", "An image by Claire", claire},
		{"5c2f3b8e-1f4d-4a3b-8c6e-7d9a0b1c2d3e", "An image by Claire", claire},
		{"6b33c074-65cf-4f2b-913a-1b2d3c4e5f60", "An image by Claire", claire},
	}
	out := make([]Image, 0, len(seed))
	for i, s := range seed {
		out = append(out, Image{
			ID:        uuid.MustParse(s.id),
			Title:     s.title,
			FileName:  s.id + ".jpg",
			OwnerID:   s.owner,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return out
}
