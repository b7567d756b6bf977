// Package registry stores the model and provider lookup tables in SQLite.
package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/convo/internal/ir"
	"github.com/roach88/convo/internal/pathscope"
	"github.com/roach88/convo/internal/provider"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added index on models.provider_id
const currentSchemaVersion = 1

// DefaultPath is the registry location relative to the data root.
const DefaultPath = "registry.db"

// Provider is a configured completion backend.
type Provider struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	Type      provider.Type `json:"type" yaml:"type"`
	BaseURL   string        `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey    string        `json:"-" yaml:"api_key,omitempty"`
	CreatedAt time.Time     `json:"created_at" yaml:"-"`
}

// Model is a model offered by a provider.
type Model struct {
	ID          string    `json:"id" yaml:"id"`
	ProviderID  string    `json:"provider_id" yaml:"provider_id"`
	Name        string    `json:"name" yaml:"name"`
	DisplayName string    `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
}

// Registry provides durable storage for models and providers.
// Uses SQLite with WAL mode.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the registry database at rel under scope.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(scope *pathscope.Scope, rel string) (*Registry, error) {
	path, err := scope.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return openPath(path)
}

// OpenMemory opens a private in-memory registry.
func OpenMemory() (*Registry, error) {
	return openPath(":memory:")
}

func openPath(path string) (*Registry, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time. A single connection also keeps
	// ":memory:" databases from being split across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Registry{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_models_provider ON models(provider_id)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func notFound(op, kind, id string) error {
	return ir.NewError(ir.ErrCodeNotFound, op, "", fmt.Errorf("%s %q", kind, id))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// PutProvider inserts or replaces a provider. CreatedAt is preserved on
// update.
func (r *Registry) PutProvider(ctx context.Context, p Provider) error {
	if p.ID == "" {
		return ir.NewError(ir.ErrCodeValidation, "registry.put_provider", "", errors.New("provider id is empty"))
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO providers (id, name, type, base_url, api_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			base_url = excluded.base_url,
			api_key = excluded.api_key
	`, p.ID, p.Name, string(p.Type), p.BaseURL, p.APIKey, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("put provider: %w", err)
	}
	return nil
}

// GetProvider returns a provider or a not-found error.
func (r *Registry) GetProvider(ctx context.Context, id string) (Provider, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, type, base_url, api_key, created_at
		FROM providers WHERE id = ?
	`, id)
	p, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Provider{}, notFound("registry.get_provider", "provider", id)
	}
	return p, err
}

// ListProviders returns all providers ordered by ID.
func (r *Registry) ListProviders(ctx context.Context) ([]Provider, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, type, base_url, api_key, created_at
		FROM providers ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	out := []Provider{}
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate providers: %w", err)
	}
	return out, nil
}

// DeleteProvider removes a provider and, by cascade, its models.
func (r *Registry) DeleteProvider(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("registry.delete_provider", "provider", id)
	}
	return nil
}

// PutModel inserts or replaces a model. The provider must exist.
func (r *Registry) PutModel(ctx context.Context, m Model) error {
	if m.ID == "" {
		return ir.NewError(ir.ErrCodeValidation, "registry.put_model", "", errors.New("model id is empty"))
	}
	if _, err := r.GetProvider(ctx, m.ProviderID); err != nil {
		return err
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO models (id, provider_id, name, display_name, max_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_id = excluded.provider_id,
			name = excluded.name,
			display_name = excluded.display_name,
			max_tokens = excluded.max_tokens
	`, m.ID, m.ProviderID, m.Name, m.DisplayName, m.MaxTokens, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("put model: %w", err)
	}
	return nil
}

// GetModel returns a model or a not-found error.
func (r *Registry) GetModel(ctx context.Context, id string) (Model, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, provider_id, name, display_name, max_tokens, created_at
		FROM models WHERE id = ?
	`, id)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Model{}, notFound("registry.get_model", "model", id)
	}
	return m, err
}

// ListModels returns models ordered by ID, optionally filtered by provider.
func (r *Registry) ListModels(ctx context.Context, providerID string) ([]Model, error) {
	query := `
		SELECT id, provider_id, name, display_name, max_tokens, created_at
		FROM models`
	var args []any
	if providerID != "" {
		query += ` WHERE provider_id = ?`
		args = append(args, providerID)
	}
	query += ` ORDER BY id COLLATE BINARY ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	out := []Model{}
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate models: %w", err)
	}
	return out, nil
}

// DeleteModel removes a model.
func (r *Registry) DeleteModel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("registry.delete_model", "model", id)
	}
	return nil
}

// Resolve looks up a model and the provider that serves it.
func (r *Registry) Resolve(ctx context.Context, modelID string) (Model, Provider, error) {
	m, err := r.GetModel(ctx, modelID)
	if err != nil {
		return Model{}, Provider{}, err
	}
	p, err := r.GetProvider(ctx, m.ProviderID)
	if err != nil {
		return Model{}, Provider{}, err
	}
	return m, p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProvider(row scanner) (Provider, error) {
	var p Provider
	var typ, created string
	if err := row.Scan(&p.ID, &p.Name, &typ, &p.BaseURL, &p.APIKey, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan provider: %w", err)
	}
	p.Type = provider.Type(typ)
	t, err := parseTime(created)
	if err != nil {
		return p, fmt.Errorf("scan provider %s: created_at: %w", p.ID, err)
	}
	p.CreatedAt = t
	return p, nil
}

func scanModel(row scanner) (Model, error) {
	var m Model
	var created string
	if err := row.Scan(&m.ID, &m.ProviderID, &m.Name, &m.DisplayName, &m.MaxTokens, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan model: %w", err)
	}
	t, err := parseTime(created)
	if err != nil {
		return m, fmt.Errorf("scan model %s: created_at: %w", m.ID, err)
	}
	m.CreatedAt = t
	return m, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (r *Registry) verifyPragma(name, expected string) error {
	var value string
	if err := r.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
