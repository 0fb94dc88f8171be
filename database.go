package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations
var migrationFiles embed.FS

// FreeStatusCode is the probe status that marks an article as freely readable
const FreeStatusCode = 200

const migrationsTable = "schema_migrations"

// sqlitePragmas are applied to every SQLite connection. WAL keeps feed reads from
// blocking on a running scrape.
const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

type dialect struct {
	name       string // driver name for database/sql and golang-migrate
	migrations string // directory under migrations/
	numbered   bool   // uses $1 placeholders
}

var (
	dialectSQLite   = dialect{name: "sqlite", migrations: "migrations/sqlite"}
	dialectPostgres = dialect{name: "postgres", migrations: "migrations/postgres", numbered: true}
)

// Store is the persistence boundary for fetch runs, articles and free status probes
type Store struct {
	db      *sql.DB
	dialect dialect
	source  string
}

// OpenStore opens a SQLite database file, or a Postgres database when location is a
// postgres:// URL
func OpenStore(location string) (*Store, error) {
	d, source := resolveLocation(location)
	slog.Debug("Opening database", "driver", d.name, "location", location)

	db, err := sql.Open(d.name, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{db: db, dialect: d, source: source}, nil
}

func resolveLocation(location string) (dialect, string) {
	if strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://") {
		return dialectPostgres, location
	}
	separator := "?"
	if strings.Contains(location, "?") {
		separator = "&"
	}
	return dialectSQLite, location + separator + sqlitePragmas
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates or upgrades the schema. It uses its own connection since
// golang-migrate closes the database it was given.
func (s *Store) Migrate() error {
	slog.Info("Initializing the database schema", "driver", s.dialect.name)

	src, err := iofs.New(migrationFiles, s.dialect.migrations)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	db, err := sql.Open(s.dialect.name, s.source)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}

	var driver database.Driver
	switch s.dialect {
	case dialectPostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	default:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: migrationsTable})
	}
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to prepare migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.dialect.name, driver)
	if err != nil {
		_ = driver.Close()
		return fmt.Errorf("failed to prepare migrations: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("Database schema already up to date")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	slog.Info("Database initialized successfully")
	return nil
}

// rebind rewrites ? placeholders into $n for dialects that need it
func (s *Store) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RecordFetchRun stores a new fetch run and returns its id
func (s *Store) RecordFetchRun(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`INSERT INTO fetch_runs (fetched_at) VALUES (?) RETURNING id`),
		time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record fetch run: %w", err)
	}

	slog.Debug("Recorded fetch run", "run_id", id)
	return id, nil
}

// UpsertArticles inserts the articles whose hash is not stored yet and returns how
// many rows were added. Existing articles are left untouched. The whole batch is
// committed in one transaction.
func (s *Store) UpsertArticles(ctx context.Context, runID int64, articles []ParsedArticle) (int, error) {
	slog.Debug("Storing articles", "count", len(articles), "run_id", runID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin article transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO articles (headline, url, subject, published_at, article_hash, fetch_run_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (article_hash) DO NOTHING`))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare article insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, article := range articles {
		hash := ArticleHash(article.Headline, article.Published)
		result, err := stmt.ExecContext(ctx,
			article.Headline, article.URL, article.Subject, article.Published.UTC(), hash, runID)
		if err != nil {
			return 0, fmt.Errorf("failed to insert article %s: %w", hash, err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read insert result for %s: %w", hash, err)
		}
		if rowsAffected > 0 {
			slog.Info("Added article", "headline", article.Headline, "hash", hash)
			inserted++
		} else {
			slog.Debug("Article already stored", "headline", article.Headline, "hash", hash)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit articles: %w", err)
	}

	slog.Debug("Articles stored successfully", "inserted", inserted)
	return inserted, nil
}

const articleColumns = `a.id, a.headline, a.url, a.subject, a.published_at, a.article_hash, a.fetch_run_id`

// AllArticles returns every stored article, newest first
func (s *Store) AllArticles(ctx context.Context) ([]Article, error) {
	return s.queryArticles(ctx, `
		SELECT `+articleColumns+`
		FROM articles a
		ORDER BY a.published_at DESC, a.id DESC`)
}

// FreeArticles returns the articles with at least one successful probe, newest first
func (s *Store) FreeArticles(ctx context.Context) ([]Article, error) {
	return s.queryArticles(ctx, `
		SELECT `+articleColumns+`
		FROM articles a
		WHERE EXISTS (
			SELECT 1 FROM free_status_probes p
			WHERE p.article_id = a.id AND p.status_code = ?
		)
		ORDER BY a.published_at DESC, a.id DESC`, FreeStatusCode)
}

// ArticlesAwaitingProbe returns the articles that have no successful probe yet
func (s *Store) ArticlesAwaitingProbe(ctx context.Context) ([]Article, error) {
	return s.queryArticles(ctx, `
		SELECT `+articleColumns+`
		FROM articles a
		WHERE NOT EXISTS (
			SELECT 1 FROM free_status_probes p
			WHERE p.article_id = a.id AND p.status_code = ?
		)
		ORDER BY a.id`, FreeStatusCode)
}

func (s *Store) queryArticles(ctx context.Context, query string, args ...any) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query articles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var articles []Article
	for rows.Next() {
		var a Article
		if err := rows.Scan(&a.ID, &a.Headline, &a.URL, &a.Subject, &a.PublishedAt, &a.Hash, &a.FetchRunID); err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate articles: %w", err)
	}

	slog.Debug("Retrieved articles from database", "count", len(articles))
	return articles, nil
}

// RecordProbe stores the outcome of one free status probe
func (s *Store) RecordProbe(ctx context.Context, articleID int64, statusCode int) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO free_status_probes (probed_at, article_id, status_code) VALUES (?, ?, ?)`),
		time.Now().UTC(), articleID, statusCode)
	if err != nil {
		return fmt.Errorf("failed to record probe for article %d: %w", articleID, err)
	}
	return nil
}

// ProbeCount returns how many probes were recorded for an article
func (s *Store) ProbeCount(ctx context.Context, articleID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM free_status_probes WHERE article_id = ?`),
		articleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count probes for article %d: %w", articleID, err)
	}
	return count, nil
}
