package db

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bias-lab/biaslab-go/internal/bias"
)

// ErrNotFound is returned when a queried entity does not exist.
var ErrNotFound = errors.New("not found")

// AnalysisChannel is the NOTIFY channel fed by the analyses insert trigger.
const AnalysisChannel = "analysis_stream"

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps a pgx connection pool and provides the Bias Lab queries.
type DB struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect creates a new DB instance, connects to PostgreSQL, and runs migrations.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	db, err := Open(ctx, dsn, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Open connects without migrating.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &DB{Pool: pool, logger: logger}, nil
}

// Migrate executes the embedded SQL migration files in name order.
func (db *DB) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	for _, e := range entries {
		sql, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		if _, err := db.Pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	db.logger.Info("database migrated", "files", len(entries))
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// ---------------------------------------------------------------------------
// Analyses
// ---------------------------------------------------------------------------

// InsertAnalysis stores a finished analysis. Re-inserting an ID is a no-op.
func (db *DB) InsertAnalysis(ctx context.Context, a *Analysis) error {
	scores, err := json.Marshal(a.Scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	highlights, err := json.Marshal(a.HighlightedPhrases)
	if err != nil {
		return fmt.Errorf("encode highlights: %w", err)
	}
	stages, err := json.Marshal(a.Stages)
	if err != nil {
		return fmt.Errorf("encode stages: %w", err)
	}

	_, err = db.Pool.Exec(ctx,
		`INSERT INTO analyses (id, url, url_key, source, title, author, published_at, word_count,
		                       scores, highlights, stages, confidence, bias_index, band, classifier,
		                       response_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.URL, a.URLKey, a.Source, a.Title, a.Author, a.PublishedAt, a.WordCount,
		scores, highlights, stages, a.Confidence, a.BiasIndex, a.Band, a.Classifier,
		a.ResponseTimeMs, a.AnalyzedAt)
	return err
}

const analysisColumns = `id, url, url_key, source, title, author, published_at, word_count,
	scores, highlights, stages, confidence, bias_index, band, classifier, response_time_ms, created_at`

// GetAnalysis retrieves an analysis by ID.
func (db *DB) GetAnalysis(ctx context.Context, id string) (*Analysis, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id)
	a, err := scanAnalysis(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAnalyses returns the most recent analyses, newest first.
func (db *DB) ListAnalyses(ctx context.Context, limit int) ([]Analysis, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+analysisColumns+` FROM analyses ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Analysis{}
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanAnalysis(row pgx.Row) (*Analysis, error) {
	var (
		a                          Analysis
		scores, highlights, stages []byte
		confidence, responseTimeMs float32
	)
	err := row.Scan(&a.ID, &a.URL, &a.URLKey, &a.Source, &a.Title, &a.Author, &a.PublishedAt, &a.WordCount,
		&scores, &highlights, &stages, &confidence, &a.BiasIndex, &a.Band, &a.Classifier, &responseTimeMs, &a.AnalyzedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scores, &a.Scores); err != nil {
		return nil, fmt.Errorf("decode scores: %w", err)
	}
	if len(highlights) > 0 {
		if err := json.Unmarshal(highlights, &a.HighlightedPhrases); err != nil {
			return nil, fmt.Errorf("decode highlights: %w", err)
		}
	}
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &a.Stages); err != nil {
			return nil, fmt.Errorf("decode stages: %w", err)
		}
	}
	a.Confidence = float64(confidence)
	a.ResponseTimeMs = float64(responseTimeMs)
	a.Insights = bias.Insights(a.Scores)
	return &a, nil
}

// ---------------------------------------------------------------------------
// Feedback
// ---------------------------------------------------------------------------

// InsertFeedback stores a human rating and fills in its ID and CreatedAt.
// An unknown analysis ID yields ErrNotFound.
func (db *DB) InsertFeedback(ctx context.Context, f *Feedback) error {
	scores, err := json.Marshal(f.Scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	err = db.Pool.QueryRow(ctx,
		`INSERT INTO feedback (analysis_id, rater, scores, comment) VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		f.AnalysisID, f.Rater, scores, f.Comment).Scan(&f.ID, &f.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrNotFound
	}
	return err
}

// ---------------------------------------------------------------------------
// Operations log
// ---------------------------------------------------------------------------

// InsertOpsLog appends an operations log entry.
func (db *DB) InsertOpsLog(ctx context.Context, e *OpsLogEntry) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO ops_log (component, action, detail, success) VALUES ($1, $2, $3, $4)`,
		e.Component, e.Action, e.Detail, e.Success)
	return err
}

// RecentOpsLog returns the newest operations log entries.
func (db *DB) RecentOpsLog(ctx context.Context, limit int) ([]OpsLogEntry, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, timestamp, component, action, detail, success
		 FROM ops_log ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []OpsLogEntry{}
	for rows.Next() {
		var e OpsLogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Component, &e.Action, &e.Detail, &e.Success); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ---------------------------------------------------------------------------
// Portfolio
// ---------------------------------------------------------------------------

// SourcePortfolio averages emotional tone and framing per source, busiest first.
func (db *DB) SourcePortfolio(ctx context.Context, limit int) ([]SourceStat, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT source,
		        COUNT(*),
		        AVG((scores->>'emotional_tone')::float8),
		        AVG((scores->>'framing_choices')::float8),
		        AVG(bias_index)::float8
		 FROM analyses
		 WHERE source <> ''
		 GROUP BY source
		 ORDER BY COUNT(*) DESC, source
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []SourceStat{}
	for rows.Next() {
		var s SourceStat
		if err := rows.Scan(&s.Source, &s.Articles, &s.AvgEmotionalTone, &s.AvgFramingChoices, &s.AvgBiasIndex); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
