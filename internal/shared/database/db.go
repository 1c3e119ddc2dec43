package database

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/jexi-app/llm-router/internal/shared/models"
	_ "github.com/lib/pq"
)

// statementTimeout bounds every query issued by the router
const statementTimeout = 5 * time.Second

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// NewWithConn wraps an existing connection pool
func NewWithConn(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Migrate creates the router tables if they do not exist yet
func (db *DB) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS api_usage (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT,
			provider VARCHAR(50) NOT NULL,
			model VARCHAR(100),
			response_time DOUBLE PRECISION,
			success BOOLEAN NOT NULL DEFAULT TRUE,
			error_message TEXT,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_usage_provider ON api_usage (provider)`,
		`CREATE TABLE IF NOT EXISTS shared_keys (
			id BIGSERIAL PRIMARY KEY,
			provider VARCHAR(50) NOT NULL,
			encrypted_key TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_exhausted BOOLEAN NOT NULL DEFAULT FALSE,
			last_used TIMESTAMPTZ,
			exhausted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Record appends a usage record
func (db *DB) Record(ctx context.Context, rec models.UsageRecord) error {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	query := `
		INSERT INTO api_usage (
			request_id, provider, model, response_time, success, error_message, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx,
		query,
		nullString(rec.RequestID),
		rec.Provider,
		nullString(rec.Model),
		rec.ResponseTime,
		rec.Success,
		rec.ErrorMessage,
		ts,
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// UsageStats aggregates usage records per provider
func (db *DB) UsageStats(ctx context.Context) (map[string]models.ProviderUsageStats, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	query := `
		SELECT provider,
		       COUNT(*),
		       COALESCE(AVG(response_time), 0),
		       COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0)
		FROM api_usage
		GROUP BY provider
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]models.ProviderUsageStats)
	for rows.Next() {
		var (
			provider  string
			total     int
			avgTime   float64
			successes int
		)
		if err := rows.Scan(&provider, &total, &avgTime, &successes); err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		if total == 0 {
			total = 1
		}
		stats[provider] = models.ProviderUsageStats{
			TotalCalls:      total,
			AvgResponseTime: round(avgTime, 3),
			SuccessRate:     round(float64(successes)/float64(total), 4),
		}
	}

	return stats, rows.Err()
}

// ListSharedKeys returns all shared keys, active or not
func (db *DB) ListSharedKeys(ctx context.Context) ([]models.SharedKey, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	query := `
		SELECT id, provider, encrypted_key, is_active, is_exhausted, last_used, exhausted_at, created_at
		FROM shared_keys
		ORDER BY id
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var keys []models.SharedKey
	for rows.Next() {
		var k models.SharedKey
		err := rows.Scan(
			&k.ID,
			&k.Provider,
			&k.EncryptedKey,
			&k.IsActive,
			&k.IsExhausted,
			&k.LastUsedAt,
			&k.ExhaustedAt,
			&k.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		keys = append(keys, k)
	}

	return keys, rows.Err()
}

// InsertSharedKey stores an encrypted shared key and returns its id
func (db *DB) InsertSharedKey(ctx context.Context, provider, encryptedKey string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	query := `
		INSERT INTO shared_keys (provider, encrypted_key, is_active)
		VALUES ($1, $2, TRUE)
		RETURNING id
	`

	var id int64
	if err := db.conn.QueryRowContext(ctx, query, provider, encryptedKey).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert shared key: %w", err)
	}
	return id, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
