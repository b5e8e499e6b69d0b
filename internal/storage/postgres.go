package storage

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/bdougie/uicollage/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore keeps sessions and result sets in PostgreSQL, with result set
// fingerprints in a pgvector column
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore runs pending migrations and connects a pool.
func NewPostgresStore(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	if err := RunMigrations(databaseURL, logger); err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	config.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(databaseURL string, logger *slog.Logger) error {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	if logger != nil {
		logger.Info("migrations applied", "version", version, "dirty", dirty)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, userID string, first models.ChatMessage) (string, error) {
	payload, err := json.Marshal(first)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	id := uuid.NewString()
	now := nowMillis()
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_sessions (id, user_id, created_at, last_updated) VALUES ($1, $2, $3, $3)`,
			id, userID, now); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO chat_messages (session_id, message) VALUES ($1, $2)`,
			id, payload)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, userID, sessionID string, msg models.ChatMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE chat_sessions SET last_updated = $3 WHERE id = $1 AND user_id = $2`,
			sessionID, userID, nowMillis())
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_messages (session_id, message) VALUES ($1, $2)`,
			sessionID, payload); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) LoadSession(ctx context.Context, userID, sessionID string) (*models.ChatSession, error) {
	sess := &models.ChatSession{ID: sessionID, UserID: userID}
	var current *string
	err := s.pool.QueryRow(ctx,
		`SELECT current_image_set_id, created_at, last_updated FROM chat_sessions WHERE id = $1 AND user_id = $2`,
		sessionID, userID).Scan(&current, &sess.CreatedAt, &sess.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if current != nil {
		sess.CurrentImageSetID = *current
	}

	rows, err := s.pool.Query(ctx,
		`SELECT message FROM chat_messages WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m models.ChatMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		sess.Messages = append(sess.Messages, m)
	}
	return sess, rows.Err()
}

func (s *PostgresStore) LinkImageSet(ctx context.Context, userID, sessionID, setID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET current_image_set_id = $3, last_updated = $4 WHERE id = $1 AND user_id = $2`,
		sessionID, userID, setID, nowMillis())
	if err != nil {
		return fmt.Errorf("link image set: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SaveResultSet(ctx context.Context, userID string, set *models.ReferenceSet) (string, error) {
	prepareSet(set)
	data, err := encodeSet(set)
	if err != nil {
		return "", err
	}

	var fingerprint any
	if len(set.Fingerprint) == FingerprintDims {
		fingerprint = pgvector.NewVector(set.Fingerprint)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO reference_sets (user_id, id, payload, fingerprint, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, id) DO UPDATE SET payload = EXCLUDED.payload, fingerprint = EXCLUDED.fingerprint`,
			userID, set.ID, data, fingerprint, set.Timestamp); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO user_history (user_id, last_accessed) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET last_accessed = EXCLUDED.last_accessed`,
			userID, nowMillis())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("save result set: %w", err)
	}
	return set.ID, nil
}

func (s *PostgresStore) LoadResultSet(ctx context.Context, userID, setID string) (*models.ReferenceSet, error) {
	return loadPgSet(ctx, s.pool, userID, setID, "")
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadPgSet(ctx context.Context, q queryRower, userID, setID, lock string) (*models.ReferenceSet, error) {
	var raw []byte
	err := q.QueryRow(ctx,
		`SELECT payload FROM reference_sets WHERE user_id = $1 AND id = $2`+lock,
		userID, setID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("result set %s: %w", setID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load result set: %w", err)
	}
	var set models.ReferenceSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("unmarshal result set: %w", err)
	}
	return &set, nil
}

func (s *PostgresStore) update(ctx context.Context, userID, setID string, fn func(*models.ReferenceSet)) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		set, err := loadPgSet(ctx, tx, userID, setID, " FOR UPDATE")
		if err != nil {
			return err
		}
		fn(set)
		data, err := encodeSet(set)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE reference_sets SET payload = $3 WHERE user_id = $1 AND id = $2`,
			userID, setID, data); err != nil {
			return fmt.Errorf("update result set: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) SaveRating(ctx context.Context, userID, setID string, rating models.Rating) error {
	return s.update(ctx, userID, setID, func(set *models.ReferenceSet) {
		set.Rating = &rating
	})
}

func (s *PostgresStore) AppendDiscussion(ctx context.Context, userID, setID string, msg models.ChatMessage) error {
	return s.update(ctx, userID, setID, func(set *models.ReferenceSet) {
		appendDiscussion(set, msg)
	})
}

func (s *PostgresStore) LoadHistory(ctx context.Context, userID string) (*models.UserHistory, error) {
	h := &models.UserHistory{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT last_accessed FROM user_history WHERE user_id = $1`, userID).Scan(&h.LastAccessed)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load last accessed: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, created_at FROM reference_sets WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var info models.ReferenceSetInfo
		if err := rows.Scan(&info.ID, &info.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.ReferenceSets = append(h.ReferenceSets, info)
	}
	return h, rows.Err()
}

// SearchSimilar finds the user's result sets closest to fingerprint
func (s *PostgresStore) SearchSimilar(ctx context.Context, userID string, fingerprint []float32, limit int) ([]models.SimilarSet, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, created_at, 1 - (fingerprint <=> $1) AS similarity
        FROM reference_sets
        WHERE user_id = $2 AND fingerprint IS NOT NULL
        ORDER BY fingerprint <=> $1
        LIMIT $3`,
		pgvector.NewVector(fingerprint), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search similar sets: %w", err)
	}
	defer rows.Close()

	var results []models.SimilarSet
	for rows.Next() {
		var r models.SimilarSet
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search results: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
