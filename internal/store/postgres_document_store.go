package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const documentsSchema = `
	CREATE TABLE IF NOT EXISTS config_documents (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		data       JSONB NOT NULL DEFAULT '{}'::jsonb,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (namespace, key)
	);
`

// PostgresDocumentStore implements DocumentStore for PostgreSQL
type PostgresDocumentStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresDocumentStore creates a document store on a shared pool
func NewPostgresDocumentStore(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgresDocumentStore, error) {
	if _, err := pool.Exec(ctx, documentsSchema); err != nil {
		return nil, fmt.Errorf("failed to create config_documents schema: %w", err)
	}
	return &PostgresDocumentStore{pool: pool, logger: logger}, nil
}

// GetOrCreate returns the document, inserting {"id": key} when absent
func (s *PostgresDocumentStore) GetOrCreate(ctx context.Context, namespace, key string) (*Document, error) {
	query := `
		INSERT INTO config_documents (namespace, key, data)
		VALUES ($1, $2, jsonb_build_object('id', $2::text))
		ON CONFLICT (namespace, key) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, namespace, key); err != nil {
		return nil, fmt.Errorf("failed to create document %s/%s: %w", namespace, key, err)
	}

	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM config_documents WHERE namespace = $1 AND key = $2`,
		namespace, key,
	).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s/%s: %w", namespace, key, err)
	}

	data := make(map[string]interface{})
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode document %s/%s: %w", namespace, key, err)
	}

	return &Document{Namespace: namespace, Key: key, Data: data}, nil
}

// Update merges partial into the stored document in a single statement so
// concurrent writers of different keys do not lose each other's updates
func (s *PostgresDocumentStore) Update(ctx context.Context, namespace, key string, partial map[string]interface{}) error {
	payload, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("failed to marshal document update: %w", err)
	}

	query := `
		INSERT INTO config_documents (namespace, key, data, updated_at)
		VALUES ($1, $2, jsonb_build_object('id', $2::text) || $3::jsonb, NOW())
		ON CONFLICT (namespace, key)
		DO UPDATE SET data = config_documents.data || $3::jsonb, updated_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, namespace, key, string(payload)); err != nil {
		return fmt.Errorf("failed to update document %s/%s: %w", namespace, key, err)
	}

	s.logger.Debug("Document updated",
		zap.String("namespace", namespace),
		zap.String("key", key))
	return nil
}

// Ping checks the database connection
func (s *PostgresDocumentStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the shared pool is closed by its owner
func (s *PostgresDocumentStore) Close() {}
