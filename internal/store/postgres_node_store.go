package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xiaoruiguo/crowbar-core/internal/model"
	"go.uber.org/zap"
)

const nodesSchema = `
	CREATE TABLE IF NOT EXISTS nodes (
		name         TEXT PRIMARY KEY,
		alias        TEXT NOT NULL DEFAULT '',
		address      TEXT NOT NULL DEFAULT '',
		architecture TEXT NOT NULL DEFAULT '',
		platform     TEXT NOT NULL DEFAULT '',
		roles        TEXT[] NOT NULL DEFAULT '{}',
		attributes   JSONB NOT NULL DEFAULT '{}'::jsonb,
		version      BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS nodes_alias_idx ON nodes (alias);
`

// PostgresNodeDirectory implements NodeDirectory for PostgreSQL. Restart flags
// live under attributes->'restart_flags'; other attributes are left untouched.
type PostgresNodeDirectory struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresPool creates and pings a PostgreSQL connection pool
func NewPostgresPool(
	ctx context.Context,
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
) (*pgxpool.Pool, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// NewPostgresNodeDirectory creates a node directory on a shared pool
func NewPostgresNodeDirectory(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgresNodeDirectory, error) {
	if _, err := pool.Exec(ctx, nodesSchema); err != nil {
		return nil, fmt.Errorf("failed to create nodes schema: %w", err)
	}
	return &PostgresNodeDirectory{pool: pool, logger: logger}, nil
}

// Find returns the nodes matching the query, ordered by name
func (s *PostgresNodeDirectory) Find(ctx context.Context, query NodeQuery) ([]*model.Node, error) {
	sql := `
		SELECT name, alias, address, architecture, platform, roles, attributes->'restart_flags', version
		FROM nodes
		WHERE ($1 = '' OR $1 = ANY(roles))
		  AND (NOT $2 OR COALESCE(attributes->'restart_flags', '{}'::jsonb) <> '{}'::jsonb)
		ORDER BY name
	`

	rows, err := s.pool.Query(ctx, sql, query.Role, query.WithRestartFlags)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]*model.Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		// the jsonb filter cannot see services mapped to false
		if query.Matches(node) {
			nodes = append(nodes, node)
		}
	}

	return nodes, rows.Err()
}

// FindByNameOrAlias returns the node whose name or alias matches
func (s *PostgresNodeDirectory) FindByNameOrAlias(ctx context.Context, name string) (*model.Node, error) {
	sql := `
		SELECT name, alias, address, architecture, platform, roles, attributes->'restart_flags', version
		FROM nodes
		WHERE name = $1 OR alias = $1
		ORDER BY (name = $1) DESC
		LIMIT 1
	`

	node, err := scanNode(s.pool.QueryRow(ctx, sql, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", name, err)
	}
	return node, nil
}

// Save persists the restart flags of a node with optimistic locking
func (s *PostgresNodeDirectory) Save(ctx context.Context, node *model.Node) error {
	var (
		sql  string
		args []interface{}
	)

	if node.RestartFlags.Empty() {
		sql = `
			UPDATE nodes
			SET attributes = attributes - 'restart_flags', version = version + 1
			WHERE name = $1 AND version = $2
		`
		args = []interface{}{node.Name, node.Version}
	} else {
		flags, err := json.Marshal(node.RestartFlags.Document())
		if err != nil {
			return fmt.Errorf("failed to marshal restart flags: %w", err)
		}
		sql = `
			UPDATE nodes
			SET attributes = jsonb_set(attributes, '{restart_flags}', $3::jsonb, true), version = version + 1
			WHERE name = $1 AND version = $2
		`
		args = []interface{}{node.Name, node.Version, string(flags)}
	}

	result, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to save node %s: %w", node.Name, err)
	}

	if result.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM nodes WHERE name = $1)`, node.Name).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check node %s: %w", node.Name, err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	node.Version++
	s.logger.Debug("Node saved",
		zap.String("node", node.Name),
		zap.Int64("version", node.Version))
	return nil
}

// Ping checks the database connection
func (s *PostgresNodeDirectory) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the shared pool is closed by its owner
func (s *PostgresNodeDirectory) Close() {}

func scanNode(row pgx.Row) (*model.Node, error) {
	var (
		node  model.Node
		flags []byte
	)
	if err := row.Scan(
		&node.Name,
		&node.Alias,
		&node.Address,
		&node.Architecture,
		&node.Platform,
		&node.Roles,
		&flags,
		&node.Version,
	); err != nil {
		return nil, err
	}

	node.RestartFlags = model.RestartFlagSet{}
	if len(flags) > 0 {
		var doc map[string]interface{}
		if err := json.Unmarshal(flags, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode restart flags of %s: %w", node.Name, err)
		}
		node.RestartFlags = model.NewRestartFlagSet(doc)
	}
	return &node, nil
}
