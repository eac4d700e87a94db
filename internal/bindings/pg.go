package bindings

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PGProvider exposes a thin passthrough surface over a PostgreSQL
// connection as the "pg" binding group. Statement construction and
// validation belong to the tool layer; the provider only executes what it
// is handed.
type PGProvider struct {
	db *sql.DB
}

// NewPGProvider opens a connection pool for the given DSN and verifies it
// with a ping.
func NewPGProvider(dsn string) (*PGProvider, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &PGProvider{db: db}, nil
}

// Registry returns the "pg" binding group.
func (p *PGProvider) Registry() Registry {
	return Registry{
		"pg": {
			"ping":    p.ping,
			"version": p.version,
			"query":   p.query,
			"exec":    p.exec,
		},
	}
}

// Close releases the connection pool.
func (p *PGProvider) Close() error {
	return p.db.Close()
}

func (p *PGProvider) ping(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := p.db.PingContext(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

func (p *PGProvider) version(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	var version string
	if err := p.db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		return nil, err
	}
	return version, nil
}

// query runs a statement expected to return rows. Params: sql (string),
// args ([]any, optional). Rows come back as a list of column->value maps.
func (p *PGProvider) query(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	stmt, args, err := statementParams(params)
	if err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			// lib/pq returns []byte for text columns; normalize to string
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// exec runs a statement with no result set. Returns rows affected.
func (p *PGProvider) exec(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	stmt, args, err := statementParams(params)
	if err != nil {
		return nil, err
	}

	res, err := p.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"rowsAffected": affected}, nil
}

func statementParams(params map[string]interface{}) (string, []interface{}, error) {
	stmt, ok := params["sql"].(string)
	if !ok || stmt == "" {
		return "", nil, fmt.Errorf("missing required parameter: sql")
	}
	var args []interface{}
	if raw, ok := params["args"]; ok && raw != nil {
		list, ok := raw.([]interface{})
		if !ok {
			return "", nil, fmt.Errorf("args must be an array")
		}
		args = list
	}
	return stmt, args, nil
}
