package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Parameter is a server configuration parameter, readable and writable
// on a running cluster. Writes go through ALTER SYSTEM and take effect
// on reload or restart, depending on the parameter.
type Parameter string

// Get returns the parameter's current setting. The second return is
// false when the server does not know the parameter at all.
func (p Parameter) Get(ctx context.Context, conn *pgx.Conn) (string, bool, error) {
	var setting string
	err := conn.QueryRow(ctx,
		"SELECT setting FROM pg_catalog.pg_settings WHERE name = $1", string(p),
	).Scan(&setting)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &ConnectionError{Err: err}
	}
	return setting, true, nil
}

// Set persists a new value for the parameter via ALTER SYSTEM.
func (p Parameter) Set(ctx context.Context, conn *pgx.Conn, value string) error {
	stmt := fmt.Sprintf("ALTER SYSTEM SET %s = %s", quoteIdent(string(p)), quoteLiteral(value))
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return &ConnectionError{Err: err}
	}
	return nil
}
