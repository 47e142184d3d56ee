package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Databases that initdb always creates.
//
// template1 is the default template for CREATE DATABASE, and
// connecting to a template database blocks others from using it, so
// administrative work goes through the postgres database instead.
const (
	DatabasePostgres  = "postgres"
	DatabaseTemplate0 = "template0"
	DatabaseTemplate1 = "template1"
)

// Connect opens a connection to the given database over the cluster's
// Unix socket. The caller owns the connection's lifetime. The cluster
// must be running. An empty database name means DatabasePostgres.
func (c *Cluster) Connect(ctx context.Context, database string) (*pgx.Conn, error) {
	running, err := c.Running()
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, &NotRunningError{DataDir: c.DataDir}
	}
	return c.connect(ctx, database)
}

func (c *Cluster) connect(ctx context.Context, database string) (*pgx.Conn, error) {
	if database == "" {
		database = DatabasePostgres
	}
	dsn := fmt.Sprintf("host=%s dbname=%s user=%s sslmode=disable",
		dsnQuote(c.DataDir), dsnQuote(database), dsnQuote(currentUser()))
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	return conn, nil
}

// Databases returns the names of the databases in this cluster, in
// name order. The cluster must be running.
func (c *Cluster) Databases(ctx context.Context) ([]string, error) {
	conn, err := c.Connect(ctx, DatabasePostgres)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, "SELECT datname FROM pg_catalog.pg_database ORDER BY datname")
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	return names, nil
}

// CreateDatabase creates the named database. Reports Unmodified if it
// already exists.
func (c *Cluster) CreateDatabase(ctx context.Context, name string) (State, error) {
	conn, err := c.Connect(ctx, DatabasePostgres)
	if err != nil {
		return Unmodified, err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, "CREATE DATABASE "+quoteIdent(name))
	if sqlState(err) == "42P04" { // duplicate_database
		return Unmodified, nil
	}
	if err != nil {
		return Unmodified, &ConnectionError{Err: err}
	}
	return Modified, nil
}

// DropDatabase drops the named database. Reports Unmodified if it does
// not exist.
func (c *Cluster) DropDatabase(ctx context.Context, name string) (State, error) {
	conn, err := c.Connect(ctx, DatabasePostgres)
	if err != nil {
		return Unmodified, err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, "DROP DATABASE "+quoteIdent(name))
	if sqlState(err) == "3D000" { // undefined_database
		return Unmodified, nil
	}
	if err != nil {
		return Unmodified, &ConnectionError{Err: err}
	}
	return Modified, nil
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// dsnQuote quotes a value for a keyword/value connection string.
func dsnQuote(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `'`, `\'`)
	return "'" + value + "'"
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
