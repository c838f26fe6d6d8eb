// Package persist keeps the small amount of state that has to outlive the
// process: the last good static snapshot of each node.
package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect covers the differences between the databases we talk to.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// Rebind rewrites "?" placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

type cloudEnvSettings struct {
	dbUser,
	dbPwd,
	dbName,
	instanceConnectionName,
	usePrivate string
}

func (s *cloudEnvSettings) getenv() error {
	unset := []string{}
	getenv := func(k string) string {
		v := os.Getenv(k)
		if v == "" {
			unset = append(unset, k)
		}
		return v
	}

	s.dbUser = getenv("DB_USER")
	s.dbPwd = getenv("DB_PASS")
	s.dbName = getenv("DB_NAME")
	s.instanceConnectionName = getenv("INSTANCE_CONNECTION_NAME") // project:region:instance
	s.usePrivate = os.Getenv("PRIVATE_IP")

	if len(unset) > 0 {
		return fmt.Errorf("cloudsqlconn: unset variables: %+v", unset)
	}
	return nil
}

func connectWithConnector(string) (*sql.DB, error) {
	env := &cloudEnvSettings{}
	if err := env.getenv(); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("user=%s password=%s database=%s", env.dbUser, env.dbPwd, env.dbName)
	config, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	var opts []cloudsqlconn.Option
	if env.usePrivate != "" {
		opts = append(opts, cloudsqlconn.WithDefaultDialOptions(cloudsqlconn.WithPrivateIP()))
	}
	// Refresh on demand; a background refresh would fight for CPU on
	// serverless hosts.
	opts = append(opts, cloudsqlconn.WithLazyRefresh())
	d, err := cloudsqlconn.NewDialer(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	config.DialFunc = func(ctx context.Context, network, instance string) (net.Conn, error) {
		return d.Dial(ctx, env.instanceConnectionName)
	}
	dbURI := stdlib.RegisterConnConfig(config)
	db, err := sql.Open("pgx", dbURI)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	return db, nil
}

func connectWithPgx(url string) (*sql.DB, error) {
	if url == "" {
		return nil, errors.New("database URL is empty")
	}
	log.Printf("persist: connecting to postgres")
	return sql.Open("pgx", url)
}

func connectWithSQLite(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is empty")
	}
	log.Printf("persist: opening sqlite database %s", path)
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time is all sqlite allows anyway.
	db.SetMaxOpenConns(1)
	return db, nil
}

type factory struct {
	dialect Dialect
	open    func(url string) (*sql.DB, error)
}

var factories = map[string]factory{
	"sqlite":    {SQLite, connectWithSQLite},
	"pgx":       {Postgres, connectWithPgx},
	"connector": {Postgres, connectWithConnector},
}

// Connect opens a database with the named connector: "sqlite" (url is a
// file path), "pgx" (url is a postgres URL) or "connector" (Cloud SQL,
// configured from the environment; url is ignored).
func Connect(ctx context.Context, connector, url string) (*sql.DB, Dialect, error) {
	f, ok := factories[connector]
	if !ok {
		return nil, 0, fmt.Errorf("persist: unknown connector %q", connector)
	}
	db, err := f.open(url)
	if err != nil {
		return nil, 0, fmt.Errorf("persist: %s: %w", connector, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, 0, fmt.Errorf("persist: %s: ping: %w", connector, err)
	}
	return db, f.dialect, nil
}
