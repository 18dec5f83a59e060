package probe

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresProbe opens a connection with the configured parameters and runs
// SELECT 1; success iff the round trip completes within timeout.
// config keys: "host", "port" (default 5432), "database",
// "user", "password", "sslmode" (optional, default "prefer").
type PostgresProbe struct{}

// NewPostgresProbe constructs a Postgres liveness probe.
func NewPostgresProbe() *PostgresProbe { return &PostgresProbe{} }

func (p *PostgresProbe) Check(ctx context.Context, config map[string]string, timeout time.Duration) Result {
	start := time.Now()

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	connString := buildConnString(config)
	conn, err := pgx.Connect(connCtx, connString)
	if err != nil {
		return Result{Healthy: false, Latency: time.Since(start), Err: fmt.Errorf("postgres probe: connect: %w", err)}
	}
	defer conn.Close(context.Background())

	var one int
	if err := conn.QueryRow(connCtx, "SELECT 1").Scan(&one); err != nil {
		return Result{Healthy: false, Latency: time.Since(start), Err: fmt.Errorf("postgres probe: query: %w", err)}
	}
	if one != 1 {
		return Result{Healthy: false, Latency: time.Since(start), Err: fmt.Errorf("postgres probe: unexpected query result %d", one)}
	}

	return Result{Healthy: true, Latency: time.Since(start)}
}

// buildConnString assembles the postgres:// URL through net/url so a
// user or password containing '@', ':', '/', or '#' is escaped instead of
// silently corrupting the connection string.
func buildConnString(config map[string]string) string {
	user := url.User(configDefault(config, "user", "postgres"))
	if password := config["password"]; password != "" {
		user = url.UserPassword(configDefault(config, "user", "postgres"), password)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     user,
		Host:     net.JoinHostPort(configDefault(config, "host", "localhost"), configDefault(config, "port", "5432")),
		Path:     "/" + configDefault(config, "database", "postgres"),
		RawQuery: url.Values{"sslmode": []string{configDefault(config, "sslmode", "prefer")}}.Encode(),
	}
	return u.String()
}

func configDefault(config map[string]string, key, def string) string {
	if v, ok := config[key]; ok && v != "" {
		return v
	}
	return def
}
