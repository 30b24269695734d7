// keykit devserver: a runnable reference wiring of the kit. Configuration
// comes from environment variables; commands are "serve" (default) and
// "migrate".
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	authhttp "github.com/open-rails/keykit/adapters/http"
	"github.com/open-rails/keykit/keystore"
	pgmigrations "github.com/open-rails/keykit/migrations/postgres"
	oidckit "github.com/open-rails/keykit/oidc"
	memorystore "github.com/open-rails/keykit/storage/memory"
	postgresstore "github.com/open-rails/keykit/storage/postgres"
	redisstore "github.com/open-rails/keykit/storage/redis"
)

type config struct {
	ListenAddr     string
	Issuer         string
	ClientID       string
	ClientSecret   string
	RedirectURI    string
	Scopes         []string
	DBURL          string
	RedisURL       string
	StateTTL       time.Duration
	LinkJWKSURL    string
	MigrateOnStart bool
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fatal(err)
	}

	cmd := "serve"
	if len(os.Args) > 1 && strings.TrimSpace(os.Args[1]) != "" {
		cmd = strings.TrimSpace(os.Args[1])
	}

	switch cmd {
	case "serve":
		if err := runServe(cfg); err != nil {
			fatal(err)
		}
	case "migrate":
		if err := runMigrate(cfg); err != nil {
			fatal(err)
		}
	default:
		fatal(fmt.Errorf("unknown command %q (supported: serve, migrate)", cmd))
	}
}

func loadConfig() (*config, error) {
	c := &config{
		ListenAddr:     envOr("KEYKIT_LISTEN_ADDR", ":8080"),
		Issuer:         strings.TrimRight(strings.TrimSpace(os.Getenv("KEYKIT_OIDC_ISSUER")), "/"),
		ClientID:       strings.TrimSpace(os.Getenv("KEYKIT_OIDC_CLIENT_ID")),
		ClientSecret:   strings.TrimSpace(os.Getenv("KEYKIT_OIDC_CLIENT_SECRET")),
		RedirectURI:    strings.TrimSpace(os.Getenv("KEYKIT_OIDC_REDIRECT_URI")),
		Scopes:         parseCSVEnv("KEYKIT_OIDC_SCOPES", nil),
		DBURL:          firstEnv("DB_URL", "DATABASE_URL"),
		RedisURL:       strings.TrimSpace(os.Getenv("REDIS_URL")),
		StateTTL:       envDuration("KEYKIT_STATE_TTL", authhttp.DefaultStateTTL),
		LinkJWKSURL:    strings.TrimSpace(os.Getenv("KEYKIT_LINK_JWKS_URL")),
		MigrateOnStart: envBool("KEYKIT_MIGRATE_ON_START", true),
	}
	if c.Issuer == "" {
		return nil, fmt.Errorf("KEYKIT_OIDC_ISSUER is required (e.g. https://accounts.google.com)")
	}
	if c.ClientID == "" {
		return nil, fmt.Errorf("KEYKIT_OIDC_CLIENT_ID is required")
	}
	if c.RedirectURI == "" {
		return nil, fmt.Errorf("KEYKIT_OIDC_REDIRECT_URI is required (e.g. http://localhost:8080/auth/oidc/callback)")
	}
	return c, nil
}

func runServe(cfg *config) error {
	ctx := context.Background()

	var store keystore.Store
	if cfg.DBURL != "" {
		if cfg.MigrateOnStart {
			if err := runMigrations(ctx, cfg.DBURL); err != nil {
				return err
			}
		}
		pg, err := pgxpool.New(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		store = postgresstore.NewKeystore(pg)
	} else {
		log.Printf("keykit: no DB_URL set, using in-memory store (data is lost on restart)")
		store = memorystore.NewKeystore()
	}

	adapter, err := oidckit.Discover(ctx, store, oidckit.Config{
		Issuer:       cfg.Issuer,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
	})
	if err != nil {
		return fmt.Errorf("oidc discovery against %s: %w", cfg.Issuer, err)
	}

	svc := authhttp.NewService(adapter, store).WithStateTTL(cfg.StateTTL)

	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(ropts)
		defer rdb.Close()
		svc.WithStateCache(redisstore.NewStateCache(rdb, "keykit:oidc:state:", cfg.StateTTL))
	}

	if cfg.LinkJWKSURL != "" {
		keyfn, err := authhttp.JWKSKeyfunc(ctx, cfg.LinkJWKSURL)
		if err != nil {
			return fmt.Errorf("load link jwks from %s: %w", cfg.LinkJWKSURL, err)
		}
		svc.WithLinkKeyfunc(keyfn)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.Handle("/auth/", svc.APIHandler())

	log.Printf("keykit devserver listening on %s", cfg.ListenAddr)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}

func runMigrate(cfg *config) error {
	if cfg.DBURL == "" {
		return fmt.Errorf("DB_URL (or DATABASE_URL) is required for migrate")
	}
	return runMigrations(context.Background(), cfg.DBURL)
}

func runMigrations(ctx context.Context, dbURL string) error {
	sqlDB, err := sql.Open("pgx", dbURL)
	if err != nil {
		return fmt.Errorf("open sql db: %w", err)
	}
	defer sqlDB.Close()

	// gen_random_uuid ships in core from PG13; pgcrypto covers older servers.
	if _, err := sqlDB.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS pgcrypto`); err != nil {
		return fmt.Errorf("enable pgcrypto: %w", err)
	}

	files, err := fs.Glob(pgmigrations.FS, "*.up.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no postgres migrations found")
	}
	sortStrings(files)

	for _, name := range files {
		sqlBytes, err := pgmigrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if strings.TrimSpace(string(sqlBytes)) == "" {
			continue
		}
		if _, err := sqlDB.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func sortStrings(v []string) {
	for i := 0; i < len(v); i++ {
		for j := i + 1; j < len(v); j++ {
			if v[j] < v[i] {
				v[i], v[j] = v[j], v[i]
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSVEnv(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func fatal(err error) {
	if err == nil {
		os.Exit(0)
	}
	if errors.Is(err, http.ErrServerClosed) {
		os.Exit(0)
	}
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
