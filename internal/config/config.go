package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Queue backends, sink types and key sources accepted by Load.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"

	SinkMemory   = "memory"
	SinkPostgres = "postgres"
	SinkSQLite   = "sqlite"
	SinkXLSX     = "xlsx"

	KeySourceTable  = "table"
	KeySourceStatic = "static"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; DATABASE_URL is required only when a
// Postgres-backed component is selected.
type Config struct {
	// Server
	HTTPPort        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Pipeline layout
	Name             string
	Extractors       []string
	DefaultExtractor string
	MaxPriority      int

	// Workers
	WorkersPerExtractor int
	WaitTime            time.Duration
	EmptyRecheck        time.Duration
	LoopPause           time.Duration

	// Queue transport
	QueueBackend      string
	VisibilityTimeout time.Duration
	QueuePollInterval time.Duration

	// Database
	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	MigrationsURL string

	// Consolidation
	SinkType              string
	SinkPath              string
	MaxQueueItemsPerBatch int
	MaxRowsPerFile        int
	ConsolidateInterval   time.Duration

	// Fetching
	FetchBaseURL       string
	FetchTimeout       time.Duration
	FetchRateLimit     int
	MaxRetries         int
	FallbackExtractors map[string]string
	TableExtractors    map[string]string

	// Key enumeration
	KeySource   string
	KeyProperty string
	StaticKeys  []string
}

func Load() (*Config, error) {
	fallback, err := getMap("FALLBACK_EXTRACTORS")
	if err != nil {
		return nil, err
	}
	routes, err := getMap("TABLE_EXTRACTORS")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		ReadTimeout:     getDuration("READ_TIMEOUT", 5*time.Second),
		WriteTimeout:    getDuration("WRITE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		Name:             getEnv("KARNAK_NAME", "karnak"),
		Extractors:       getList("EXTRACTORS", []string{"default"}),
		DefaultExtractor: getEnv("DEFAULT_EXTRACTOR", "default"),
		MaxPriority:      getInt("MAX_PRIORITY", 0),

		WorkersPerExtractor: getInt("WORKERS_PER_EXTRACTOR", 4),
		WaitTime:            getDuration("WAIT_TIME", 5*time.Second),
		EmptyRecheck:        getDuration("EMPTY_RECHECK", 30*time.Second),
		LoopPause:           getDuration("LOOP_PAUSE", 5*time.Second),

		QueueBackend:      getEnv("QUEUE_BACKEND", BackendMemory),
		VisibilityTimeout: getDuration("VISIBILITY_TIMEOUT", 60*time.Second),
		QueuePollInterval: getDuration("QUEUE_POLL_INTERVAL", 250*time.Millisecond),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		DBMaxConns:    int32(getInt("DB_MAX_CONNS", 25)),
		DBMinConns:    int32(getInt("DB_MIN_CONNS", 2)),
		MigrationsURL: getEnv("MIGRATIONS_URL", "file://migrations"),

		SinkType:              getEnv("SINK_TYPE", SinkSQLite),
		SinkPath:              getEnv("SINK_PATH", "karnak-results.db"),
		MaxQueueItemsPerBatch: getInt("MAX_QUEUE_ITEMS_PER_BATCH", 1000),
		MaxRowsPerFile:        getInt("MAX_ROWS_PER_FILE", 500),
		ConsolidateInterval:   getDuration("CONSOLIDATE_INTERVAL", 30*time.Second),

		FetchBaseURL:       getEnv("FETCH_BASE_URL", "http://localhost:9000"),
		FetchTimeout:       getDuration("FETCH_TIMEOUT", 10*time.Second),
		FetchRateLimit:     getInt("FETCH_RATE_LIMIT", 50),
		MaxRetries:         getInt("MAX_RETRIES", 3),
		FallbackExtractors: fallback,
		TableExtractors:    routes,

		KeySource:   getEnv("KEY_SOURCE", KeySourceStatic),
		KeyProperty: getEnv("KEY_PROPERTY", "id"),
		StaticKeys:  getList("KEYS", nil),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(len(c.Extractors) > 0, "EXTRACTORS must name at least one extractor")
	check(slices.Contains(c.Extractors, c.DefaultExtractor),
		"DEFAULT_EXTRACTOR %q is not listed in EXTRACTORS", c.DefaultExtractor)
	check(c.MaxPriority >= 0, "MAX_PRIORITY must not be negative")
	check(c.WorkersPerExtractor > 0, "WORKERS_PER_EXTRACTOR must be positive")
	check(c.MaxQueueItemsPerBatch > 0, "MAX_QUEUE_ITEMS_PER_BATCH must be positive")
	check(c.MaxRowsPerFile > 0, "MAX_ROWS_PER_FILE must be positive")
	check(c.MaxRetries >= 0, "MAX_RETRIES must not be negative")

	check(c.QueueBackend == BackendMemory || c.QueueBackend == BackendPostgres,
		"QUEUE_BACKEND must be %q or %q", BackendMemory, BackendPostgres)
	check(slices.Contains([]string{SinkMemory, SinkPostgres, SinkSQLite, SinkXLSX}, c.SinkType),
		"SINK_TYPE %q is not supported", c.SinkType)
	check(c.KeySource == KeySourceTable || c.KeySource == KeySourceStatic,
		"KEY_SOURCE must be %q or %q", KeySourceTable, KeySourceStatic)

	check(c.DatabaseURL != "" || !c.NeedsDatabase(),
		"DATABASE_URL is required for the postgres queue, postgres sink or table key source")

	for from, to := range c.FallbackExtractors {
		check(slices.Contains(c.Extractors, from), "FALLBACK_EXTRACTORS: unknown extractor %q", from)
		check(slices.Contains(c.Extractors, to), "FALLBACK_EXTRACTORS: unknown extractor %q", to)
	}
	for table, to := range c.TableExtractors {
		check(slices.Contains(c.Extractors, to), "TABLE_EXTRACTORS: table %q routes to unknown extractor %q", table, to)
	}

	return errors.Join(errs...)
}

// NeedsDatabase reports whether any selected component talks to Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.QueueBackend == BackendPostgres || c.SinkType == SinkPostgres || c.KeySource == KeySourceTable
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// getList splits a comma separated value, dropping blanks.
func getList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getMap parses "a:b,c:d".
func getMap(key string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range getList(key, nil) {
		from, to, ok := strings.Cut(pair, ":")
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if !ok || from == "" || to == "" {
			return nil, fmt.Errorf("%s: malformed entry %q, want from:to", key, pair)
		}
		out[from] = to
	}
	return out, nil
}
