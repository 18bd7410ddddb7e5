// Package catalog records produced rasters in a Postgres table so they can
// be found by sensor, variable, composite period and date.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/3leaps/oceangrid/pkg/grid"
	"github.com/3leaps/oceangrid/pkg/scene"
)

// Config configures the connection pool.
type Config struct {
	DSN             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns pool defaults for dsn.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		PingTimeout:     5 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("catalog dsn is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("catalog ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("catalog max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("catalog max idle conns must be between 0 and max open conns")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("catalog conn max lifetime must be >= 0")
	}
	return nil
}

// Entry describes one stored raster.
type Entry struct {
	Location    string
	Key         scene.Key
	PeriodStart time.Time
	PeriodEnd   time.Time
	Grid        grid.GridSpec
	Function    string
	InputCount  int
	RunID       string
	CreatedAt   time.Time
}

// Catalog is a Postgres-backed raster catalog.
type Catalog struct {
	db *sql.DB
}

// Open connects through the pgx stdlib driver and ensures the schema.
func Open(ctx context.Context, cfg Config) (*Catalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *Catalog) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

var schema = []string{`CREATE TABLE IF NOT EXISTS oceangrid_rasters (
	location TEXT PRIMARY KEY,
	sensor TEXT NOT NULL,
	level TEXT NOT NULL,
	suite TEXT NOT NULL DEFAULT '',
	variable TEXT NOT NULL DEFAULT '',
	composite TEXT NOT NULL DEFAULT '',
	resolution TEXT NOT NULL DEFAULT '',
	period_start DATE NOT NULL,
	period_end DATE NOT NULL,
	projection TEXT NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	pixel_size DOUBLE PRECISION NOT NULL,
	function TEXT NOT NULL DEFAULT '',
	input_count INTEGER NOT NULL DEFAULT 0,
	run_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_oceangrid_rasters_lookup
	ON oceangrid_rasters (sensor, variable, composite, period_start)`,
}

func (c *Catalog) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init catalog schema: %w", err)
		}
	}
	return nil
}

// Register upserts e by location.
func (c *Catalog) Register(ctx context.Context, e Entry) error {
	if e.Location == "" {
		return errors.New("catalog entry location is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	end := e.PeriodEnd
	if end.IsZero() {
		end = e.PeriodStart
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO oceangrid_rasters (
			location, sensor, level, suite, variable, composite, resolution, period_start, period_end,
			projection, width, height, pixel_size, function, input_count, run_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (location) DO UPDATE SET
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			projection = EXCLUDED.projection,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			pixel_size = EXCLUDED.pixel_size,
			function = EXCLUDED.function,
			input_count = EXCLUDED.input_count,
			run_id = EXCLUDED.run_id,
			created_at = EXCLUDED.created_at`,
		e.Location, string(e.Key.Sensor), string(e.Key.Level), e.Key.Suite, e.Key.Variable, e.Key.Composite, e.Key.Resolution,
		e.PeriodStart.UTC(), end.UTC(), e.Grid.Projection, e.Grid.Width, e.Grid.Height, e.Grid.PixelSize,
		e.Function, e.InputCount, e.RunID, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", e.Location, err)
	}
	return nil
}

// Query narrows Find. Zero fields match everything.
type Query struct {
	Sensor    scene.Sensor
	Variable  string
	Composite string
	// From and To select entries whose period overlaps [From, To].
	From  time.Time
	To    time.Time
	Limit int
}

// build renders q as SQL with positional arguments.
func (q Query) build() (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if q.Sensor != "" {
		add("sensor = ?", string(q.Sensor))
	}
	if q.Variable != "" {
		add("variable = ?", q.Variable)
	}
	if q.Composite != "" {
		add("composite = ?", q.Composite)
	}
	if !q.From.IsZero() {
		add("period_end >= ?", q.From.UTC())
	}
	if !q.To.IsZero() {
		add("period_start <= ?", q.To.UTC())
	}

	sqlText := `SELECT location, sensor, level, suite, variable, composite, resolution, period_start, period_end,
		projection, width, height, pixel_size, function, input_count, run_id, created_at FROM oceangrid_rasters`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY period_start, sensor, variable, location"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sqlText += " LIMIT $" + strconv.Itoa(len(args))
	}
	return sqlText, args
}

// Find returns entries matching q.
func (c *Catalog) Find(ctx context.Context, q Query) ([]Entry, error) {
	text, args := q.build()
	rows, err := c.db.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e             Entry
			sensor, level string
		)
		if err := rows.Scan(&e.Location, &sensor, &level, &e.Key.Suite, &e.Key.Variable, &e.Key.Composite, &e.Key.Resolution,
			&e.PeriodStart, &e.PeriodEnd, &e.Grid.Projection, &e.Grid.Width, &e.Grid.Height, &e.Grid.PixelSize,
			&e.Function, &e.InputCount, &e.RunID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Key.Sensor = scene.Sensor(sensor)
		e.Key.Level = scene.Level(level)
		e.Key.Time = e.PeriodStart
		out = append(out, e)
	}
	return out, rows.Err()
}
