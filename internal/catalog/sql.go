package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib"
	"modernc.org/sqlite"

	xerrors "TestEngine-Core/internal/errors"
)

// Dialect identifies the SQL backend.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
	// DialectMemory selects MemoryStore in Open.
	DialectMemory Dialect = "memory"
)

// driverName maps a dialect to its registered database/sql driver.
func (d Dialect) driverName() (string, error) {
	switch d {
	case DialectMySQL:
		return "mysql", nil
	case DialectPostgres:
		return "pgx", nil
	case DialectSQLite:
		return "sqlite", nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported catalog driver %q", d))
	}
}

// Config configures a SQL catalog.
type Config struct {
	Dialect         Dialect
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore is a Catalog backed by MySQL, PostgreSQL or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL connects to the database, applies pending migrations and returns the store.
func OpenSQL(ctx context.Context, cfg Config) (*SQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "catalog DSN cannot be empty")
	}
	driver, err := cfg.Dialect.driverName()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(CodeStorage, err, "open catalog database")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(10 * time.Minute)
	}
	if cfg.Dialect == DialectSQLite {
		// SQLite serialises writers; one connection avoids SQLITE_BUSY under the
		// install lock.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(CodeStorage, err, "connect to catalog database")
	}
	s := &SQLStore{db: db, dialect: cfg.Dialect}
	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Open returns a MemoryStore for the memory dialect and an SQLStore otherwise.
func Open(ctx context.Context, cfg Config) (Catalog, error) {
	if cfg.Dialect == DialectMemory || cfg.Dialect == "" {
		return NewMemoryStore(), nil
	}
	return OpenSQL(ctx, cfg)
}

// NewSQLStore wraps an existing connection without running migrations.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) exec(ctx context.Context, e execer, query string, args ...any) (sql.Result, error) {
	return e.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) Put(ctx context.Context, p Plugin, components []Component) error {
	tags, counts, err := encodePlugin(p)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(CodeStorage, err, "begin catalog transaction")
	}
	defer tx.Rollback()

	if _, err := s.exec(ctx, tx, `DELETE FROM components WHERE gid = ?`, p.GID); err != nil {
		return s.wrap(err, "clear components of "+p.GID)
	}
	if _, err := s.exec(ctx, tx, `DELETE FROM plugins WHERE gid = ?`, p.GID); err != nil {
		return s.wrap(err, "clear plugin "+p.GID)
	}
	const insertPlugin = `INSERT INTO plugins
        (gid, version, name, description, author, url, tags, component_counts, digest, install_path, installed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.exec(ctx, tx, insertPlugin, p.GID, p.Version, p.Name, p.Description, p.Author, p.URL,
		tags, counts, p.Digest, p.InstallPath, p.InstalledAt); err != nil {
		return s.wrap(err, "insert plugin "+p.GID)
	}
	const insertComponent = `INSERT INTO components
        (gid, kind, cid, name, description, version, tags, model_types, require_ground_truth, path, meta)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, c := range components {
		ctags, err := json.Marshal(nonNil(c.Tags))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode component tags")
		}
		mtypes, err := json.Marshal(nonNil(c.ModelTypes))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode component model types")
		}
		gt := 0
		if c.RequireGroundTruth {
			gt = 1
		}
		if _, err := s.exec(ctx, tx, insertComponent, p.GID, string(c.Kind), c.CID, c.Name, c.Description, c.Version,
			string(ctags), string(mtypes), gt, c.Path, string(c.Meta)); err != nil {
			return s.wrap(err, "insert component "+c.ID())
		}
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(err, "commit catalog transaction")
	}
	return nil
}

func (s *SQLStore) DeletePlugin(ctx context.Context, gid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(CodeStorage, err, "begin catalog transaction")
	}
	defer tx.Rollback()
	if _, err := s.exec(ctx, tx, `DELETE FROM components WHERE gid = ?`, gid); err != nil {
		return s.wrap(err, "delete components of "+gid)
	}
	res, err := s.exec(ctx, tx, `DELETE FROM plugins WHERE gid = ?`, gid)
	if err != nil {
		return s.wrap(err, "delete plugin "+gid)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("plugin " + gid)
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(err, "commit catalog transaction")
	}
	return nil
}

func (s *SQLStore) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(CodeStorage, err, "begin catalog transaction")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM components`); err != nil {
		return s.wrap(err, "delete components")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plugins`); err != nil {
		return s.wrap(err, "delete plugins")
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(err, "commit catalog transaction")
	}
	return nil
}

const selectPlugin = `SELECT gid, version, name, description, author, url, tags, component_counts, digest, install_path, installed_at
        FROM plugins`

func (s *SQLStore) GetPlugin(ctx context.Context, gid string) (*Plugin, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectPlugin+` WHERE gid = ?`), gid)
	p, err := scanPlugin(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("plugin " + gid)
	}
	if err != nil {
		return nil, s.wrap(err, "get plugin "+gid)
	}
	return p, nil
}

func (s *SQLStore) ListPlugins(ctx context.Context) ([]Plugin, error) {
	rows, err := s.db.QueryContext(ctx, selectPlugin+` ORDER BY gid`)
	if err != nil {
		return nil, s.wrap(err, "list plugins")
	}
	defer rows.Close()
	var out []Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, s.wrap(err, "scan plugin")
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, "iterate plugins")
	}
	return out, nil
}

const selectComponent = `SELECT gid, kind, cid, name, description, version, tags, model_types, require_ground_truth, path, meta
        FROM components`

func (s *SQLStore) ListComponents(ctx context.Context, gid string, kind Kind) ([]Component, error) {
	var (
		where []string
		args  []any
	)
	if gid != "" {
		where = append(where, "gid = ?")
		args = append(args, gid)
	}
	if kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(kind))
	}
	query := selectComponent
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY gid, kind, cid"
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, s.wrap(err, "list components")
	}
	defer rows.Close()
	var out []Component
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, s.wrap(err, "scan component")
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, "iterate components")
	}
	return out, nil
}

func (s *SQLStore) GetComponent(ctx context.Context, gid string, kind Kind, cid string) (*Component, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectComponent+` WHERE gid = ? AND kind = ? AND cid = ?`), gid, string(kind), cid)
	c, err := scanComponent(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, notFound(string(kind) + " " + gid + ":" + cid)
	}
	if err != nil {
		return nil, s.wrap(err, "get component")
	}
	return c, nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) wrap(err error, msg string) error {
	if isDuplicate(err) {
		return xerrors.Wrap(CodeConflict, err, msg)
	}
	return xerrors.Wrap(CodeStorage, err, msg)
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if stdErrors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if stdErrors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if stdErrors.As(err, &liteErr) {
		// SQLITE_CONSTRAINT_PRIMARYKEY, SQLITE_CONSTRAINT_UNIQUE
		return liteErr.Code() == 1555 || liteErr.Code() == 2067
	}
	return false
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlugin(row scanner) (*Plugin, error) {
	var (
		p                               Plugin
		desc, author, url, tags, counts sql.NullString
	)
	if err := row.Scan(&p.GID, &p.Version, &p.Name, &desc, &author, &url, &tags, &counts, &p.Digest, &p.InstallPath, &p.InstalledAt); err != nil {
		return nil, err
	}
	p.Description, p.Author, p.URL = desc.String, author.String, url.String
	if tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &p.Tags); err != nil {
			return nil, fmt.Errorf("decode plugin tags: %w", err)
		}
	}
	if counts.String != "" {
		if err := json.Unmarshal([]byte(counts.String), &p.Components); err != nil {
			return nil, fmt.Errorf("decode component counts: %w", err)
		}
	}
	return &p, nil
}

func scanComponent(row scanner) (*Component, error) {
	var (
		c                                Component
		kind                             string
		desc, version, tags, types, meta sql.NullString
		gt                               int
	)
	if err := row.Scan(&c.GID, &kind, &c.CID, &c.Name, &desc, &version, &tags, &types, &gt, &c.Path, &meta); err != nil {
		return nil, err
	}
	c.Kind = Kind(kind)
	c.Description, c.Version = desc.String, version.String
	c.RequireGroundTruth = gt != 0
	if meta.String != "" {
		c.Meta = []byte(meta.String)
	}
	if tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &c.Tags); err != nil {
			return nil, fmt.Errorf("decode component tags: %w", err)
		}
	}
	if types.String != "" {
		if err := json.Unmarshal([]byte(types.String), &c.ModelTypes); err != nil {
			return nil, fmt.Errorf("decode model types: %w", err)
		}
	}
	return &c, nil
}

func encodePlugin(p Plugin) (tags, counts string, err error) {
	t, err := json.Marshal(nonNil(p.Tags))
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode plugin tags")
	}
	cc := p.Components
	if cc == nil {
		cc = map[Kind]int{}
	}
	n, err := json.Marshal(cc)
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode component counts")
	}
	return string(t), string(n), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
