// Package sqlx stores progression state in a SQL database through jmoiron/sqlx.
// PostgreSQL, MySQL and SQLite are supported; uniqueness of completions and
// badge grants is enforced by primary keys so concurrent writers cannot
// double-award.
package sqlx

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"xp360/core"
)

// Driver names a supported database.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
)

// Config holds SQL connection configuration. MySQL DSNs need parseTime=true.
type Config struct {
	Driver          Driver        `json:"driver" yaml:"driver" env:"SQL_DRIVER"`
	DSN             string        `json:"dsn,omitempty" yaml:"dsn" env:"SQL_DSN"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" env:"SQL_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" env:"SQL_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"SQL_CONN_MAX_LIFETIME"`
}

// DefaultConfig returns an in-memory SQLite configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		DSN:             "file:xp360?mode=memory&cache=shared",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Store implements engine.Storage on top of sqlx.
type Store struct {
	db     *sqlx.DB
	driver Driver
}

//go:embed schema/*.sql
var schemaFS embed.FS

// New opens a connection pool and verifies it with a ping.
func New(cfg Config) (*Store, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	db, err := sqlx.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}
	return &Store{db: db, driver: cfg.Driver}, nil
}

// NewWithDB wraps an existing handle (useful for testing).
func NewWithDB(db *sqlx.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver}
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the tables if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/" + string(s.driver) + ".sql")
	if err != nil {
		return fmt.Errorf("read schema for %s: %w", s.driver, err)
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

const progressColumns = `user_id, experience, level, current_streak, best_streak, last_activity, last_mission_completion, updated_at`

func (s *Store) GetProgress(ctx context.Context, user core.UserID) (core.UserProgress, error) {
	return getProgress(ctx, s.db, user)
}

// getProgress reads through db or an open transaction.
func getProgress(ctx context.Context, q sqlx.ExtContext, user core.UserID) (core.UserProgress, error) {
	var p core.UserProgress
	err := sqlx.GetContext(ctx, q, &p, q.Rebind(`SELECT `+progressColumns+` FROM user_progress WHERE user_id = ?`), user)
	if errors.Is(err, sql.ErrNoRows) {
		return core.NewProgress(user), nil
	}
	if err != nil {
		return core.UserProgress{}, fmt.Errorf("get progress: %w", err)
	}
	return p, nil
}

func (s *Store) SaveProgress(ctx context.Context, p core.UserProgress) error {
	return s.saveProgress(ctx, s.db, p)
}

func (s *Store) saveProgress(ctx context.Context, e sqlx.ExtContext, p core.UserProgress) error {
	p.Updated = p.Updated.UTC()
	q := `INSERT INTO user_progress (` + progressColumns + `)
		VALUES (:user_id, :experience, :level, :current_streak, :best_streak, :last_activity, :last_mission_completion, :updated_at)` +
		s.upsert([]string{"user_id"}, []string{"experience", "level", "current_streak", "best_streak", "last_activity", "last_mission_completion", "updated_at"})
	if _, err := sqlx.NamedExecContext(ctx, e, q, p); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

func (s *Store) ListProgress(ctx context.Context) ([]core.UserProgress, error) {
	out := []core.UserProgress{}
	if err := s.db.SelectContext(ctx, &out, `SELECT `+progressColumns+` FROM user_progress ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	return out, nil
}

const classColumns = `id, name, grade, school_year, instructor_id, created_at`

func (s *Store) PutClass(ctx context.Context, c core.Class) error {
	c.CreatedAt = c.CreatedAt.UTC()
	q := s.insertIgnore(`classes (`+classColumns+`)
		VALUES (:id, :name, :grade, :school_year, :instructor_id, :created_at)`, "id")
	res, err := s.db.NamedExecContext(ctx, q, c)
	if err != nil {
		return fmt.Errorf("put class: %w", err)
	}
	created, err := affected(res)
	if err != nil {
		return fmt.Errorf("put class: %w", err)
	}
	if !created {
		return core.ErrConflict
	}
	return nil
}

func (s *Store) GetClass(ctx context.Context, id core.ClassID) (core.Class, error) {
	var c core.Class
	q := s.db.Rebind(`SELECT ` + classColumns + ` FROM classes WHERE id = ?`)
	err := s.db.GetContext(ctx, &c, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Class{}, core.ErrNotFound
	}
	if err != nil {
		return core.Class{}, fmt.Errorf("get class: %w", err)
	}
	return c, nil
}

func (s *Store) Enroll(ctx context.Context, e core.Enrollment) (bool, error) {
	e.EnrolledAt = e.EnrolledAt.UTC()
	q := s.insertIgnore(`class_members (class_id, user_id, enrolled_at)
		VALUES (:class_id, :user_id, :enrolled_at)`, "class_id, user_id")
	res, err := s.db.NamedExecContext(ctx, q, e)
	if err != nil {
		return false, fmt.Errorf("enroll: %w", err)
	}
	return affected(res)
}

func (s *Store) Members(ctx context.Context, class core.ClassID) ([]core.UserID, error) {
	out := []core.UserID{}
	q := s.db.Rebind(`SELECT user_id FROM class_members WHERE class_id = ? ORDER BY user_id`)
	if err := s.db.SelectContext(ctx, &out, q, class); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return out, nil
}

func (s *Store) ClassesOf(ctx context.Context, user core.UserID) ([]core.ClassID, error) {
	var out []core.ClassID
	q := s.db.Rebind(`SELECT class_id FROM class_members WHERE user_id = ? ORDER BY class_id`)
	if err := s.db.SelectContext(ctx, &out, q, user); err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	return out, nil
}

const missionColumns = `id, class_id, title, description, xp, kind, subject, duration_minutes, created_at`

func (s *Store) PutMission(ctx context.Context, m core.Mission) error {
	m.CreatedAt = m.CreatedAt.UTC()
	q := s.insertIgnore(`missions (`+missionColumns+`)
		VALUES (:id, :class_id, :title, :description, :xp, :kind, :subject, :duration_minutes, :created_at)`, "id")
	res, err := s.db.NamedExecContext(ctx, q, m)
	if err != nil {
		return fmt.Errorf("put mission: %w", err)
	}
	created, err := affected(res)
	if err != nil {
		return fmt.Errorf("put mission: %w", err)
	}
	if !created {
		return core.ErrConflict
	}
	return nil
}

func (s *Store) GetMission(ctx context.Context, id core.MissionID) (core.Mission, error) {
	var m core.Mission
	q := s.db.Rebind(`SELECT ` + missionColumns + ` FROM missions WHERE id = ?`)
	err := s.db.GetContext(ctx, &m, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Mission{}, core.ErrNotFound
	}
	if err != nil {
		return core.Mission{}, fmt.Errorf("get mission: %w", err)
	}
	return m, nil
}

func (s *Store) ClassMissions(ctx context.Context, class core.ClassID) ([]core.Mission, error) {
	out := []core.Mission{}
	q := s.db.Rebind(`SELECT ` + missionColumns + ` FROM missions WHERE class_id = ? ORDER BY created_at DESC, id`)
	if err := s.db.SelectContext(ctx, &out, q, class); err != nil {
		return nil, fmt.Errorf("list class missions: %w", err)
	}
	return out, nil
}

const completionColumns = `user_id, mission_id, graded, correct, completed_on, completed_at`

// CommitCompletion inserts c and stores apply's progress in one transaction.
// A completion that already exists rolls back and returns the stored row.
func (s *Store) CommitCompletion(ctx context.Context, c core.MissionCompletion, apply func(core.UserProgress) (core.UserProgress, error)) (core.UserProgress, bool, error) {
	c.CompletedAt = c.CompletedAt.UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.UserProgress{}, false, fmt.Errorf("begin completion: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := s.insertIgnore(`mission_completions (`+completionColumns+`)
		VALUES (:user_id, :mission_id, :graded, :correct, :completed_on, :completed_at)`, "user_id, mission_id")
	res, err := tx.NamedExecContext(ctx, q, c)
	if err != nil {
		return core.UserProgress{}, false, fmt.Errorf("record completion: %w", err)
	}
	created, err := affected(res)
	if err != nil {
		return core.UserProgress{}, false, fmt.Errorf("record completion: %w", err)
	}
	p, err := getProgress(ctx, tx, c.UserID)
	if err != nil || !created {
		return p, false, err
	}
	if apply != nil {
		if p, err = apply(p); err != nil {
			return core.UserProgress{}, false, err
		}
		if err := s.saveProgress(ctx, tx, p); err != nil {
			return core.UserProgress{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return core.UserProgress{}, false, fmt.Errorf("commit completion: %w", err)
	}
	return p, true, nil
}

func (s *Store) CountCompletions(ctx context.Context, user core.UserID) (int64, error) {
	var n int64
	q := s.db.Rebind(`SELECT COUNT(*) FROM mission_completions WHERE user_id = ?`)
	if err := s.db.GetContext(ctx, &n, q, user); err != nil {
		return 0, fmt.Errorf("count completions: %w", err)
	}
	return n, nil
}

func (s *Store) Completions(ctx context.Context, user core.UserID) ([]core.MissionCompletion, error) {
	out := []core.MissionCompletion{}
	q := s.db.Rebind(`SELECT ` + completionColumns + ` FROM mission_completions WHERE user_id = ? ORDER BY completed_at, mission_id`)
	if err := s.db.SelectContext(ctx, &out, q, user); err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	return out, nil
}

func (s *Store) RecentGraded(ctx context.Context, user core.UserID, limit int) ([]core.MissionCompletion, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []core.MissionCompletion
	q := s.db.Rebind(`SELECT ` + completionColumns + ` FROM mission_completions
		WHERE user_id = ? AND graded = ?
		ORDER BY completed_at DESC, mission_id DESC
		LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, q, user, true, limit); err != nil {
		return nil, fmt.Errorf("recent graded completions: %w", err)
	}
	return out, nil
}

func (s *Store) GrantBadge(ctx context.Context, g core.BadgeGrant) (bool, error) {
	g.GrantedAt = g.GrantedAt.UTC()
	q := s.insertIgnore(`badge_grants (user_id, badge_id, granted_at)
		VALUES (:user_id, :badge_id, :granted_at)`, "user_id, badge_id")
	res, err := s.db.NamedExecContext(ctx, q, g)
	if err != nil {
		return false, fmt.Errorf("grant badge: %w", err)
	}
	return affected(res)
}

func (s *Store) Grants(ctx context.Context, user core.UserID) ([]core.BadgeGrant, error) {
	out := []core.BadgeGrant{}
	q := s.db.Rebind(`SELECT user_id, badge_id, granted_at FROM badge_grants WHERE user_id = ? ORDER BY granted_at, badge_id`)
	if err := s.db.SelectContext(ctx, &out, q, user); err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return out, nil
}

// upsert renders the dialect's conflict clause updating cols.
func (s *Store) upsert(keys, cols []string) string {
	set := make([]string, len(cols))
	if s.driver == DriverMySQL {
		for i, c := range cols {
			set[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
		return " ON DUPLICATE KEY UPDATE " + strings.Join(set, ", ")
	}
	for i, c := range cols {
		set[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return " ON CONFLICT (" + strings.Join(keys, ", ") + ") DO UPDATE SET " + strings.Join(set, ", ")
}

// insertIgnore renders an insert that silently skips rows violating keys.
func (s *Store) insertIgnore(body, keys string) string {
	if s.driver == DriverMySQL {
		return "INSERT IGNORE INTO " + body
	}
	return "INSERT INTO " + body + " ON CONFLICT (" + keys + ") DO NOTHING"
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
