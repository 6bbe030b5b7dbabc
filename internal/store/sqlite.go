package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/example/quietora/internal/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// pragmas applied by the driver to every connection it opens
var sqlitePragmas = []string{"foreign_keys(1)", "busy_timeout(5000)"}

// SQLiteStore persists to a single SQLite file. Timestamps are stored as
// unix nanoseconds so they order and compare as integers.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	d, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	// one connection serializes writers
	d.SetMaxOpenConns(1)
	s := &SQLiteStore{db: d, path: path}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(path string) string {
	q := url.Values{"_pragma": sqlitePragmas}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + q.Encode()
}

// isSQLiteForeignKeyViolation reports whether err is a failed FOREIGN KEY
// constraint. Depending on where the statement fails, the driver reports it
// with the extended constraint code or as a generic error carrying the
// constraint message.
func isSQLiteForeignKeyViolation(err error) bool {
	var e *sqlite.Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return strings.Contains(e.Error(), "FOREIGN KEY constraint failed")
}

// DB exposes the underlying handle.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			name TEXT,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'USER' CHECK (role IN ('OWNER','ADMIN','USER')),
			created_at INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_single_owner ON users (role) WHERE role = 'OWNER';`,
		`CREATE TABLE IF NOT EXISTS apps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			latest_version TEXT,
			status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE','DISABLED')),
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS usage_links (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER REFERENCES users(id) ON DELETE CASCADE,
			app_id INTEGER NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
			first_seen_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL,
			launch_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE (user_id, app_id)
		);`,
		`CREATE INDEX IF NOT EXISTS usage_links_app_last_seen_idx ON usage_links (app_id, last_seen_at);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("sqlite init: %w", err)
		}
	}
	return nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

const sqliteUserColumns = `id,email,name,password_hash,role,created_at`

func scanSQLiteUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var name sql.NullString
	var role string
	var created int64
	if err := row.Scan(&u.ID, &u.Email, &name, &u.PasswordHash, &role, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Name = name.String
	u.Role = models.Role(role)
	u.CreatedAt = fromNanos(created)
	return &u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, email, name, passwordHash string, role models.Role, createdAt time.Time) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `INSERT INTO users(email,name,password_hash,role,created_at) VALUES(?,?,?,?,?)
		ON CONFLICT DO NOTHING RETURNING `+sqliteUserColumns,
		email, nullString(name), passwordHash, string(role), toNanos(createdAt))
	u, err := scanSQLiteUser(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConflict
	}
	return u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id))
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE email = ?`, email))
}

func (s *SQLiteStore) FindOwner(ctx context.Context) (*models.User, error) {
	return scanSQLiteUser(s.db.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE role = 'OWNER' LIMIT 1`))
}

func (s *SQLiteStore) PromoteOwner(ctx context.Context, id int64) (*models.User, error) {
	var u *models.User
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		if _, err := scanSQLiteUser(tx.QueryRowContext(ctx, `SELECT `+sqliteUserColumns+` FROM users WHERE id = ?`, id)); err != nil {
			return err
		}
		var err error
		u, err = scanSQLiteUser(tx.QueryRowContext(ctx, `UPDATE users SET role = 'OWNER'
			WHERE id = ? AND NOT EXISTS (SELECT 1 FROM users WHERE role = 'OWNER')
			RETURNING `+sqliteUserColumns, id))
		if errors.Is(err, ErrNotFound) {
			return ErrConflict
		}
		return err
	})
	return u, err
}

// lockTarget loads the user a privileged mutation targets and refuses OWNER rows.
func lockTarget(ctx context.Context, tx DBTX, query string, id int64) error {
	var role string
	if err := tx.QueryRowContext(ctx, query, id).Scan(&role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if models.Role(role) == models.RoleOwner {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) UpdateUserRole(ctx context.Context, id int64, role models.Role) (*models.User, error) {
	if role == models.RoleOwner {
		return nil, ErrConflict
	}
	var u *models.User
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		if err := lockTarget(ctx, tx, `SELECT role FROM users WHERE id = ?`, id); err != nil {
			return err
		}
		var err error
		u, err = scanSQLiteUser(tx.QueryRowContext(ctx, `UPDATE users SET role = ? WHERE id = ? RETURNING `+sqliteUserColumns, string(role), id))
		return err
	})
	return u, err
}

func (s *SQLiteStore) UpdateUserPassword(ctx context.Context, id int64, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, id int64) error {
	return WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		if err := lockTarget(ctx, tx, `SELECT role FROM users WHERE id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
		return err
	})
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteUserColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	users := []models.User{}
	for rows.Next() {
		u, err := scanSQLiteUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

const sqliteAppColumns = `id,code,name,latest_version,status,created_at`

func scanSQLiteApp(row interface{ Scan(...any) error }) (*models.App, error) {
	var a models.App
	var version sql.NullString
	var status string
	var created int64
	if err := row.Scan(&a.ID, &a.Code, &a.Name, &version, &status, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.LatestVersion = stringPtr(version)
	a.Status = models.AppStatus(status)
	a.CreatedAt = fromNanos(created)
	return &a, nil
}

func (s *SQLiteStore) GetAppByCode(ctx context.Context, code string) (*models.App, error) {
	return scanSQLiteApp(s.db.QueryRowContext(ctx, `SELECT `+sqliteAppColumns+` FROM apps WHERE code = ?`, code))
}

func (s *SQLiteStore) InsertApp(ctx context.Context, app models.App) (*models.App, error) {
	a, err := scanSQLiteApp(s.db.QueryRowContext(ctx, `INSERT INTO apps(code,name,latest_version,status,created_at) VALUES(?,?,?,?,?)
		ON CONFLICT (code) DO NOTHING RETURNING `+sqliteAppColumns,
		app.Code, app.Name, nullStringPtr(app.LatestVersion), string(app.Status), toNanos(app.CreatedAt)))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConflict
	}
	return a, err
}

func (s *SQLiteStore) UpdateAppDetails(ctx context.Context, id int64, name string, latestVersion *string) (*models.App, error) {
	return scanSQLiteApp(s.db.QueryRowContext(ctx, `UPDATE apps SET name = ?, latest_version = COALESCE(?, latest_version)
		WHERE id = ? RETURNING `+sqliteAppColumns, name, nullStringPtr(latestVersion), id))
}

func (s *SQLiteStore) ListAppSummaries(ctx context.Context) ([]models.AppSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT a.code, a.name, a.status, a.latest_version, a.created_at,
			COUNT(DISTINCT ul.user_id), COALESCE(SUM(ul.launch_count), 0), MAX(ul.last_seen_at)
		FROM apps a
		LEFT JOIN usage_links ul ON ul.app_id = a.id
			AND EXISTS (SELECT 1 FROM users u WHERE u.id = ul.user_id)
		GROUP BY a.id
		ORDER BY a.created_at DESC, a.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.AppSummary{}
	for rows.Next() {
		var sum models.AppSummary
		var version sql.NullString
		var status string
		var created int64
		var lastSeen sql.NullInt64
		if err := rows.Scan(&sum.Code, &sum.Name, &status, &version, &created, &sum.UserCount, &sum.TotalLaunches, &lastSeen); err != nil {
			return nil, err
		}
		sum.Status = models.AppStatus(status)
		sum.LatestVersion = stringPtr(version)
		sum.CreatedAt = fromNanos(created)
		if lastSeen.Valid {
			t := fromNanos(lastSeen.Int64)
			sum.LastSeenAt = &t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListAppUsers(ctx context.Context, appID int64, limit int) ([]models.AppUser, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT u.id, u.email, u.name, u.role, ul.first_seen_at, ul.last_seen_at, ul.launch_count
		FROM usage_links ul
		JOIN users u ON u.id = ul.user_id
		WHERE ul.app_id = ?
		ORDER BY ul.last_seen_at DESC, u.id
		LIMIT ?`, appID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.AppUser{}
	for rows.Next() {
		var au models.AppUser
		var name sql.NullString
		var role string
		var first, last int64
		if err := rows.Scan(&au.UserID, &au.Email, &name, &role, &first, &last, &au.LaunchCount); err != nil {
			return nil, err
		}
		au.Name = name.String
		au.Role = models.Role(role)
		au.FirstSeenAt = fromNanos(first)
		au.LastSeenAt = fromNanos(last)
		out = append(out, au)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordLaunch(ctx context.Context, userID, appID int64, at time.Time) (*models.UsageLink, error) {
	var l models.UsageLink
	var first, last int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO usage_links(user_id,app_id,first_seen_at,last_seen_at,launch_count)
		VALUES(?,?,?,?,1)
		ON CONFLICT (user_id, app_id) DO UPDATE SET
			launch_count = usage_links.launch_count + 1,
			last_seen_at = MAX(usage_links.last_seen_at, excluded.last_seen_at)
		RETURNING id,user_id,app_id,first_seen_at,last_seen_at,launch_count`,
		userID, appID, toNanos(at), toNanos(at)).Scan(&l.ID, &l.UserID, &l.AppID, &first, &last, &l.LaunchCount)
	if isSQLiteForeignKeyViolation(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("record launch: %w", err)
	}
	l.FirstSeenAt = fromNanos(first)
	l.LastSeenAt = fromNanos(last)
	return &l, nil
}

func (s *SQLiteStore) PurgeOrphanedLinks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_links
		WHERE user_id IS NULL OR NOT EXISTS (SELECT 1 FROM users u WHERE u.id = usage_links.user_id)`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }
