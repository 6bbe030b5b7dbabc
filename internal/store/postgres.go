package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/quietora/internal/models"
	_ "github.com/lib/pq"
)

type PostgresStore struct {
	db  *sql.DB
	dsn string
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresStore{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Init() error {
	// rely on migrations to create tables; just verify connectivity
	return p.db.Ping()
}

const pgUserColumns = `id,email,name,password_hash,role,created_at`

func scanPgUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var name sql.NullString
	var role string
	if err := row.Scan(&u.ID, &u.Email, &name, &u.PasswordHash, &role, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Name = name.String
	u.Role = models.Role(role)
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (p *PostgresStore) CreateUser(ctx context.Context, email, name, passwordHash string, role models.Role, createdAt time.Time) (*models.User, error) {
	u, err := scanPgUser(p.db.QueryRowContext(ctx, `INSERT INTO users(email,name,password_hash,role,created_at) VALUES($1,$2,$3,$4,$5)
		RETURNING `+pgUserColumns, email, nullString(name), passwordHash, string(role), createdAt))
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, err
}

func (p *PostgresStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanPgUser(p.db.QueryRowContext(ctx, `SELECT `+pgUserColumns+` FROM users WHERE id = $1`, id))
}

func (p *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanPgUser(p.db.QueryRowContext(ctx, `SELECT `+pgUserColumns+` FROM users WHERE email = $1`, email))
}

func (p *PostgresStore) FindOwner(ctx context.Context) (*models.User, error) {
	return scanPgUser(p.db.QueryRowContext(ctx, `SELECT `+pgUserColumns+` FROM users WHERE role = 'OWNER' LIMIT 1`))
}

// PromoteOwner flips id to OWNER unless an owner already exists. Two racing
// promotions are settled by the users_single_owner partial unique index.
func (p *PostgresStore) PromoteOwner(ctx context.Context, id int64) (*models.User, error) {
	var u *models.User
	err := WithTx(ctx, p.db, nil, func(ctx context.Context, tx DBTX) error {
		if _, err := scanPgUser(tx.QueryRowContext(ctx, `SELECT `+pgUserColumns+` FROM users WHERE id = $1 FOR UPDATE`, id)); err != nil {
			return err
		}
		var err error
		u, err = scanPgUser(tx.QueryRowContext(ctx, `UPDATE users SET role = 'OWNER'
			WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM users WHERE role = 'OWNER')
			RETURNING `+pgUserColumns, id))
		if errors.Is(err, ErrNotFound) {
			return ErrConflict
		}
		return err
	})
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	return u, err
}

func (p *PostgresStore) UpdateUserRole(ctx context.Context, id int64, role models.Role) (*models.User, error) {
	if role == models.RoleOwner {
		return nil, ErrConflict
	}
	var u *models.User
	err := WithTx(ctx, p.db, nil, func(ctx context.Context, tx DBTX) error {
		if err := lockTarget(ctx, tx, `SELECT role FROM users WHERE id = $1 FOR UPDATE`, id); err != nil {
			return err
		}
		var err error
		u, err = scanPgUser(tx.QueryRowContext(ctx, `UPDATE users SET role = $1 WHERE id = $2 RETURNING `+pgUserColumns, string(role), id))
		return err
	})
	return u, err
}

func (p *PostgresStore) UpdateUserPassword(ctx context.Context, id int64, passwordHash string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, passwordHash, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteUser(ctx context.Context, id int64) error {
	return WithTx(ctx, p.db, nil, func(ctx context.Context, tx DBTX) error {
		if err := lockTarget(ctx, tx, `SELECT role FROM users WHERE id = $1 FOR UPDATE`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
		return err
	})
}

func (p *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+pgUserColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	users := []models.User{}
	for rows.Next() {
		u, err := scanPgUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (p *PostgresStore) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

const pgAppColumns = `id,code,name,latest_version,status,created_at`

func scanPgApp(row interface{ Scan(...any) error }) (*models.App, error) {
	var a models.App
	var version sql.NullString
	var status string
	if err := row.Scan(&a.ID, &a.Code, &a.Name, &version, &status, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.LatestVersion = stringPtr(version)
	a.Status = models.AppStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func (p *PostgresStore) GetAppByCode(ctx context.Context, code string) (*models.App, error) {
	return scanPgApp(p.db.QueryRowContext(ctx, `SELECT `+pgAppColumns+` FROM apps WHERE code = $1`, code))
}

func (p *PostgresStore) InsertApp(ctx context.Context, app models.App) (*models.App, error) {
	a, err := scanPgApp(p.db.QueryRowContext(ctx, `INSERT INTO apps(code,name,latest_version,status,created_at) VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (code) DO NOTHING RETURNING `+pgAppColumns,
		app.Code, app.Name, nullStringPtr(app.LatestVersion), string(app.Status), app.CreatedAt))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConflict
	}
	return a, err
}

func (p *PostgresStore) UpdateAppDetails(ctx context.Context, id int64, name string, latestVersion *string) (*models.App, error) {
	return scanPgApp(p.db.QueryRowContext(ctx, `UPDATE apps SET name = $1, latest_version = COALESCE($2, latest_version)
		WHERE id = $3 RETURNING `+pgAppColumns, name, nullStringPtr(latestVersion), id))
}

func (p *PostgresStore) ListAppSummaries(ctx context.Context) ([]models.AppSummary, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT a.code, a.name, a.status, a.latest_version, a.created_at,
			COUNT(DISTINCT ul.user_id), COALESCE(SUM(ul.launch_count), 0), MAX(ul.last_seen_at)
		FROM apps a
		LEFT JOIN usage_links ul ON ul.app_id = a.id
			AND EXISTS (SELECT 1 FROM users u WHERE u.id = ul.user_id)
		GROUP BY a.id
		ORDER BY a.created_at DESC, a.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	out := []models.AppSummary{}
	for rows.Next() {
		var sum models.AppSummary
		var version sql.NullString
		var status string
		var lastSeen sql.NullTime
		if err := rows.Scan(&sum.Code, &sum.Name, &status, &version, &sum.CreatedAt, &sum.UserCount, &sum.TotalLaunches, &lastSeen); err != nil {
			return nil, err
		}
		sum.Status = models.AppStatus(status)
		sum.LatestVersion = stringPtr(version)
		sum.CreatedAt = sum.CreatedAt.UTC()
		if lastSeen.Valid {
			t := lastSeen.Time.UTC()
			sum.LastSeenAt = &t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListAppUsers(ctx context.Context, appID int64, limit int) ([]models.AppUser, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT u.id, u.email, u.name, u.role, ul.first_seen_at, ul.last_seen_at, ul.launch_count
		FROM usage_links ul
		JOIN users u ON u.id = ul.user_id
		WHERE ul.app_id = $1
		ORDER BY ul.last_seen_at DESC, u.id
		LIMIT $2`, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	out := []models.AppUser{}
	for rows.Next() {
		var au models.AppUser
		var name sql.NullString
		var role string
		if err := rows.Scan(&au.UserID, &au.Email, &name, &role, &au.FirstSeenAt, &au.LastSeenAt, &au.LaunchCount); err != nil {
			return nil, err
		}
		au.Name = name.String
		au.Role = models.Role(role)
		au.FirstSeenAt = au.FirstSeenAt.UTC()
		au.LastSeenAt = au.LastSeenAt.UTC()
		out = append(out, au)
	}
	return out, rows.Err()
}

// RecordLaunch creates the (user, app) link or bumps it in one statement, so
// concurrent heartbeats for the same pair neither duplicate nor lose increments.
func (p *PostgresStore) RecordLaunch(ctx context.Context, userID, appID int64, at time.Time) (*models.UsageLink, error) {
	var l models.UsageLink
	err := p.db.QueryRowContext(ctx, `INSERT INTO usage_links(user_id,app_id,first_seen_at,last_seen_at,launch_count)
		VALUES($1,$2,$3,$3,1)
		ON CONFLICT (user_id, app_id) DO UPDATE SET
			launch_count = usage_links.launch_count + 1,
			last_seen_at = GREATEST(usage_links.last_seen_at, EXCLUDED.last_seen_at)
		RETURNING id,user_id,app_id,first_seen_at,last_seen_at,launch_count`,
		userID, appID, at).Scan(&l.ID, &l.UserID, &l.AppID, &l.FirstSeenAt, &l.LastSeenAt, &l.LaunchCount)
	if isForeignKeyViolation(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("record launch: %w", err)
	}
	l.FirstSeenAt = l.FirstSeenAt.UTC()
	l.LastSeenAt = l.LastSeenAt.UTC()
	return &l, nil
}

func (p *PostgresStore) PurgeOrphanedLinks(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM usage_links ul
		WHERE ul.user_id IS NULL OR NOT EXISTS (SELECT 1 FROM users u WHERE u.id = ul.user_id)`)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresStore) Close() error                   { return p.db.Close() }
