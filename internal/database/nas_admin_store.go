package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ums-aaa/internal/models"
)

// NASStore implements nas.Store
type NASStore struct {
	db *sql.DB
}

const routerColumns = `id, name, ip_address, mac_address, type, port, radius_server, status, description, secret_cipher, last_seen, created_at`

func scanRouter(row scanner) (*models.Router, error) {
	var (
		r        models.Router
		lastSeen sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Name, &r.IPAddress, &r.MACAddress, &r.Type, &r.Port, &r.RadiusServer,
		&r.Status, &r.Description, &r.SecretCipher, &lastSeen, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.LastSeen = timePtr(lastSeen)
	return &r, nil
}

func (s *NASStore) SaveRouter(ctx context.Context, r models.Router) (models.Router, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routers (`+routerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			ip_address = EXCLUDED.ip_address,
			mac_address = EXCLUDED.mac_address,
			type = EXCLUDED.type,
			port = EXCLUDED.port,
			radius_server = EXCLUDED.radius_server,
			status = EXCLUDED.status,
			description = EXCLUDED.description,
			secret_cipher = EXCLUDED.secret_cipher`,
		r.ID, r.Name, r.IPAddress, r.MACAddress, r.Type, r.Port, r.RadiusServer,
		r.Status, r.Description, r.SecretCipher, nullTime(r.LastSeen), r.CreatedAt)
	if err != nil {
		err = translate(err, models.CodeDuplicateName, "router %q or address %s exists", r.Name, r.IPAddress)
		if models.IsKind(err, models.KindConflict) {
			return models.Router{}, models.NewValidationError(models.CodeDuplicateName, "router %q or address %s exists", r.Name, r.IPAddress)
		}
		return models.Router{}, err
	}
	return r, nil
}

func (s *NASStore) queryRouter(ctx context.Context, where string, arg interface{}) (*models.Router, error) {
	r, err := scanRouter(s.db.QueryRowContext(ctx, `SELECT `+routerColumns+` FROM routers WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "router lookup")
	}
	return r, nil
}

func (s *NASStore) Router(ctx context.Context, id string) (*models.Router, error) {
	return s.queryRouter(ctx, "id = $1", id)
}

func (s *NASStore) RouterByIP(ctx context.Context, ip string) (*models.Router, error) {
	return s.queryRouter(ctx, "ip_address = $1", ip)
}

func (s *NASStore) ListRouters(ctx context.Context) ([]models.Router, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+routerColumns+` FROM routers ORDER BY name`)
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "list routers")
	}
	defer rows.Close()

	var out []models.Router
	for rows.Next() {
		r, err := scanRouter(rows)
		if err != nil {
			return nil, translate(err, models.CodeUnavailable, "scan router")
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *NASStore) DeleteRouter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routers WHERE id = $1`, id)
	if err != nil {
		return translate(err, models.CodeUnavailable, "delete router %s", id)
	}
	return affected(res, "router %s", id)
}

func (s *NASStore) TouchRouter(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE routers SET last_seen = $2, status = $3 WHERE id = $1`, id, at, models.RouterOnline)
	if err != nil {
		return translate(err, models.CodeUnavailable, "touch router %s", id)
	}
	return affected(res, "router %s", id)
}

// AdminStore implements admin.Store
type AdminStore struct {
	db *sql.DB
}

const adminColumns = `id, username, email, phone, role, status, password_hash, created_at, last_login`

func scanAdmin(row scanner) (*models.AdminAccount, error) {
	var (
		a         models.AdminAccount
		lastLogin sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.Username, &a.Email, &a.Phone, &a.Role, &a.Status,
		&a.PasswordHash, &a.CreatedAt, &lastLogin); err != nil {
		return nil, err
	}
	a.LastLogin = timePtr(lastLogin)
	return &a, nil
}

func (s *AdminStore) SaveAdmin(ctx context.Context, a models.AdminAccount) (models.AdminAccount, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admins (`+adminColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			role = EXCLUDED.role,
			status = EXCLUDED.status,
			password_hash = EXCLUDED.password_hash`,
		a.ID, a.Username, a.Email, a.Phone, a.Role, a.Status, a.PasswordHash, a.CreatedAt, nullTime(a.LastLogin))
	if err != nil {
		err = translate(err, models.CodeDuplicateName, "admin %q exists", a.Username)
		if models.IsKind(err, models.KindConflict) {
			return models.AdminAccount{}, models.NewValidationError(models.CodeDuplicateName, "admin %q exists", a.Username)
		}
		return models.AdminAccount{}, err
	}
	return a, nil
}

func (s *AdminStore) queryAdmin(ctx context.Context, where string, arg interface{}) (*models.AdminAccount, error) {
	a, err := scanAdmin(s.db.QueryRowContext(ctx, `SELECT `+adminColumns+` FROM admins WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "admin lookup")
	}
	return a, nil
}

func (s *AdminStore) Admin(ctx context.Context, id string) (*models.AdminAccount, error) {
	return s.queryAdmin(ctx, "id = $1", id)
}

func (s *AdminStore) AdminByUsername(ctx context.Context, username string) (*models.AdminAccount, error) {
	return s.queryAdmin(ctx, "lower(username) = lower($1)", username)
}

func (s *AdminStore) ListAdmins(ctx context.Context) ([]models.AdminAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+adminColumns+` FROM admins ORDER BY username`)
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "list admins")
	}
	defer rows.Close()

	var out []models.AdminAccount
	for rows.Next() {
		a, err := scanAdmin(rows)
		if err != nil {
			return nil, translate(err, models.CodeUnavailable, "scan admin")
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *AdminStore) DeleteAdmin(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM admins WHERE id = $1`, id)
	if err != nil {
		return translate(err, models.CodeUnavailable, "delete admin %s", id)
	}
	return affected(res, "admin %s", id)
}

func (s *AdminStore) TouchLogin(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE admins SET last_login = $2 WHERE id = $1`, id, at)
	if err != nil {
		return translate(err, models.CodeUnavailable, "touch admin %s", id)
	}
	return affected(res, "admin %s", id)
}
