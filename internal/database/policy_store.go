package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"ums-aaa/internal/models"
)

// PolicyStore implements policy.Store on PostgreSQL
type PolicyStore struct {
	db *sql.DB
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// ================ MAC rules ================

const macRuleColumns = `id, mac_address, action, device_name, description, active, updated_at`

func scanMacRule(row scanner) (*models.MacRule, error) {
	var r models.MacRule
	if err := row.Scan(&r.ID, &r.MACAddress, &r.Action, &r.DeviceName, &r.Description, &r.Active, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// lockMACStmt serializes writers of one MAC until the transaction ends.
// Without it two upserts can both deactivate nothing and then collide on
// mac_rules_active_mac.
const lockMACStmt = `SELECT pg_advisory_xact_lock(hashtext($1))`

// UpsertMacRule deactivates any other active rule for the MAC in the same
// transaction, so the partial unique index never sees two.
func (s *PolicyStore) UpsertMacRule(ctx context.Context, rule models.MacRule) (models.MacRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, lockMACStmt, rule.MACAddress); err != nil {
			return translate(err, models.CodeUnavailable, "lock mac rules for %s", rule.MACAddress)
		}
		if rule.Active {
			if _, err := tx.ExecContext(ctx,
				`UPDATE mac_rules SET active = FALSE, updated_at = $3
				 WHERE mac_address = $1 AND id <> $2 AND active`,
				rule.MACAddress, rule.ID, rule.UpdatedAt); err != nil {
				return translate(err, models.CodeDuplicateName, "deactivate mac rules for %s", rule.MACAddress)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO mac_rules (`+macRuleColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				mac_address = EXCLUDED.mac_address,
				action = EXCLUDED.action,
				device_name = EXCLUDED.device_name,
				description = EXCLUDED.description,
				active = EXCLUDED.active,
				updated_at = EXCLUDED.updated_at`,
			rule.ID, rule.MACAddress, rule.Action, rule.DeviceName, rule.Description, rule.Active, rule.UpdatedAt)
		return translate(err, models.CodeDuplicateName, "mac rule %s", rule.MACAddress)
	})
	if err != nil {
		return models.MacRule{}, err
	}
	logrus.Debugf("Stored mac rule %s for %s (%s)", rule.ID, rule.MACAddress, rule.Action)
	return rule, nil
}

func (s *PolicyStore) ActiveMacRule(ctx context.Context, mac string) (*models.MacRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+macRuleColumns+` FROM mac_rules WHERE mac_address = $1 AND active`, mac)
	r, err := scanMacRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "active mac rule %s", mac)
	}
	return r, nil
}

func (s *PolicyStore) ListMacRules(ctx context.Context, activeOnly bool) ([]models.MacRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+macRuleColumns+` FROM mac_rules WHERE active OR NOT $1 ORDER BY mac_address`, activeOnly)
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "list mac rules")
	}
	defer rows.Close()

	var out []models.MacRule
	for rows.Next() {
		r, err := scanMacRule(rows)
		if err != nil {
			return nil, translate(err, models.CodeUnavailable, "scan mac rule")
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PolicyStore) DeleteMacRule(ctx context.Context, mac string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mac_rules WHERE mac_address = $1`, mac)
	if err != nil {
		return translate(err, models.CodeUnavailable, "delete mac rule %s", mac)
	}
	return affected(res, "mac rule %s", mac)
}

// ================ Bandwidth profiles ================

const profileColumns = `id, name, download_rate, upload_rate, priority, burst_limit, burst_threshold, burst_time, description, active, updated_at`

func scanProfile(row scanner) (*models.BandwidthProfile, error) {
	var p models.BandwidthProfile
	if err := row.Scan(&p.ID, &p.Name, &p.DownloadRate, &p.UploadRate, &p.Priority,
		&p.BurstLimit, &p.BurstThreshold, &p.BurstTime, &p.Description, &p.Active, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PolicyStore) SaveBandwidthProfile(ctx context.Context, p models.BandwidthProfile) (models.BandwidthProfile, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bandwidth_profiles (`+profileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			download_rate = EXCLUDED.download_rate,
			upload_rate = EXCLUDED.upload_rate,
			priority = EXCLUDED.priority,
			burst_limit = EXCLUDED.burst_limit,
			burst_threshold = EXCLUDED.burst_threshold,
			burst_time = EXCLUDED.burst_time,
			description = EXCLUDED.description,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.DownloadRate, p.UploadRate, p.Priority,
		p.BurstLimit, p.BurstThreshold, p.BurstTime, p.Description, p.Active, p.UpdatedAt)
	if err != nil {
		return models.BandwidthProfile{}, translate(err, models.CodeDuplicateName, "bandwidth profile %q", p.Name)
	}
	return p, nil
}

func (s *PolicyStore) BandwidthProfile(ctx context.Context, name string) (*models.BandwidthProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM bandwidth_profiles WHERE lower(name) = lower($1)`, name)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "bandwidth profile %q", name)
	}
	return p, nil
}

func (s *PolicyStore) ListBandwidthProfiles(ctx context.Context, activeOnly bool) ([]models.BandwidthProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM bandwidth_profiles WHERE active OR NOT $1 ORDER BY priority, name`, activeOnly)
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "list bandwidth profiles")
	}
	defer rows.Close()

	var out []models.BandwidthProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, translate(err, models.CodeUnavailable, "scan bandwidth profile")
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ================ Voucher types and access codes ================

const voucherTypeColumns = `id, name, duration, profile, user_group, price, description, active, created_at`

func scanVoucherType(row scanner) (*models.VoucherType, error) {
	var vt models.VoucherType
	if err := row.Scan(&vt.ID, &vt.Name, &vt.Duration, &vt.Profile, &vt.Group,
		&vt.Price, &vt.Description, &vt.Active, &vt.CreatedAt); err != nil {
		return nil, err
	}
	return &vt, nil
}

func (s *PolicyStore) SaveVoucherType(ctx context.Context, vt models.VoucherType) (models.VoucherType, error) {
	if vt.ID == "" {
		vt.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voucher_types (`+voucherTypeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			duration = EXCLUDED.duration,
			profile = EXCLUDED.profile,
			user_group = EXCLUDED.user_group,
			price = EXCLUDED.price,
			description = EXCLUDED.description,
			active = EXCLUDED.active`,
		vt.ID, vt.Name, vt.Duration, vt.Profile, vt.Group, vt.Price, vt.Description, vt.Active, vt.CreatedAt)
	if err != nil {
		return models.VoucherType{}, translate(err, models.CodeDuplicateName, "voucher type %q", vt.Name)
	}
	return vt, nil
}

func (s *PolicyStore) VoucherType(ctx context.Context, name string) (*models.VoucherType, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+voucherTypeColumns+` FROM voucher_types WHERE lower(name) = lower($1)`, name)
	vt, err := scanVoucherType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "voucher type %q", name)
	}
	return vt, nil
}

func (s *PolicyStore) ListVoucherTypes(ctx context.Context, activeOnly bool) ([]models.VoucherType, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+voucherTypeColumns+` FROM voucher_types WHERE active OR NOT $1 ORDER BY name`, activeOnly)
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "list voucher types")
	}
	defer rows.Close()

	var out []models.VoucherType
	for rows.Next() {
		vt, err := scanVoucherType(rows)
		if err != nil {
			return nil, translate(err, models.CodeUnavailable, "scan voucher type")
		}
		out = append(out, *vt)
	}
	return out, rows.Err()
}

const accessCodeColumns = `username, password, voucher_type, profile, user_group, created_at, expires_at, status, used_at, used_by_mac`

func scanAccessCode(row scanner) (*models.AccessCode, error) {
	var (
		c      models.AccessCode
		usedAt sql.NullTime
		usedBy sql.NullString
	)
	if err := row.Scan(&c.Username, &c.Password, &c.VoucherType, &c.Profile, &c.Group,
		&c.CreatedAt, &c.ExpiresAt, &c.Status, &usedAt, &usedBy); err != nil {
		return nil, err
	}
	c.UsedAt = timePtr(usedAt)
	c.UsedByMAC = usedBy.String
	return &c, nil
}

// InsertAccessCodes stores a batch with a single COPY inside a transaction;
// a username clash aborts the whole batch.
func (s *PolicyStore) InsertAccessCodes(ctx context.Context, codes []models.AccessCode) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("access_codes",
			"username", "password", "voucher_type", "profile", "user_group", "created_at", "expires_at", "status"))
		if err != nil {
			return translate(err, models.CodeUnavailable, "prepare access code copy")
		}
		for _, c := range codes {
			if _, err := stmt.ExecContext(ctx, c.Username, c.Password, c.VoucherType, c.Profile, c.Group,
				c.CreatedAt, c.ExpiresAt, string(c.Status)); err != nil {
				stmt.Close()
				return translate(err, models.CodeDuplicateName, "access code %q", c.Username)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return translate(err, models.CodeDuplicateName, "access code batch")
		}
		if err := stmt.Close(); err != nil {
			return translate(err, models.CodeDuplicateName, "access code batch")
		}
		logrus.Debugf("Inserted %d access codes", len(codes))
		return nil
	})
}

func (s *PolicyStore) AccessCode(ctx context.Context, username string) (*models.AccessCode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accessCodeColumns+` FROM access_codes WHERE username = $1`, username)
	c, err := scanAccessCode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "access code %s", username)
	}
	return c, nil
}

func (s *PolicyStore) ListAccessCodes(ctx context.Context, status models.AccessCodeStatus) ([]models.AccessCode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accessCodeColumns+` FROM access_codes
		 WHERE $1 = '' OR status = $1
		 ORDER BY created_at, username`, string(status))
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "list access codes")
	}
	defer rows.Close()

	var out []models.AccessCode
	for rows.Next() {
		c, err := scanAccessCode(rows)
		if err != nil {
			return nil, translate(err, models.CodeUnavailable, "scan access code")
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// MarkAccessCodeUsed relies on the conditional UPDATE for atomicity: only
// one redeemer can match status = 'unused'.
func (s *PolicyStore) MarkAccessCodeUsed(ctx context.Context, username, mac string, at time.Time) (*models.AccessCode, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE access_codes SET status = 'used', used_at = $2, used_by_mac = $3
		WHERE username = $1 AND status = 'unused'
		RETURNING `+accessCodeColumns, username, at, mac)
	c, err := scanAccessCode(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, translate(err, models.CodeUnavailable, "redeem access code %s", username)
	}

	existing, err := s.AccessCode(ctx, username)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, models.NewNotFound("access code %s", username)
	}
	return nil, models.NewPolicyRejection(models.CodeVoucherUsed, "%s", username)
}

func (s *PolicyStore) ResetAccessCode(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE access_codes SET status = 'unused', used_at = NULL, used_by_mac = NULL WHERE username = $1`, username)
	if err != nil {
		return translate(err, models.CodeUnavailable, "reset access code %s", username)
	}
	return affected(res, "access code %s", username)
}

func (s *PolicyStore) ReleaseAccessCode(ctx context.Context, username, mac string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE access_codes SET status = 'unused', used_at = NULL, used_by_mac = NULL
		WHERE username = $1 AND status = 'used' AND used_by_mac = $2`, username, mac)
	if err != nil {
		return false, translate(err, models.CodeUnavailable, "release access code %s", username)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, translate(err, models.CodeUnavailable, "release access code %s", username)
	}
	return n > 0, nil
}

// ================ User groups and subscribers ================

func (s *PolicyStore) SaveUserGroup(ctx context.Context, g models.UserGroup) (models.UserGroup, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_groups (name, permissions, device_limit, description, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ((lower(name))) DO UPDATE SET
			name = EXCLUDED.name,
			permissions = EXCLUDED.permissions,
			device_limit = EXCLUDED.device_limit,
			description = EXCLUDED.description,
			active = EXCLUDED.active`,
		g.Name, pq.Array(g.Permissions), g.DeviceLimit, g.Description, g.Active)
	if err != nil {
		return models.UserGroup{}, translate(err, models.CodeDuplicateName, "user group %q", g.Name)
	}
	return g, nil
}

func scanUserGroup(row scanner) (*models.UserGroup, error) {
	var g models.UserGroup
	if err := row.Scan(&g.Name, pq.Array(&g.Permissions), &g.DeviceLimit, &g.Description, &g.Active); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PolicyStore) UserGroup(ctx context.Context, name string) (*models.UserGroup, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, permissions, device_limit, description, active FROM user_groups WHERE lower(name) = lower($1)`, name)
	g, err := scanUserGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "user group %q", name)
	}
	return g, nil
}

func (s *PolicyStore) ListUserGroups(ctx context.Context, activeOnly bool) ([]models.UserGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, permissions, device_limit, description, active FROM user_groups
		 WHERE active OR NOT $1 ORDER BY name`, activeOnly)
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "list user groups")
	}
	defer rows.Close()

	var out []models.UserGroup
	for rows.Next() {
		g, err := scanUserGroup(rows)
		if err != nil {
			return nil, translate(err, models.CodeUnavailable, "scan user group")
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

const subscriberColumns = `username, password_hash, user_group, profile, account_id, active, created_at`

func scanSubscriber(row scanner) (*models.Subscriber, error) {
	var (
		sub     models.Subscriber
		account sql.NullString
	)
	if err := row.Scan(&sub.Username, &sub.PasswordHash, &sub.Group, &sub.Profile, &account, &sub.Active, &sub.CreatedAt); err != nil {
		return nil, err
	}
	sub.AccountID = account.String
	return &sub, nil
}

func (s *PolicyStore) SaveSubscriber(ctx context.Context, sub models.Subscriber) (models.Subscriber, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (`+subscriberColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (username) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			user_group = EXCLUDED.user_group,
			profile = EXCLUDED.profile,
			account_id = EXCLUDED.account_id,
			active = EXCLUDED.active`,
		sub.Username, sub.PasswordHash, sub.Group, sub.Profile, nullString(sub.AccountID), sub.Active, sub.CreatedAt)
	if err != nil {
		return models.Subscriber{}, translate(err, models.CodeDuplicateName, "subscriber %q", sub.Username)
	}
	return sub, nil
}

func (s *PolicyStore) Subscriber(ctx context.Context, username string) (*models.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE username = $1`, username)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "subscriber %s", username)
	}
	return sub, nil
}

func (s *PolicyStore) ListSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers ORDER BY username`)
	if err != nil {
		return nil, translate(err, models.CodeUnavailable, "list subscribers")
	}
	defer rows.Close()

	var out []models.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, translate(err, models.CodeUnavailable, "scan subscriber")
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

func affected(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return models.NewTransientFailure(models.CodeUnavailable, err)
	}
	if n == 0 {
		return models.NewNotFound(format, args...)
	}
	return nil
}
