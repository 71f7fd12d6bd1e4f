package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"guildpost.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context context.Context) UserStore { return &userStore{db: s.db} }
func (s *PGStore) Sessions(context context.Context) SessionStore {
	return &sessionStore{db: s.db}
}
func (s *PGStore) VerificationTokens(context context.Context) VerificationTokenStore {
	return &tokenStore{db: s.db}
}
func (s *PGStore) PlatformGrants(context context.Context) PlatformGrantStore {
	return &platformGrantStore{db: s.db}
}
func (s *PGStore) ModuleLeads(context context.Context) ModuleLeadStore {
	return &moduleLeadStore{db: s.db}
}
func (s *PGStore) Memberships(context context.Context) MembershipStore {
	return &membershipStore{db: s.db}
}

// uniqueViolation maps duplicate-key errors onto ErrConflict so callers can
// report them without leaking driver details.
func uniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// User store -----------------------------------------------------------------
type userStore struct{ db *sql.DB }

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, handle, password_hash, is_active, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Email, u.Handle, u.PasswordHash, u.IsActive, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return uniqueViolation(err)
	}
	return nil
}

const userColumns = `id, email, handle, password_hash, is_active, email_verified_at, created_at, updated_at, purge_after`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.Handle, &u.PasswordHash, &u.IsActive,
		&u.EmailVerifiedAt, &u.CreatedAt, &u.UpdatedAt, &u.PurgeAfter); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, email))
}

func (s *userStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`,
		userID, passwordHash,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *userStore) MarkVerified(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update users set email_verified_at=coalesce(email_verified_at, $2), updated_at=now() where id=$1`,
		userID, at,
	)
	return err
}

func (s *userStore) Deactivate(ctx context.Context, userID string, purgeAfter time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update users set is_active=false, purge_after=$2, updated_at=now() where id=$1`,
		userID, purgeAfter,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *userStore) PurgeDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from users where is_active=false and purge_after is not null and purge_after <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Session store ---------------------------------------------------------------
type sessionStore struct{ db *sql.DB }

const sessionColumns = `id, user_id, refresh_hash, device, ip, is_active, created_at, last_active_at, expires_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.RefreshHash, &sess.Device, &sess.IP,
		&sess.IsActive, &sess.CreatedAt, &sess.LastActiveAt, &sess.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *sessionStore) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into sessions(id, user_id, refresh_hash, device, ip, is_active, created_at, last_active_at, expires_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		sess.ID, sess.UserID, sess.RefreshHash, sess.Device, sess.IP,
		sess.IsActive, sess.CreatedAt, sess.LastActiveAt, sess.ExpiresAt,
	)
	return err
}

func (s *sessionStore) Find(ctx context.Context, id string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from sessions where id=$1`, id))
}

func (s *sessionStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+sessionColumns+` from sessions where user_id=$1 and is_active order by created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sess)
	}
	return res, rows.Err()
}

// Rotate is the single guarded update at the heart of refresh-token
// rotation. The where clause holds all preconditions, so of two racing
// refreshes with the same old hash exactly one matches a row.
func (s *sessionStore) Rotate(ctx context.Context, id, oldHash, newHash string, now time.Time) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`update sessions set refresh_hash=$3, last_active_at=$4
		 where id=$1 and refresh_hash=$2 and is_active and expires_at > $4
		 returning `+sessionColumns,
		id, oldHash, newHash, now,
	)
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Nothing matched. Distinguish a lapsed session from a bad credential
	// for the caller's error code; both end the session either way.
	var expiresAt time.Time
	var active bool
	probe := s.db.QueryRowContext(ctx,
		`select is_active, expires_at from sessions where id=$1`, id)
	if err := probe.Scan(&active, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionInvalid
		}
		return nil, err
	}
	if active && !expiresAt.After(now) {
		return nil, ErrSessionExpired
	}
	return nil, ErrSessionInvalid
}

func (s *sessionStore) Revoke(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set is_active=false where id=$1`, id)
	return err
}

func (s *sessionStore) RevokeAllForUser(ctx context.Context, userID, exceptID string) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set is_active=false where user_id=$1 and id <> $2`,
		userID, exceptID,
	)
	return err
}

// Verification token store -----------------------------------------------------
type tokenStore struct{ db *sql.DB }

func (s *tokenStore) Create(ctx context.Context, t *VerificationToken) error {
	if t.ID == "" {
		t.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into verification_tokens(id, user_id, purpose, token_hash, expires_at, created_at)
		 values($1,$2,$3,$4,$5,$6)`,
		t.ID, t.UserID, t.Purpose, t.TokenHash, t.ExpiresAt, t.CreatedAt,
	)
	if err != nil {
		return uniqueViolation(err)
	}
	return nil
}

// Consume claims the token in one guarded update. Unknown, expired and
// already-consumed hashes all fall out the same way so the caller cannot
// probe token state.
func (s *tokenStore) Consume(ctx context.Context, tokenHash string, purpose TokenPurpose, now time.Time) (*VerificationToken, error) {
	row := s.db.QueryRowContext(ctx,
		`update verification_tokens set consumed_at=$3
		 where token_hash=$1 and purpose=$2 and consumed_at is null and expires_at > $3
		 returning id, user_id, purpose, token_hash, expires_at, consumed_at, created_at`,
		tokenHash, purpose, now,
	)
	var t VerificationToken
	if err := row.Scan(&t.ID, &t.UserID, &t.Purpose, &t.TokenHash, &t.ExpiresAt, &t.ConsumedAt, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	return &t, nil
}

func (s *tokenStore) InvalidateForUser(ctx context.Context, userID string, purpose TokenPurpose) error {
	_, err := s.db.ExecContext(ctx,
		`update verification_tokens set consumed_at=now()
		 where user_id=$1 and purpose=$2 and consumed_at is null`,
		userID, purpose,
	)
	return err
}

// Platform grant store ---------------------------------------------------------
type platformGrantStore struct{ db *sql.DB }

func (s *platformGrantStore) Upsert(ctx context.Context, g *PlatformAdminGrant) error {
	_, err := s.db.ExecContext(ctx,
		`insert into platform_admin_grants(user_id, role, created_at) values($1,$2,$3)
		 on conflict (user_id) do update set role=excluded.role`,
		g.UserID, g.Role, g.CreatedAt,
	)
	return err
}

func (s *platformGrantStore) Find(ctx context.Context, userID string) (*PlatformAdminGrant, error) {
	row := s.db.QueryRowContext(ctx,
		`select user_id, role, created_at from platform_admin_grants where user_id=$1`, userID)
	var g PlatformAdminGrant
	if err := row.Scan(&g.UserID, &g.Role, &g.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

func (s *platformGrantStore) List(ctx context.Context) ([]*PlatformAdminGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select user_id, role, created_at from platform_admin_grants order by created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*PlatformAdminGrant
	for rows.Next() {
		var g PlatformAdminGrant
		if err := rows.Scan(&g.UserID, &g.Role, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, &g)
	}
	return res, rows.Err()
}

// Remove guards the last super_super_admin inside one transaction so two
// concurrent removals cannot empty the role between check and delete.
func (s *platformGrantStore) Remove(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var role PlatformRole
	row := tx.QueryRowContext(ctx,
		`select role from platform_admin_grants where user_id=$1 for update`, userID)
	if err := row.Scan(&role); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if role == RoleSuperSuperAdmin {
		var n int
		row := tx.QueryRowContext(ctx,
			`select count(*) from platform_admin_grants where role=$1`, RoleSuperSuperAdmin)
		if err := row.Scan(&n); err != nil {
			return err
		}
		if n <= 1 {
			return fmt.Errorf("%w: cannot remove the last %s", ErrConflict, RoleSuperSuperAdmin)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`delete from platform_admin_grants where user_id=$1`, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *platformGrantStore) CountByRole(ctx context.Context, role PlatformRole) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from platform_admin_grants where role=$1`, role).Scan(&n)
	return n, err
}

// Module lead store -------------------------------------------------------------
type moduleLeadStore struct{ db *sql.DB }

func (s *moduleLeadStore) Upsert(ctx context.Context, g *ModuleLeadGrant) error {
	_, err := s.db.ExecContext(ctx,
		`insert into module_lead_grants(user_id, module, is_active, created_at) values($1,$2,$3,$4)
		 on conflict (user_id, module) do update set is_active=excluded.is_active`,
		g.UserID, g.Module, g.IsActive, g.CreatedAt,
	)
	return err
}

func (s *moduleLeadStore) Remove(ctx context.Context, userID, module string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from module_lead_grants where user_id=$1 and module=$2`, userID, module)
	return err
}

func (s *moduleLeadStore) ListByUser(ctx context.Context, userID string) ([]*ModuleLeadGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`select user_id, module, is_active, created_at from module_lead_grants where user_id=$1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*ModuleLeadGrant
	for rows.Next() {
		var g ModuleLeadGrant
		if err := rows.Scan(&g.UserID, &g.Module, &g.IsActive, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, &g)
	}
	return res, rows.Err()
}

// Membership store ----------------------------------------------------------------
type membershipStore struct{ db *sql.DB }

const membershipColumns = `id, user_id, region_id, role, status, is_primary, is_active, created_at, updated_at`

func scanMembership(row interface{ Scan(...any) error }) (*RegionMembership, error) {
	var m RegionMembership
	if err := row.Scan(&m.ID, &m.UserID, &m.RegionID, &m.Role, &m.Status,
		&m.IsPrimary, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *membershipStore) Create(ctx context.Context, m *RegionMembership) error {
	if m.ID == "" {
		m.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into region_memberships(id, user_id, region_id, role, status, is_primary, is_active, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.ID, m.UserID, m.RegionID, m.Role, m.Status, m.IsPrimary, m.IsActive, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return uniqueViolation(err)
	}
	return nil
}

func (s *membershipStore) Find(ctx context.Context, id string) (*RegionMembership, error) {
	return scanMembership(s.db.QueryRowContext(ctx,
		`select `+membershipColumns+` from region_memberships where id=$1`, id))
}

func (s *membershipStore) FindByUserRegion(ctx context.Context, userID, regionID string) (*RegionMembership, error) {
	return scanMembership(s.db.QueryRowContext(ctx,
		`select `+membershipColumns+` from region_memberships where user_id=$1 and region_id=$2`,
		userID, regionID))
}

func (s *membershipStore) ListByUser(ctx context.Context, userID string) ([]*RegionMembership, error) {
	return s.list(ctx,
		`select `+membershipColumns+` from region_memberships where user_id=$1 order by created_at`, userID)
}

func (s *membershipStore) ListByRegion(ctx context.Context, regionID string) ([]*RegionMembership, error) {
	return s.list(ctx,
		`select `+membershipColumns+` from region_memberships where region_id=$1 order by created_at`, regionID)
}

func (s *membershipStore) list(ctx context.Context, query string, args ...any) ([]*RegionMembership, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*RegionMembership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *membershipStore) Transition(ctx context.Context, id string, from, to MembershipStatus, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update region_memberships set status=$3, updated_at=$4
		 where id=$1 and status=$2 and is_active`,
		id, from, to, now,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *membershipStore) Reapply(ctx context.Context, id string, role RegionRole, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update region_memberships set status=$2, role=$3, is_active=true, updated_at=$4
		 where id=$1 and (status=$5 or not is_active)`,
		id, MembershipPending, role, now, MembershipRejected,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: membership already exists", ErrConflict)
	}
	return nil
}

func (s *membershipStore) UpdateRole(ctx context.Context, id string, role RegionRole, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update region_memberships set role=$2, updated_at=$3 where id=$1`,
		id, role, now,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *membershipStore) SetPrimary(ctx context.Context, userID, membershipID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`update region_memberships set is_primary=false, updated_at=$2 where user_id=$1 and is_primary`,
		userID, now); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`update region_memberships set is_primary=true, updated_at=$3 where id=$1 and user_id=$2`,
		membershipID, userID, now)
	if err != nil {
		// The partial unique index on (user_id) where is_primary backstops
		// concurrent callers racing past the clear step.
		return uniqueViolation(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *membershipStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from region_memberships where id=$1`, id)
	return err
}

func (s *membershipStore) DeleteByRegion(ctx context.Context, regionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from region_memberships where region_id=$1`, regionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
