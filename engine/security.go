package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const sysdba = "SYSDBA"

// principal is an authenticated user.
type principal struct {
	name  string
	admin bool
}

// userRecord is one row of the user database.
type userRecord struct {
	Username     string `db:"username"`
	Salt         string `db:"salt"`
	PasswordHash string `db:"password_hash"`
	FirstName    string `db:"first_name"`
	MiddleName   string `db:"middle_name"`
	LastName     string `db:"last_name"`
	Admin        bool   `db:"admin"`
}

// userChange carries the fields a modify request sets. Nil fields are kept.
type userChange struct {
	Password   *string
	FirstName  *string
	MiddleName *string
	LastName   *string
	Admin      *bool
}

// securityDB stores users and the server log.
type securityDB struct {
	db *sqlx.DB
}

func hashPassword(salt, password string) string {
	hasher := sha256.New()
	hasher.Write([]byte(salt + password))
	return hex.EncodeToString(hasher.Sum(nil))
}

func normalizeUser(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// openSecurityDB opens the user database, creating SYSDBA on first use. An
// empty dsn selects a private in-memory database.
func openSecurityDB(dsn, sysdbaPassword string) (*securityDB, error) {
	if dsn == "" {
		dsn = fmt.Sprintf("file:security-%s?mode=memory&cache=shared", uuid.New().String())
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("engine: security database: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sec$users (
			username TEXT PRIMARY KEY,
			salt TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			middle_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			admin INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: failed to create users table: %w", err)
	}
	s := &securityDB{db: db}
	if _, err := s.lookup(context.Background(), sysdba); err != nil {
		err = s.addUser(context.Background(), userRecord{Username: sysdba, Admin: true}, sysdbaPassword)
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *securityDB) close() error {
	return s.db.Close()
}

func errUnknownUser(name string) error {
	return serverError("28000", -85, 335544472, fmt.Sprintf("record not found for user: %s", name), nil)
}

func (s *securityDB) getUser(ctx context.Context, name string) (*userRecord, error) {
	var u userRecord
	err := s.db.GetContext(ctx, &u, "SELECT * FROM sec$users WHERE username = $1", normalizeUser(name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errUnknownUser(normalizeUser(name))
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

func (s *securityDB) lookup(ctx context.Context, name string) (*principal, error) {
	u, err := s.getUser(ctx, name)
	if err != nil {
		return nil, err
	}
	return &principal{name: u.Username, admin: u.Admin || u.Username == sysdba}, nil
}

// check verifies a password and returns the user.
func (s *securityDB) check(ctx context.Context, name, password string) (*principal, error) {
	u, err := s.getUser(ctx, name)
	if err != nil {
		return nil, errLogin()
	}
	if hashPassword(u.Salt, password) != u.PasswordHash {
		return nil, errLogin()
	}
	return &principal{name: u.Username, admin: u.Admin || u.Username == sysdba}, nil
}

func (s *securityDB) addUser(ctx context.Context, u userRecord, password string) error {
	u.Username = normalizeUser(u.Username)
	if u.Username == "" {
		return serverError("28000", -85, 335544472, "user name is required", nil)
	}
	u.Salt = uuid.New().String()
	u.PasswordHash = hashPassword(u.Salt, password)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sec$users (username, salt, password_hash, first_name, middle_name, last_name, admin)
		VALUES (:username, :salt, :password_hash, :first_name, :middle_name, :last_name, :admin)`, &u)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return serverError("23000", -803, gdsUniqueKeyViolation,
				fmt.Sprintf("add record error\n-user %s already exists", u.Username), err)
		}
		return mapError(err)
	}
	return nil
}

func (s *securityDB) modifyUser(ctx context.Context, name string, c userChange) error {
	u, err := s.getUser(ctx, name)
	if err != nil {
		return err
	}
	if c.Password != nil {
		u.Salt = uuid.New().String()
		u.PasswordHash = hashPassword(u.Salt, *c.Password)
	}
	for _, f := range []struct {
		dst *string
		src *string
	}{{&u.FirstName, c.FirstName}, {&u.MiddleName, c.MiddleName}, {&u.LastName, c.LastName}} {
		if f.src != nil {
			*f.dst = *f.src
		}
	}
	if c.Admin != nil {
		u.Admin = *c.Admin
	}
	_, err = s.db.NamedExecContext(ctx, `
		UPDATE sec$users SET salt = :salt, password_hash = :password_hash, first_name = :first_name,
			middle_name = :middle_name, last_name = :last_name, admin = :admin
		WHERE username = :username`, u)
	return mapError(err)
}

func (s *securityDB) deleteUser(ctx context.Context, name string) error {
	name = normalizeUser(name)
	if name == sysdba {
		return serverError("28000", -85, 335544472, "SYSDBA cannot be deleted", nil)
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM sec$users WHERE username = $1", name)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errUnknownUser(name)
	}
	return nil
}

// users lists all users, or the named one.
func (s *securityDB) users(ctx context.Context, name string) ([]userRecord, error) {
	if name != "" {
		u, err := s.getUser(ctx, name)
		if err != nil {
			return nil, err
		}
		return []userRecord{*u}, nil
	}
	var list []userRecord
	err := s.db.SelectContext(ctx, &list, "SELECT * FROM sec$users ORDER BY username")
	return list, mapError(err)
}

func errLogin() error {
	return serverError("28000", -902, gdsLogin,
		"Your user name and password are not defined. Ask your database administrator to set up a Firebird login.", nil)
}

// authenticate resolves the user of an attach request. A session token in
// authBlock takes precedence over the password. Without RequireAuth any user
// name is accepted.
func (e *Engine) authenticate(ctx context.Context, user, password string, authBlock []byte) (*principal, error) {
	if len(authBlock) > 0 {
		p, err := parseToken(e.secret, string(authBlock))
		if err != nil {
			e.logger.Warn("invalid session token", "error", err)
			return nil, errLogin()
		}
		return p, nil
	}
	if e.cfg.RequireAuth {
		p, err := e.security.check(ctx, user, password)
		if err != nil {
			e.log.write(ctx, "warning", fmt.Sprintf("login failed for user %s", normalizeUser(user)))
		}
		return p, err
	}
	name := normalizeUser(user)
	if name == "" {
		name = sysdba
	}
	if p, err := e.security.lookup(ctx, name); err == nil {
		return p, nil
	}
	return &principal{name: name, admin: name == sysdba}, nil
}
