// Package engine is an embedded implementation of the attach/execute
// primitive. Databases are SQLite files; the engine adds server typing, BLOB
// and ARRAY storage, events, transactions and service jobs around them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/buffer"
	"github.com/tomyedwab/fbdriver/codec"
	"github.com/tomyedwab/fbdriver/metrics"
)

// Config holds the engine settings. The zero value is usable.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// DataDir resolves relative database paths. Defaults to the working directory.
	DataDir string
	// SecurityDatabase is the SQLite DSN of the user database. Defaults to a
	// private in-memory database.
	SecurityDatabase string
	// JWTSecretPath stores the key that signs session tokens. A random key
	// is used when empty.
	JWTSecretPath string
	// RequireAuth rejects attachments without valid credentials.
	RequireAuth bool
	// SysdbaPassword is set on the SYSDBA user when the user database is created.
	SysdbaPassword string
}

// Engine is the embedded server. It implements api.Provider.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	databases   map[string]*database
	attachments map[int64]*Attachment
	services    map[*Service]struct{}
	closed      bool

	nextAttachment  atomic.Int64
	nextTransaction atomic.Int64

	security *securityDB
	log      *eventLog
	secret   []byte
}

var _ api.Provider = (*Engine)(nil)

// New starts an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.SysdbaPassword == "" {
		cfg.SysdbaPassword = "masterkey"
	}
	if cfg.DataDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("engine: working directory: %w", err)
		}
		cfg.DataDir = wd
	}
	e := &Engine{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "engine"),
		metrics:     cfg.Metrics,
		databases:   make(map[string]*database),
		attachments: make(map[int64]*Attachment),
		services:    make(map[*Service]struct{}),
	}
	secret, err := loadJWTSecret(cfg.JWTSecretPath)
	if err != nil {
		return nil, err
	}
	e.secret = secret
	sec, err := openSecurityDB(cfg.SecurityDatabase, cfg.SysdbaPassword)
	if err != nil {
		return nil, err
	}
	e.security = sec
	e.log, err = newEventLog(sec.db)
	if err != nil {
		sec.close()
		return nil, err
	}
	e.logger.Debug("engine started", "data_dir", cfg.DataDir, "require_auth", cfg.RequireAuth)
	return e, nil
}

// Metrics returns the collectors the engine reports to.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// ResolvePath maps a connection string to the absolute path of its file. A
// host prefix in any of the accepted forms is dropped.
func (e *Engine) ResolvePath(dsn string) string {
	path := dsn
	switch {
	case strings.Contains(path, "://"):
		path = path[strings.Index(path, "://")+3:]
		if i := strings.Index(path, "/"); i > 0 {
			path = path[i+1:]
		}
	case strings.HasPrefix(path, `\\`):
		rest := path[2:]
		if i := strings.Index(rest, `\`); i >= 0 {
			path = rest[i+1:]
		}
	default:
		if i := strings.Index(path, ":"); i > 1 && isHostPrefix(path[:i]) {
			path = path[i+1:]
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.cfg.DataDir, path)
	}
	return filepath.Clean(path)
}

// isHostPrefix accepts "host" and "host/port".
func isHostPrefix(s string) bool {
	host, port, hasPort := strings.Cut(s, "/")
	if host == "" || strings.ContainsAny(host, `/\`) {
		return false
	}
	if !hasPort {
		return true
	}
	for _, c := range port {
		if c < '0' || c > '9' {
			return false
		}
	}
	return port != ""
}

func (e *Engine) checkOpen() error {
	if e.closed {
		return serverError("08003", -902, gdsIOError, "engine is shut down", nil)
	}
	return nil
}

// AttachDatabase opens a session on an existing database.
func (e *Engine) AttachDatabase(ctx context.Context, dsn string, dpb []byte) (api.Attachment, error) {
	params, err := buffer.ParseDPB(dpb)
	if err != nil {
		return nil, err
	}
	user, err := e.authenticate(ctx, params.User, params.Password, params.AuthBlock)
	if err != nil {
		return nil, err
	}
	path := e.ResolvePath(dsn)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	db, err := e.acquireDatabase(ctx, path)
	if err != nil {
		return nil, err
	}
	att, err := e.newAttachment(db, user, params)
	if err != nil {
		e.releaseDatabase(db)
		return nil, err
	}
	return att, nil
}

// CreateDatabase creates the database file and attaches to it. An existing
// file is replaced only when the DPB asks for overwrite.
func (e *Engine) CreateDatabase(ctx context.Context, dsn string, dpb []byte) (api.Attachment, error) {
	params, err := buffer.ParseDPB(dpb)
	if err != nil {
		return nil, err
	}
	user, err := e.authenticate(ctx, params.User, params.Password, params.AuthBlock)
	if err != nil {
		return nil, err
	}
	path := e.ResolvePath(dsn)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		if !params.Overwrite {
			return nil, serverError("08001", -902, gdsIOError,
				fmt.Sprintf("I/O error during \"open O_CREAT\" operation for file \"%s\"\n-Database already exists", path), os.ErrExist)
		}
		if db, ok := e.databases[path]; ok && db.attached > 0 {
			return nil, serverError("HY000", -901, gdsLockConflict,
				fmt.Sprintf("lock time-out on wait transaction\n-object %s is in use", path), nil)
		}
		if err := removeDatabaseFiles(path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, serverError("08001", -902, gdsIOError,
			fmt.Sprintf("I/O error during \"open O_CREAT\" operation for file \"%s\"", path), err)
	}
	if params.DBCharset == "" {
		params.DBCharset = params.Charset
	}
	if err := initDatabaseFile(ctx, path, params); err != nil {
		removeDatabaseFiles(path)
		return nil, err
	}
	e.log.write(ctx, "info", fmt.Sprintf("database %s created by %s", path, user.name))
	db, err := e.acquireDatabase(ctx, path)
	if err != nil {
		return nil, err
	}
	att, err := e.newAttachment(db, user, params)
	if err != nil {
		e.releaseDatabase(db)
		return nil, err
	}
	return att, nil
}

// acquireDatabase returns the shared handle of a database file. Callers hold e.mu.
func (e *Engine) acquireDatabase(ctx context.Context, path string) (*database, error) {
	db, ok := e.databases[path]
	if !ok {
		var err error
		db, err = openDatabase(ctx, path)
		if err != nil {
			return nil, err
		}
		db.hub = newEventHub(e.metrics.EventsDelivered)
		e.databases[path] = db
		e.logger.Debug("database opened", "path", path)
	}
	db.attached++
	return db, nil
}

// releaseDatabase drops one reference and closes the file after the last. Callers hold e.mu.
func (e *Engine) releaseDatabase(db *database) {
	db.attached--
	if db.attached > 0 {
		return
	}
	delete(e.databases, db.path)
	if err := db.close(); err != nil {
		e.logger.Warn("closing database failed", "path", db.path, "error", err)
	}
	e.logger.Debug("database closed", "path", db.path)
}

func (e *Engine) newAttachment(db *database, user *principal, params *buffer.DPB) (*Attachment, error) {
	charset := params.Charset
	if charset == "" {
		charset = "NONE"
	}
	cs, err := codec.LookupCharset(charset)
	if err != nil {
		return nil, serverError("2C000", -204, gdsDSQLError,
			fmt.Sprintf("CHARACTER SET %s is not defined", charset), err)
	}
	dialect := params.SQLDialect
	if dialect == 0 {
		dialect = db.dialect
	}
	id := e.nextAttachment.Add(1)
	att := &Attachment{
		engine:        e,
		db:            db,
		id:            id,
		user:          user,
		charset:       cs,
		dialect:       dialect,
		logger:        e.logger.With("attachment", id),
		transactions:  make(map[int64]*Transaction),
		statements:    make(map[*Statement]struct{}),
		subscriptions: make(map[*subscription]struct{}),
	}
	e.attachments[id] = att
	e.metrics.AttachmentOpened()
	att.logger.Info("attached", "path", db.path, "user", user.name, "charset", cs.Name)
	return att, nil
}

// forgetAttachment is called by Attachment.Detach.
func (e *Engine) forgetAttachment(att *Attachment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.attachments, att.id)
	e.releaseDatabase(att.db)
	e.metrics.AttachmentClosed()
}

// AttachServiceManager opens a service manager session.
func (e *Engine) AttachServiceManager(ctx context.Context, host string, spb []byte) (api.Service, error) {
	params, err := buffer.ParseSPBAttach(spb)
	if err != nil {
		return nil, err
	}
	user, err := e.authenticate(ctx, params.User, params.Password, params.AuthBlock)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	svc := newService(e, host, user)
	e.services[svc] = struct{}{}
	svc.logger.Info("service manager attached", "user", user.name)
	return svc, nil
}

func (e *Engine) forgetService(svc *Service) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.services, svc)
}

// IssueToken returns a session token that may be passed as an auth block
// instead of a password.
func (e *Engine) IssueToken(ctx context.Context, user string, ttl time.Duration) (string, error) {
	p, err := e.security.lookup(ctx, user)
	if err != nil {
		return "", err
	}
	return issueToken(e.secret, p, ttl)
}

// Close detaches every attachment and service and closes the user database.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	atts := make([]*Attachment, 0, len(e.attachments))
	for _, att := range e.attachments {
		atts = append(atts, att)
	}
	svcs := make([]*Service, 0, len(e.services))
	for svc := range e.services {
		svcs = append(svcs, svc)
	}
	e.mu.Unlock()

	var errs []error
	for _, svc := range svcs {
		errs = append(errs, svc.Detach())
	}
	for _, att := range atts {
		errs = append(errs, att.Detach(context.Background()))
	}
	errs = append(errs, e.security.close())
	e.logger.Debug("engine stopped")
	return errors.Join(errs...)
}
