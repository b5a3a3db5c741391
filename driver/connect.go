package driver

import (
	"cmp"
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/buffer"
	"github.com/tomyedwab/fbdriver/codec"
	"github.com/tomyedwab/fbdriver/config"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/engine"
	"github.com/tomyedwab/fbdriver/hooks"
	"github.com/tomyedwab/fbdriver/types"
)

// ConnectParams configures Connect. Zero values fall back to the database
// alias, then to the server alias, then to the driver defaults of the
// configuration.
type ConnectParams struct {
	// DSN is a complete connection string. The database argument must be
	// empty when it is set.
	DSN      string
	Host     string
	Port     string
	Protocol string

	User            string
	Password        string
	Role            string
	Charset         string
	SQLDialect      int
	NoGC            bool
	NoDBTriggers    bool
	SessionTimeZone string
	// AuthBlock is sent instead of the password, for example a session token
	// issued by the engine.
	AuthBlock []byte

	// StreamBlobThreshold is the largest BLOB cursors return as a value
	// instead of a *BlobReader.
	StreamBlobThreshold int

	Provider api.Provider
	Config   *config.DriverConfig
	Hooks    *hooks.Registry
	Logger   *slog.Logger
}

// CreateParams configures CreateDatabase.
type CreateParams struct {
	ConnectParams

	PageSize     int
	DBCharset    string
	DBSQLDialect int
	ForcedWrites *bool
	// Overwrite drops an existing database first.
	Overwrite bool
}

var (
	providerMu      sync.Mutex
	defaultProvider api.Provider
)

// SetDefaultProvider installs the provider used when ConnectParams has none.
func SetDefaultProvider(p api.Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	defaultProvider = p
}

// DefaultProvider returns the default provider, starting the embedded engine
// on first use.
func DefaultProvider() (api.Provider, error) {
	providerMu.Lock()
	defer providerMu.Unlock()
	if defaultProvider == nil {
		e, err := engine.New(engine.Config{})
		if err != nil {
			return nil, err
		}
		defaultProvider = e
	}
	return defaultProvider, nil
}

// attachPlan is everything resolved before attaching.
type attachPlan struct {
	dsn        string
	dpb        *buffer.DPB
	charset    string
	dialect    int
	defaultTPB *buffer.TPB
	threshold  int
	provider   api.Provider
	hooks      *hooks.Registry
	logger     *slog.Logger
}

func (p *ConnectParams) resolve(database string, forCreate bool) (*attachPlan, *config.DatabaseConfig, error) {
	cfg := p.Config
	if cfg == nil {
		cfg = config.Current()
	}
	db := &config.DatabaseConfig{}
	if alias, ok := cfg.Database(database); ok && database != "" {
		db = alias
		database = alias.Database
	}
	srv := &config.ServerConfig{}
	if db.Server != "" {
		s, ok := cfg.Server(db.Server)
		if !ok {
			return nil, nil, dberrors.Valuef("Configuration for server '%s' not found", db.Server)
		}
		srv = s
	}

	dsn, err := BuildDSN(DSNParams{
		DSN:      p.DSN,
		Host:     cmp.Or(p.Host, srv.Host),
		Port:     cmp.Or(p.Port, srv.Port),
		Database: database,
		Protocol: cmp.Or(p.Protocol, db.Protocol),
	})
	if err != nil {
		return nil, nil, err
	}

	charset := strings.ToUpper(cmp.Or(p.Charset, db.Charset, cfg.Driver.DefaultCharset, "UTF8"))
	if _, err := codec.LookupCharset(charset); err != nil {
		return nil, nil, err
	}
	dialect := cmp.Or(p.SQLDialect, db.SQLDialect, cfg.Driver.DefaultSQLDialect, 3)

	dpb := buffer.NewDPB()
	dpb.User = cmp.Or(p.User, db.User, srv.User, cfg.Driver.DefaultUser)
	dpb.Password = cmp.Or(p.Password, db.Password, srv.Password, cfg.Driver.DefaultPassword)
	dpb.Role = cmp.Or(p.Role, db.Role)
	dpb.AuthBlock = p.AuthBlock
	dpb.Charset = charset
	dpb.SQLDialect = dialect
	dpb.NoGC = p.NoGC || db.NoGC
	dpb.NoDBTriggers = p.NoDBTriggers || db.NoDBTriggers
	dpb.NoLinger = db.NoLinger
	dpb.UTF8Filename = db.UTF8Filename
	dpb.Timeout = db.Timeout
	dpb.CacheSize = db.CacheSize
	dpb.SessionTimeZone = cmp.Or(p.SessionTimeZone, db.SessionTimeZone)
	if forCreate {
		dpb.PageSize = db.PageSize
		dpb.DBCharset = db.DBCharset
		dpb.DBSQLDialect = db.DBSQLDialect
		dpb.ForcedWrites = db.ForcedWrites
		dpb.ReserveSpace = db.ReserveSpace
		dpb.SweepInterval = db.SweepInterval
	}

	tpb := buffer.NewTPB()
	if name := cfg.Driver.DefaultIsolation; name != "" {
		iso, err := types.ParseIsolation(strings.ToUpper(name))
		if err != nil {
			return nil, nil, dberrors.Wrap(dberrors.KindValue, "invalid default isolation", err)
		}
		tpb.Isolation = iso
	}
	tpb.LockTimeout = cfg.Driver.DefaultLockTimeout

	provider := p.Provider
	if provider == nil {
		if provider, err = DefaultProvider(); err != nil {
			return nil, nil, err
		}
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &attachPlan{
		dsn:        dsn,
		dpb:        dpb,
		charset:    charset,
		dialect:    dialect,
		defaultTPB: tpb,
		threshold:  cmp.Or(p.StreamBlobThreshold, cfg.Driver.StreamBlobThreshold, defaultStreamBlobThreshold),
		provider:   provider,
		hooks:      cmp.Or(p.Hooks, hooks.Default()),
		logger:     logger,
	}, db, nil
}

const defaultStreamBlobThreshold = 65536

// Connect attaches to a database. database is a configured alias or a
// connection string.
//
// ATTACH_REQUEST hooks run with (dsn string, dpb []byte) before attaching;
// the first one returning a *Connection short-circuits the attach. ATTACHED
// hooks run with the new connection.
func Connect(ctx context.Context, database string, params ConnectParams) (*Connection, error) {
	plan, _, err := params.resolve(database, false)
	if err != nil {
		return nil, err
	}
	dpb, err := plan.dpb.Encode(false)
	if err != nil {
		return nil, err
	}

	var con *Connection
	for _, hook := range plan.hooks.Callbacks(hooks.AttachRequest, hooks.TypeKey[*Connection]()) {
		switch v := hook(plan.dsn, dpb).(type) {
		case *Connection:
			con = v
		case error:
			return nil, dberrors.Wrap(dberrors.KindInterface, "Error in DATABASE_ATTACH_REQUEST hook.", v)
		}
		if con != nil {
			break
		}
	}
	if con == nil {
		att, err := plan.provider.AttachDatabase(ctx, plan.dsn, dpb)
		if err != nil {
			return nil, err
		}
		if con, err = newConnection(att, plan, dpb); err != nil {
			att.Detach(ctx)
			return nil, err
		}
	}
	for _, hook := range plan.hooks.Callbacks(hooks.Attached, hooks.TypeKey[*Connection](), con) {
		hook(con)
	}
	return con, nil
}

// CreateDatabase creates a database and attaches to it. An existing database
// is an error unless Overwrite is set.
func CreateDatabase(ctx context.Context, database string, params CreateParams) (*Connection, error) {
	plan, db, err := params.resolve(database, true)
	if err != nil {
		return nil, err
	}
	plan.dpb.PageSize = cmp.Or(params.PageSize, db.PageSize)
	plan.dpb.DBCharset = strings.ToUpper(cmp.Or(params.DBCharset, db.DBCharset))
	plan.dpb.DBSQLDialect = cmp.Or(params.DBSQLDialect, db.DBSQLDialect)
	if params.ForcedWrites != nil {
		plan.dpb.ForcedWrites = params.ForcedWrites
	}
	plan.dpb.Overwrite = params.Overwrite
	dpb, err := plan.dpb.Encode(true)
	if err != nil {
		return nil, err
	}
	att, err := plan.provider.CreateDatabase(ctx, plan.dsn, dpb)
	if err != nil {
		return nil, err
	}
	con, err := newConnection(att, plan, dpb)
	if err != nil {
		att.Detach(ctx)
		return nil, err
	}
	for _, hook := range plan.hooks.Callbacks(hooks.Attached, hooks.TypeKey[*Connection](), con) {
		hook(con)
	}
	return con, nil
}
