package driver

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/buffer"
	"github.com/tomyedwab/fbdriver/config"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/hooks"
	"github.com/tomyedwab/fbdriver/types"
)

// ServerParams configures ConnectServer.
type ServerParams struct {
	User      string
	Password  string
	Role      string
	AuthBlock []byte

	Provider api.Provider
	Config   *config.DriverConfig
	Hooks    *hooks.Registry
	Logger   *slog.Logger
}

// LineFunc receives one line of service output.
type LineFunc func(line string)

// Server is a service manager connection. It runs one job at a time; the
// output of a job is consumed with ReadLine, Lines, ReadLines or Wait, or
// by the callback passed to the job method.
type Server struct {
	svc    api.Service
	host   string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// ConnectServer attaches to the service manager of host, which may be a
// configured server alias. SERVER_ATTACHED hooks run with the new server.
func ConnectServer(ctx context.Context, host string, params ServerParams) (*Server, error) {
	cfg := params.Config
	if cfg == nil {
		cfg = config.Current()
	}
	srv := &config.ServerConfig{}
	if alias, ok := cfg.Server(host); ok && host != "" {
		srv = alias
		host = alias.Host
		if alias.Port != "" {
			host += "/" + alias.Port
		}
	}
	spb := &buffer.SPBAttach{
		User:      cmp.Or(params.User, srv.User, cfg.Driver.DefaultUser),
		Password:  cmp.Or(params.Password, srv.Password, cfg.Driver.DefaultPassword),
		Role:      params.Role,
		AuthBlock: params.AuthBlock,
	}
	data, err := spb.Encode()
	if err != nil {
		return nil, err
	}
	provider := params.Provider
	if provider == nil {
		if provider, err = DefaultProvider(); err != nil {
			return nil, err
		}
	}
	svc, err := provider.AttachServiceManager(ctx, host, data)
	if err != nil {
		return nil, err
	}
	logger := cmp.Or(params.Logger, slog.Default())
	s := &Server{svc: svc, host: host, logger: logger.With("component", "server", "host", host)}
	for _, hook := range cmp.Or(params.Hooks, hooks.Default()).Callbacks(hooks.ServerAttached, hooks.TypeKey[*Server](), s) {
		hook(s)
	}
	return s, nil
}

// Host is the host the server is attached to.
func (s *Server) Host() string { return s.host }

func (s *Server) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dberrors.Interface("Server is closed")
	}
	return nil
}

// start runs a job. With a callback it also consumes all the output.
func (s *Server) start(ctx context.Context, spb *buffer.Buffer, callback LineFunc) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.svc.Start(ctx, spb.Bytes()); err != nil {
		return err
	}
	if callback == nil {
		return nil
	}
	for line, err := range s.Lines(ctx) {
		if err != nil {
			return err
		}
		callback(line)
	}
	return nil
}

// tagged is a string argument of a service job.
type tagged struct {
	tag byte
	v   string
}

// insertStrings adds the non-empty arguments.
func insertStrings(spb *buffer.Buffer, items ...tagged) error {
	for _, it := range items {
		if it.v == "" {
			continue
		}
		if err := spb.InsertString(it.tag, it.v); err != nil {
			return err
		}
	}
	return nil
}

// Backup copies database into backupFile. Verbose output lists the copied
// objects.
func (s *Server) Backup(ctx context.Context, database, backupFile string, verbose bool, callback LineFunc) error {
	spb := buffer.NewStart(types.ActionBackup)
	if err := insertStrings(spb, tagged{types.SPBDBName, database}, tagged{types.SPBBkpFile, backupFile}); err != nil {
		return err
	}
	if verbose {
		spb.InsertTag(types.SPBVerbose)
	}
	return s.start(ctx, spb, callback)
}

// Restore creates database from backupFile. An existing database is only
// replaced when replace is set.
func (s *Server) Restore(ctx context.Context, backupFile, database string, replace, verbose bool, callback LineFunc) error {
	spb := buffer.NewStart(types.ActionRestore)
	if err := insertStrings(spb, tagged{types.SPBBkpFile, backupFile}, tagged{types.SPBDBName, database}); err != nil {
		return err
	}
	opts := int64(types.SPBResCreate)
	if replace {
		opts = types.SPBResReplace
	}
	if err := spb.InsertInt(types.SPBOptions, opts); err != nil {
		return err
	}
	if verbose {
		spb.InsertTag(types.SPBVerbose)
	}
	return s.start(ctx, spb, callback)
}

// Stats reports database statistics.
func (s *Server) Stats(ctx context.Context, database string, callback LineFunc) error {
	spb := buffer.NewStart(types.ActionDBStats)
	if err := insertStrings(spb, tagged{types.SPBDBName, database}); err != nil {
		return err
	}
	return s.start(ctx, spb, callback)
}

// Validate checks database integrity.
func (s *Server) Validate(ctx context.Context, database string, callback LineFunc) error {
	spb := buffer.NewStart(types.ActionValidate)
	if err := insertStrings(spb, tagged{types.SPBDBName, database}); err != nil {
		return err
	}
	return s.start(ctx, spb, callback)
}

// Log returns the server log.
func (s *Server) Log(ctx context.Context, callback LineFunc) error {
	return s.start(ctx, buffer.NewStart(types.ActionGetFBLog), callback)
}

// User is an entry of the security database.
type User struct {
	Name       string
	Password   string
	FirstName  string
	MiddleName string
	LastName   string
	Admin      bool
}

// UserChange lists the attributes ModifyUser changes. Nil fields are kept.
type UserChange struct {
	Password   *string
	FirstName  *string
	MiddleName *string
	LastName   *string
	Admin      *bool
}

// AddUser creates a user.
func (s *Server) AddUser(ctx context.Context, u User) error {
	spb := buffer.NewStart(types.ActionAddUser)
	err := insertStrings(spb,
		tagged{types.SPBSecUserName, u.Name},
		tagged{types.SPBSecPassword, u.Password},
		tagged{types.SPBSecFirstName, u.FirstName},
		tagged{types.SPBSecMiddleName, u.MiddleName},
		tagged{types.SPBSecLastName, u.LastName},
	)
	if err != nil {
		return err
	}
	if u.Admin {
		if err := spb.InsertInt(types.SPBSecAdmin, 1); err != nil {
			return err
		}
	}
	return s.run(ctx, spb)
}

// ModifyUser changes the attributes of a user.
func (s *Server) ModifyUser(ctx context.Context, name string, c UserChange) error {
	spb := buffer.NewStart(types.ActionModifyUser)
	if err := spb.InsertString(types.SPBSecUserName, name); err != nil {
		return err
	}
	for _, f := range []struct {
		tag byte
		v   *string
	}{
		{types.SPBSecPassword, c.Password},
		{types.SPBSecFirstName, c.FirstName},
		{types.SPBSecMiddleName, c.MiddleName},
		{types.SPBSecLastName, c.LastName},
	} {
		if f.v == nil {
			continue
		}
		if err := spb.InsertString(f.tag, *f.v); err != nil {
			return err
		}
	}
	if c.Admin != nil {
		var admin int64
		if *c.Admin {
			admin = 1
		}
		if err := spb.InsertInt(types.SPBSecAdmin, admin); err != nil {
			return err
		}
	}
	return s.run(ctx, spb)
}

// DeleteUser removes a user.
func (s *Server) DeleteUser(ctx context.Context, name string) error {
	spb := buffer.NewStart(types.ActionDeleteUser)
	if err := spb.InsertString(types.SPBSecUserName, name); err != nil {
		return err
	}
	return s.run(ctx, spb)
}

// GetUsers lists users. An empty name lists all users visible to the caller.
func (s *Server) GetUsers(ctx context.Context, name string) ([]User, error) {
	spb := buffer.NewStart(types.ActionDisplayUser)
	if err := insertStrings(spb, tagged{types.SPBSecUserName, name}); err != nil {
		return nil, err
	}
	var users []User
	err := s.start(ctx, spb, func(line string) {
		f := strings.Split(line, "\t")
		if len(f) < 5 {
			return
		}
		users = append(users, User{Name: f[0], FirstName: f[1], MiddleName: f[2], LastName: f[3], Admin: f[4] == "1"})
	})
	return users, err
}

// gdsUserNotFound is the status code of a lookup of an unknown user.
const gdsUserNotFound = 335544472

// GetUser returns one user, or nil when it does not exist.
func (s *Server) GetUser(ctx context.Context, name string) (*User, error) {
	users, err := s.GetUsers(ctx, name)
	var dbErr *dberrors.Error
	if errors.As(err, &dbErr) && slices.Contains(dbErr.GDSCodes, gdsUserNotFound) && strings.Contains(dbErr.Message, "record not found") {
		return nil, nil
	}
	if err != nil || len(users) == 0 {
		return nil, err
	}
	return &users[0], nil
}

// UserExists reports whether a user exists.
func (s *Server) UserExists(ctx context.Context, name string) (bool, error) {
	u, err := s.GetUser(ctx, name)
	return u != nil, err
}

// run starts a job without output and waits for it.
func (s *Server) run(ctx context.Context, spb *buffer.Buffer) error {
	if err := s.start(ctx, spb, nil); err != nil {
		return err
	}
	return s.Wait(ctx)
}

// ReadLine returns the next output line. ok is false when the output is
// finished or timeout (if positive) expired first.
func (s *Server) ReadLine(ctx context.Context, timeout time.Duration) (line string, ok bool, err error) {
	if err := s.checkOpen(); err != nil {
		return "", false, err
	}
	return s.svc.ReadLine(ctx, timeout)
}

// Lines iterates over the remaining output. A job error is yielded last.
func (s *Server) Lines(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			line, ok, err := s.ReadLine(ctx, 0)
			if err != nil {
				yield("", err)
				return
			}
			if !ok || !yield(line, nil) {
				return
			}
		}
	}
}

// ReadLines returns the remaining output.
func (s *Server) ReadLines(ctx context.Context) ([]string, error) {
	var lines []string
	for line, err := range s.Lines(ctx) {
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Wait discards the remaining output and returns the job error.
func (s *Server) Wait(ctx context.Context) error {
	for _, err := range s.Lines(ctx) {
		if err != nil {
			return err
		}
	}
	return nil
}

// IsRunning reports whether the job may still produce output. It does not
// report how the job ended: call Wait, or read the output to its end, to get
// the job's error.
func (s *Server) IsRunning() bool {
	return s.svc.Running()
}

// Close detaches from the service manager, cancelling a running job.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.svc.Detach()
}
