// Command fbsql runs queries and service jobs against databases of the
// embedded engine.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tomyedwab/fbdriver/config"
	"github.com/tomyedwab/fbdriver/driver"
	"github.com/tomyedwab/fbdriver/engine"
)

// app holds the global flags and the resources opened for one invocation.
type app struct {
	dataDir     string
	securityDB  string
	secretPath  string
	configPath  string
	logLevel    string
	metricsAddr string
	requireAuth bool
	output      string

	host     string
	user     string
	password string
	role     string
	charset  string
	token    string

	stderr  io.Writer
	level   slog.LevelVar
	logger  *slog.Logger
	cfg     *config.DriverConfig
	engine  *engine.Engine
	metrics *http.Server
	// metricsURL is set once the metrics listener is bound.
	metricsURL string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stderr: os.Stderr}
	err := a.run(ctx, os.Stdout, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run executes one command line and releases everything it opened.
func (a *app) run(ctx context.Context, stdout io.Writer, args []string) error {
	root := a.rootCmd()
	root.SetOut(stdout)
	root.SetErr(a.stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.close())
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fbsql",
		Short:         "Query and administer embedded Firebird databases",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
	}

	fs := root.PersistentFlags()
	fs.StringVar(&a.dataDir, "data-dir", "", "directory for relative database paths (default: working directory)")
	fs.StringVar(&a.securityDB, "security-db", "", "user database file (default: security.db in the data directory)")
	fs.StringVar(&a.secretPath, "jwt-secret", "", "file holding the session token key (default: .fbsql-jwt in the data directory)")
	fs.StringVar(&a.configPath, "config", "", "driver configuration file (YAML)")
	fs.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error (default from config)")
	fs.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
	fs.BoolVar(&a.requireAuth, "require-auth", false, "reject attachments without valid credentials")
	fs.StringVarP(&a.output, "output", "o", "table", "output format: table, json or yaml")
	addConnFlags(fs, a)

	root.AddCommand(
		queryCmd(a),
		execCmd(a),
		createCmd(a),
		infoCmd(a),
		backupCmd(a),
		restoreCmd(a),
		statsCmd(a),
		usersCmd(a),
		listenCmd(a),
		tokenCmd(a),
	)
	return root
}

func addConnFlags(fs *pflag.FlagSet, a *app) {
	fs.StringVar(&a.host, "host", "localhost", "server host for service commands")
	fs.StringVarP(&a.user, "user", "u", "", "user name")
	fs.StringVarP(&a.password, "password", "p", "", "password")
	fs.StringVar(&a.role, "role", "", "SQL role")
	fs.StringVar(&a.charset, "charset", "", "connection character set")
	fs.StringVar(&a.token, "token", "", "session token to authenticate with instead of a password")
}

// open loads the configuration, installs the logger and starts the engine.
func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	config.Set(cfg)
	a.cfg = cfg

	level := a.logLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	if err := a.level.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	a.logger = slog.New(newLogHandler(a.stderr, cfg.Logging.Format, &a.level))

	dir := a.dataDir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return err
		}
	}
	a.engine, err = engine.New(engine.Config{
		Logger:           a.logger,
		DataDir:          dir,
		SecurityDatabase: cmp.Or(a.securityDB, filepath.Join(dir, "security.db")),
		JWTSecretPath:    cmp.Or(a.secretPath, filepath.Join(dir, ".fbsql-jwt")),
		RequireAuth:      a.requireAuth,
	})
	if err != nil {
		return err
	}

	if a.metricsAddr != "" {
		ln, err := net.Listen("tcp", a.metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.engine.Metrics().Handler())
		a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
		a.metricsURL = "http://" + ln.Addr().String() + "/metrics"
		a.logger.Info("serving metrics", "url", a.metricsURL)
	}
	return nil
}

func newLogHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	}
}

func (a *app) close() error {
	var errs []error
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.metrics.Shutdown(ctx))
		a.metrics = nil
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
		a.engine = nil
	}
	return errors.Join(errs...)
}

func (a *app) connectParams() driver.ConnectParams {
	return driver.ConnectParams{
		User:      a.user,
		Password:  a.password,
		Role:      a.role,
		Charset:   a.charset,
		AuthBlock: authBlock(a.token),
		Provider:  a.engine,
		Config:    a.cfg,
		Logger:    a.logger,
	}
}

func (a *app) connect(ctx context.Context, database string) (*driver.Connection, error) {
	return driver.Connect(ctx, database, a.connectParams())
}

func (a *app) server(ctx context.Context) (*driver.Server, error) {
	return driver.ConnectServer(ctx, a.host, driver.ServerParams{
		User:      a.user,
		Password:  a.password,
		Role:      a.role,
		AuthBlock: authBlock(a.token),
		Provider:  a.engine,
		Config:    a.cfg,
		Logger:    a.logger,
	})
}

func authBlock(token string) []byte {
	if token == "" {
		return nil
	}
	return []byte(token)
}
