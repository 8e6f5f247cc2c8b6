// Command lexsync is the client: it enrolls the device, keeps the local
// replica and synchronizes it with the server, once or in the background.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/and161185/lexsync/internal/client/config"
	"github.com/and161185/lexsync/internal/client/driver"
	"github.com/and161185/lexsync/internal/client/localdb"
	"github.com/and161185/lexsync/internal/client/replica"
	"github.com/and161185/lexsync/internal/client/transport"
	"github.com/and161185/lexsync/internal/convert"
	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/ident"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// app is shared by all subcommands; resources open on first use.
type app struct {
	cfgPath string
	dbPath  string
	server  string
	verbose bool

	out io.Writer
	log *zap.Logger

	store   *config.Store
	db      *sql.DB
	client  *transport.Client
	replica *replica.Replica
}

func (a *app) init() error {
	if a.log == nil {
		a.log = zap.NewNop()
		if a.verbose {
			l, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			a.log = l
		}
	}
	if a.store != nil {
		return nil
	}
	s, err := config.Open(a.cfgPath)
	if err != nil {
		return err
	}
	a.store = s

	cfg := s.Get()
	if cfg.DeviceID != "" && (a.server == "" || a.server == cfg.ServerURL) {
		return nil
	}
	deviceID := cfg.DeviceID
	if deviceID == "" {
		if deviceID, err = ident.NewDeviceID(); err != nil {
			return err
		}
	}
	return s.Update(func(c *config.Config) {
		c.DeviceID = deviceID
		if a.server != "" {
			c.ServerURL = a.server
		}
	})
}

// transport returns the HTTP client or an error when no server is configured.
func (a *app) transport() (*transport.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	cfg := a.store.Get()
	if cfg.ServerURL == "" {
		return nil, errors.New("no server configured (use --server)")
	}
	c, err := transport.New(cfg.ServerURL, a.store, transport.WithDeviceID(cfg.DeviceID), transport.WithLogger(a.log))
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

func (a *app) openReplica(ctx context.Context) (*replica.Replica, error) {
	if a.replica != nil {
		return a.replica, nil
	}
	cfg := a.store.Get()
	path := a.dbPath
	if path == "" {
		path = cfg.DBPath
	}
	if path == "" {
		path = config.DefaultDBPath()
		if err := os.MkdirAll(config.Dir(), 0o700); err != nil {
			return nil, err
		}
	}
	db, err := localdb.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	a.db = db

	var syncer replica.Syncer
	if cfg.ServerURL != "" {
		c, err := a.transport()
		if err != nil {
			return nil, err
		}
		syncer = c
	}
	a.replica = replica.New(db, syncer, replica.Options{
		DeviceID: cfg.DeviceID,
		Log:      a.log,
		OnCursor: a.store.MirrorCursor,
	})
	return a.replica, nil
}

func (a *app) close() error {
	var err error
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "lexsync",
		Short:         "Offline-first client for the lexsync server",
		Version:       version + " (" + buildDate + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "config blob (default $XDG_CONFIG_HOME/lexsync/config.json)")
	pf.StringVar(&a.dbPath, "db", "", "local replica database")
	pf.StringVar(&a.server, "server", "", "server URL, saved for later runs")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "verbose logging to stderr")

	root.AddCommand(
		enrollCmd(a), loginCmd(a), logoutCmd(a),
		syncCmd(a), runCmd(a), statusCmd(a), reseedCmd(a),
		recordCmd(a),
	)
	return root
}

func enrollCmd(a *app) *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll this device with a join code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.transport()
			if err != nil {
				return err
			}
			host, _ := os.Hostname()
			desc, _ := json.Marshal(map[string]string{"hostname": host, "os": runtime.GOOS, "arch": runtime.GOARCH, "app": version})
			cfg := a.store.Get()
			res, err := c.Enroll(cmd.Context(), convert.EnrollRequest{JoinCode: code, DeviceID: cfg.DeviceID, DeviceDescriptor: desc})
			if err != nil {
				return err
			}
			if err := a.store.Update(func(c *config.Config) {
				c.FirmID, c.FirmName = res.FirmID.String(), res.FirmName
			}); err != nil {
				return err
			}
			return printJSON(a.out, map[string]any{"firm_id": res.FirmID, "firm_name": res.FirmName, "approved": res.Approved, "device_id": cfg.DeviceID})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "join code (required)")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func loginCmd(a *app) *cobra.Command {
	var firm, user, pass string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.transport()
			if err != nil {
				return err
			}
			cfg := a.store.Get()
			res, err := c.Login(cmd.Context(), convert.LoginRequest{FirmHandle: firm, Username: user, Password: pass, DeviceID: cfg.DeviceID})
			if err != nil {
				return err
			}
			if err := a.store.Update(func(c *config.Config) {
				c.FirmID, c.FirmHandle, c.Username = res.FirmID.String(), firm, user
				c.FirmKey, c.FirmKeyVersion = res.FirmKey, res.FirmKeyVersion
			}); err != nil {
				return err
			}
			return printJSON(a.out, map[string]any{"user_id": res.UserID, "firm_id": res.FirmID, "role": res.Role, "expires_in": res.ExpiresIn})
		},
	}
	cmd.Flags().StringVar(&firm, "firm", "", "firm handle (required)")
	cmd.Flags().StringVarP(&user, "username", "u", "", "username (required)")
	cmd.Flags().StringVarP(&pass, "password", "p", "", "password (required)")
	for _, f := range []string{"firm", "username", "password"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func logoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the refresh token and forget credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.transport()
			if err != nil {
				return err
			}
			if err := c.Logout(cmd.Context()); err != nil {
				return err
			}
			return printJSON(a.out, map[string]any{"ok": true})
		},
	}
}

func printReport(w io.Writer, rep replica.Report) error {
	return printJSON(w, map[string]any{
		"sent":     rep.Sent,
		"rejected": rep.Rejected,
		"received": rep.Summary.Returned,
		"applied":  rep.Merge.Applied,
		"skipped":  rep.Merge.Skipped,
		"dropped":  rep.Merge.Dropped,
		"cursor":   rep.Cursor,
	})
}

func syncCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.openReplica(cmd.Context())
			if err != nil {
				return err
			}
			if all {
				if _, err := r.Reseed(cmd.Context()); err != nil {
					return err
				}
			}
			rep, err := r.Cycle(cmd.Context(), all)
			if err != nil {
				return loginHint(err)
			}
			return printReport(a.out, rep)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "re-send every local row first")
	return cmd
}

// loginHint tells the user how to recover from rejected credentials.
func loginHint(err error) error {
	switch {
	case errors.Is(err, errs.ErrDeviceNotApproved):
		return fmt.Errorf("%w; ask an administrator to approve this device", err)
	case errors.Is(err, errs.ErrAuthFailed):
		return fmt.Errorf("%w; run \"lexsync login\" again", err)
	}
	return err
}

func runCmd(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync in the background until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.openReplica(cmd.Context())
			if err != nil {
				return err
			}
			c, err := a.transport()
			if err != nil {
				return err
			}
			if interval <= 0 {
				interval = a.store.Get().Interval()
			}
			d := driver.New(r, c, driver.Options{Interval: interval, Log: a.log})
			d.Subscribe(func(e driver.Event) {
				switch e.Kind {
				case driver.StateChanged:
					fmt.Fprintf(a.out, "%s state %s\n", e.At.Format(time.TimeOnly), e.State)
				case driver.SyncCompleted:
					fmt.Fprintf(a.out, "%s synced: sent %d, applied %d, cursor %d\n",
						e.At.Format(time.TimeOnly), e.Report.Sent, e.Report.Merge.Applied, e.Report.Cursor)
				case driver.SyncFailed:
					fmt.Fprintf(a.out, "%s sync failed: %v\n", e.At.Format(time.TimeOnly), loginHint(e.Err))
				}
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP, syscall.SIGUSR1)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case s := <-hup:
						if s == syscall.SIGUSR1 {
							d.ForceSyncAll()
						} else {
							d.SyncNow()
						}
					}
				}
			}()
			return d.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "sync interval (default from config, 60s)")
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, queue and cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.openReplica(cmd.Context())
			if err != nil {
				return err
			}
			st, err := r.Status(cmd.Context())
			if err != nil {
				return err
			}
			cfg := a.store.Get()
			return printJSON(a.out, map[string]any{
				"server_url":    cfg.ServerURL,
				"device_id":     cfg.DeviceID,
				"firm_id":       cfg.FirmID,
				"username":      cfg.Username,
				"logged_in":     cfg.RefreshToken != "",
				"pending":       st.Pending,
				"cursor":        st.Cursor,
				"last_sync_at":  cfg.LastSyncAt,
				"auto_sync":     cfg.Interval().String(),
				"firm_key_version": cfg.FirmKeyVersion,
			})
		},
	}
}

func reseedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reseed",
		Short: "Queue every local row for upload on the next sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.openReplica(cmd.Context())
			if err != nil {
				return err
			}
			n, err := r.Reseed(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(a.out, map[string]any{"queued": n})
		},
	}
}

func execute(ctx context.Context, a *app, args []string, stderr io.Writer) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(a.out)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	err = multierr.Append(err, a.close())
	if err != nil {
		fmt.Fprintln(stderr, "lexsync:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(context.Background(), &app{out: os.Stdout}, os.Args[1:], os.Stderr))
}
