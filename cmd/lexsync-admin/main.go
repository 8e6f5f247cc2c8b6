// Command lexsync-admin performs operator tasks against the sync database:
// firms, users, join codes, devices and firm keys.
//
// Exit status: 0 on success, 1 when an operation fails, 2 on a configuration error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/lexsync/internal/config"
	"github.com/and161185/lexsync/internal/crypto/keywrap"
	"github.com/and161185/lexsync/internal/migrate"
	"github.com/and161185/lexsync/internal/repository/postgres"
	"github.com/and161185/lexsync/internal/service"
)

var version = "dev"

// configError marks failures that exit with status 2.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

// app holds what subcommands share. svc is built lazily unless preset.
type app struct {
	cfgPath   string
	dsn       string
	masterKey string
	verbose   bool

	out     io.Writer
	log     *zap.Logger
	svc     service.AdminService
	cfg     config.Config
	closeDB func()
}

func (a *app) setup(ctx context.Context) error {
	if a.log == nil {
		a.log = zap.NewNop()
		if a.verbose {
			l, err := zap.NewDevelopment()
			if err != nil {
				return configError{err}
			}
			a.log = l
		}
	}
	if a.svc != nil {
		return nil
	}
	cfg, err := config.LoadStore(a.cfgPath)
	if err != nil {
		return configError{err}
	}
	if a.dsn != "" {
		cfg.DSN = a.dsn
	}
	if a.masterKey != "" {
		cfg.MasterKey = a.masterKey
	}
	if cfg.DSN == "" {
		return configError{errors.New("missing dsn (--dsn, LEXSYNC_DSN or config file)")}
	}
	a.cfg = cfg

	var keys *keywrap.Wrapper
	if cfg.MasterKey != "" {
		if keys, err = keywrap.New([]byte(cfg.MasterKey)); err != nil {
			return configError{fmt.Errorf("master key: %w", err)}
		}
	}
	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return configError{fmt.Errorf("dsn: %w", err)}
	}
	a.closeDB = db.Close
	a.svc = service.NewAdminService(
		postgres.NewFirmRepo(db),
		postgres.NewUserRepo(db),
		postgres.NewDeviceRepo(db),
		postgres.NewJoinCodeRepo(db),
		keys,
		a.log,
	)
	return nil
}

func (a *app) close() {
	if a.closeDB != nil {
		a.closeDB()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "lexsync-admin",
		Short:         "Administer lexsync firms, users and devices",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "migrate" {
				return nil
			}
			return a.setup(cmd.Context())
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "server YAML config file (dsn, master_key)")
	pf.StringVar(&a.dsn, "dsn", "", "PostgreSQL DSN")
	pf.StringVar(&a.masterKey, "master-key", "", "master secret for firm key wrapping")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log to stderr")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return configError{err} })

	root.AddCommand(firmCmd(a), userCmd(a), joinCodeCmd(a), deviceCmd(a), migrateCmd(a))
	return root
}

func firmCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "firm", Short: "Manage firms"}

	var in service.CreateFirmInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a firm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := a.svc.CreateFirm(cmd.Context(), in)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{
				"firm_id":                 f.ID,
				"handle":                  f.Handle,
				"name":                    f.Name,
				"require_device_approval": f.RequireDeviceApproval,
				"key_version":             f.KeyVersion,
			})
		},
	}
	create.Flags().StringVar(&in.Handle, "handle", "", "login handle (required)")
	create.Flags().StringVar(&in.Name, "name", "", "display name")
	create.Flags().BoolVar(&in.RequireDeviceApproval, "require-approval", false, "new devices wait for approval")
	create.Flags().BoolVar(&in.WithKey, "with-key", false, "generate a firm encryption key")
	_ = create.MarkFlagRequired("handle")

	var handle string
	rotate := &cobra.Command{
		Use:   "rotate-key",
		Short: "Replace the firm encryption key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := a.svc.RotateFirmKey(cmd.Context(), handle)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"handle": handle, "key_version": v})
		},
	}
	rotate.Flags().StringVar(&handle, "firm", "", "firm handle (required)")
	_ = rotate.MarkFlagRequired("firm")

	cmd.AddCommand(create, rotate)
	return cmd
}

func userCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}

	var firm, username, password, role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := a.svc.CreateUser(cmd.Context(), firm, username, password, role)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"user_id": u.ID, "username": u.Username, "role": u.Role})
		},
	}
	create.Flags().StringVar(&firm, "firm", "", "firm handle (required)")
	create.Flags().StringVarP(&username, "username", "u", "", "username (required)")
	create.Flags().StringVarP(&password, "password", "p", "", "password (required)")
	create.Flags().StringVar(&role, "role", "lawyer", "role")
	for _, f := range []string{"firm", "username", "password"} {
		_ = create.MarkFlagRequired(f)
	}

	var dFirm, dUser string
	deactivate := &cobra.Command{
		Use:   "deactivate",
		Short: "Deactivate a user and revoke their tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.svc.DeactivateUser(cmd.Context(), dFirm, dUser); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"ok": true})
		},
	}
	deactivate.Flags().StringVar(&dFirm, "firm", "", "firm handle (required)")
	deactivate.Flags().StringVarP(&dUser, "username", "u", "", "username (required)")
	_ = deactivate.MarkFlagRequired("firm")
	_ = deactivate.MarkFlagRequired("username")

	cmd.AddCommand(create, deactivate)
	return cmd
}

func joinCodeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "joincode", Short: "Manage join codes"}

	var (
		firm    string
		maxUses int
		ttl     time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a join code for device enrollment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jc, err := a.svc.IssueJoinCode(cmd.Context(), firm, maxUses, ttl)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"code": jc.Code, "max_uses": jc.MaxUses, "expires_at": jc.ExpiresAt})
		},
	}
	issue.Flags().StringVar(&firm, "firm", "", "firm handle (required)")
	issue.Flags().IntVar(&maxUses, "max-uses", 1, "number of enrollments allowed")
	issue.Flags().DurationVar(&ttl, "ttl", 7*24*time.Hour, "validity period")
	_ = issue.MarkFlagRequired("firm")

	cmd.AddCommand(issue)
	return cmd
}

func deviceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "device", Short: "Manage devices"}

	var firm, deviceID string
	bind := func(c *cobra.Command, withDevice bool) {
		c.Flags().StringVar(&firm, "firm", "", "firm handle (required)")
		_ = c.MarkFlagRequired("firm")
		if withDevice {
			c.Flags().StringVar(&deviceID, "device", "", "device id (required)")
			_ = c.MarkFlagRequired("device")
		}
	}

	approve := &cobra.Command{
		Use:   "approve",
		Short: "Approve an enrolled device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.svc.ApproveDevice(cmd.Context(), firm, deviceID); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"ok": true})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a device and its tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.svc.RevokeDevice(cmd.Context(), firm, deviceID); err != nil {
				return err
			}
			return a.printJSON(map[string]any{"ok": true})
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List devices of a firm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ds, err := a.svc.ListDevices(cmd.Context(), firm)
			if err != nil {
				return err
			}
			out := make([]map[string]any, 0, len(ds))
			for _, d := range ds {
				out = append(out, map[string]any{
					"device_id":    d.DeviceID,
					"approved":     d.Approved,
					"revoked":      d.Revoked,
					"last_seen_at": d.LastSeenAt,
				})
			}
			return a.printJSON(out)
		},
	}
	bind(approve, true)
	bind(revoke, true)
	bind(list, false)

	cmd.AddCommand(approve, revoke, list)
	return cmd
}

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadStore(a.cfgPath)
			if err != nil {
				return configError{err}
			}
			if a.dsn != "" {
				cfg.DSN = a.dsn
			}
			if cfg.DSN == "" {
				return configError{errors.New("missing dsn")}
			}
			log := zap.NewNop()
			if a.verbose {
				if log, err = zap.NewDevelopment(); err != nil {
					return configError{err}
				}
			}
			if err := migrate.Up(cmd.Context(), cfg.DSN, log); err != nil {
				return err
			}
			v, err := migrate.Version(cmd.Context(), cfg.DSN)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]any{"version": v})
		},
	}
}

// exitCode maps a command error to the process status.
func exitCode(err error) int {
	var ce configError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ce):
		return 2
	default:
		return 1
	}
}

func execute(ctx context.Context, a *app, args []string, stderr io.Writer) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(a.out)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil {
		fmt.Fprintln(stderr, "lexsync-admin:", err)
		if isUsage(err) {
			return 2
		}
	}
	return exitCode(err)
}

// isUsage reports errors cobra raises before running a command.
func isUsage(err error) bool {
	msg := err.Error()
	for _, p := range []string{"unknown command", "required flag", "accepts "} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func main() {
	os.Exit(execute(context.Background(), &app{out: os.Stdout}, os.Args[1:], os.Stderr))
}
