// Command lexsync-server runs the sync API over HTTP and, optionally, a gRPC
// health listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/lexsync/internal/config"
	"github.com/and161185/lexsync/internal/crypto/keywrap"
	"github.com/and161185/lexsync/internal/limiter"
	"github.com/and161185/lexsync/internal/migrate"
	"github.com/and161185/lexsync/internal/repository/postgres"
	grpcserver "github.com/and161185/lexsync/internal/server/grpc"
	"github.com/and161185/lexsync/internal/server/httpapi"
	"github.com/and161185/lexsync/internal/service"
	"github.com/and161185/lexsync/internal/token"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const shutdownGrace = 10 * time.Second

func newRootCmd(stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:                "lexsync-server [flags]",
		Short:              "Run the lexsync sync server",
		Version:            version + " (" + buildDate + ")",
		DisableFlagParsing: true, // internal/config owns the flag set
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args, stderr)
			if err != nil {
				return err
			}
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
}

// main parses configuration, runs migrations and serves until a signal arrives.
func main() {
	if err := newRootCmd(os.Stderr).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "lexsync-server:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("grpcAddr", cfg.GRPCAddr),
	)

	if cfg.Migrate {
		if err := migrate.Up(ctx, cfg.DSN, logger); err != nil {
			return err
		}
	}

	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	var keys *keywrap.Wrapper
	if cfg.MasterKey != "" {
		if keys, err = keywrap.New([]byte(cfg.MasterKey)); err != nil {
			return fmt.Errorf("master key: %w", err)
		}
	}
	issuer, err := token.NewIssuer([]byte(cfg.JWTKey), cfg.AccessTTL)
	if err != nil {
		return err
	}

	firms := postgres.NewFirmRepo(db)
	users := postgres.NewUserRepo(db)
	devices := postgres.NewDeviceRepo(db)
	joinCodes := postgres.NewJoinCodeRepo(db)

	authSvc := service.NewAuthService(service.AuthDeps{
		Firms:      firms,
		Users:      users,
		Devices:    devices,
		JoinCodes:  joinCodes,
		Tokens:     postgres.NewTokenRepo(db),
		Issuer:     issuer,
		RefreshTTL: cfg.RefreshTTL,
		Limiter:    limiter.NewPG(db.Pool, cfg.Limiter.Window, cfg.Limiter.MaxFailures, cfg.Limiter.Lock),
		Keys:       keys,
		Log:        logger,
	})
	syncSvc := service.NewSyncService(postgres.NewSyncRepo(db, cfg.TxRetries), cfg.MaxBatch, logger)

	api := httpapi.New(authSvc, syncSvc, db, logger)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening (http)", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	if cfg.GRPCAddr != "" {
		gs := grpcserver.New(db, 10*time.Second, logger)
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			logger.Info("listening (grpc health)", zap.String("addr", cfg.GRPCAddr))
			return gs.GRPC.Serve(lis)
		})
		g.Go(func() error {
			gs.Watch(gctx)
			gs.Stop(shutdownGrace)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
