// Command transportctl runs the operator tasks of the school transport API
// against the same environment as the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fcartres/proyectofinal-sub001/internal/config"
	"github.com/fcartres/proyectofinal-sub001/internal/locks"
	"github.com/fcartres/proyectofinal-sub001/internal/logging"
	"github.com/fcartres/proyectofinal-sub001/internal/payments"
	"github.com/fcartres/proyectofinal-sub001/internal/storage"
)

var Version = "dev"

// app carries what the subcommands need. Store and gateway are opened lazily
// so token never touches the database.
type app struct {
	cfg     config.ServerConfig
	logger  *slog.Logger
	open    func(ctx context.Context) (storage.Store, func(), error)
	gateway payments.Gateway
	locker  locks.Locker
	now     func() time.Time
}

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	a := &app{
		cfg:    cfg,
		logger: logger,
		open:   openPostgres(cfg),
		gateway: payments.Instrumented{
			Next:    payments.NewStripeGateway(cfg.StripeAPIKey, cfg.PaymentCurrency),
			Timeout: cfg.PaymentGatewayTimeout,
		},
		locker: locks.NewLocalLocker(),
		now:    time.Now,
	}
	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "transportctl",
		Short:         "Operator tasks for the school transport API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(reconcileCmd(a))
	rootCmd.AddCommand(chargesCmd(a))
	rootCmd.AddCommand(overdueCmd(a))
	rootCmd.AddCommand(tokenCmd(a))
	return rootCmd
}

func openPostgres(cfg config.ServerConfig) func(context.Context) (storage.Store, func(), error) {
	return func(ctx context.Context) (storage.Store, func(), error) {
		if cfg.PGDSN == "" {
			return nil, nil, errors.New("PG_DSN is required")
		}
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Ping(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return pg, func() { _ = pg.Close() }, nil
	}
}
