// Command tandad serves the tanda ledger and payment saga over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	gocmd "github.com/goliatone/go-command"
	glog "github.com/goliatone/go-logger/glog"
	tandas "github.com/goliatone/go-tandas"
	"github.com/goliatone/go-tandas/adapters/gocommand"
	"github.com/goliatone/go-tandas/adapters/gologger"
	"github.com/goliatone/go-tandas/core"
	"github.com/goliatone/go-tandas/inbound"
	sqlstore "github.com/goliatone/go-tandas/store/sql"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loadDotEnv(".env", ".env.local"); err != nil {
		log.Printf("warning: load .env: %v", err)
	}
	if err := run(ctx); err != nil {
		log.Fatalf("tandad: %v", err)
	}
}

type app struct {
	service *core.Service
	handler http.Handler
	subs    gocommand.Subscriptions
	close   func()
}

func run(ctx context.Context) error {
	opts, err := loadSettings()
	if err != nil {
		return err
	}
	cfg, err := core.NewCfgxConfigProvider(envConfigLoader{}).Load(ctx, core.DefaultConfig())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	_, logger := gologger.Resolve("tandad", nil, nil)

	application, err := buildApp(ctx, opts, cfg, logger)
	if err != nil {
		return err
	}
	defer application.close()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		interval := application.service.Config().Saga.SweepInterval
		if err := application.service.Sweeper().Run(sweepCtx, interval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("saga sweeper stopped", "error", err.Error())
		}
	}()

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           application.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("tandad listening", "addr", opts.Addr, "provider", cfg.Protocol.Provider, "db_driver", opts.DBDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		stopSweep()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownWait)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("tandad stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildApp wires storage, the service, the command dispatcher and the HTTP
// router. Extra options are appended after the configured ones.
func buildApp(ctx context.Context, opts settings, cfg core.Config, logger glog.Logger, extra ...core.Option) (*app, error) {
	serviceOpts := []core.Option{core.WithLogger(logger)}
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if opts.DBDriver != "" {
		client, err := sqlstore.NewClient(ctx, sqlstore.ClientConfig{
			Driver: opts.DBDriver,
			DSN:    opts.DBDSN,
			Debug:  opts.DBDebug,
		})
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		serviceOpts = append(serviceOpts,
			core.WithPersistenceClient(client),
			core.WithRepositoryFactory(sqlstore.NewRepositoryFactory()),
		)
	}
	serviceOpts = append(serviceOpts, extra...)

	svc, err := tandas.New(cfg, serviceOpts...)
	if err != nil {
		closeAll()
		return nil, err
	}

	handlers := gocommand.NewHandlerRegistry(gocmd.NewRegistry())
	subs, err := gocommand.RegisterTandaHandlers(handlers, svc)
	if err != nil {
		closeAll()
		return nil, err
	}
	closers = append(closers, subs.Unsubscribe)
	if err := handlers.Initialize(); err != nil {
		closeAll()
		return nil, err
	}

	callback := inbound.NewCallbackHandler(svc,
		inbound.WithCallbackLogger(logger),
		inbound.WithReturnURL(opts.ReturnURL),
		inbound.WithTargetOrigin(opts.TargetOrigin),
	)
	router := newRouter(logger, callbackPath(svc.Config().Saga.CallbackURL), callback)

	return &app{
		service: svc,
		handler: router,
		subs:    subs,
		close:   closeAll,
	}, nil
}

func callbackPath(callbackURL string) string {
	parsed, err := url.Parse(callbackURL)
	if err != nil || parsed.Path == "" {
		return "/payments/callback"
	}
	return parsed.Path
}
