package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/porterolabs/portero/internal/anonymize"
	"github.com/porterolabs/portero/internal/approval"
	"github.com/porterolabs/portero/internal/approval/telegram"
	"github.com/porterolabs/portero/internal/audit"
	"github.com/porterolabs/portero/internal/backend"
	"github.com/porterolabs/portero/internal/cleanup"
	"github.com/porterolabs/portero/internal/config"
	"github.com/porterolabs/portero/internal/executor"
	"github.com/porterolabs/portero/internal/gateway"
	"github.com/porterolabs/portero/internal/policy"
	"github.com/porterolabs/portero/internal/registry"
	"github.com/porterolabs/portero/internal/secrets"
	"github.com/porterolabs/portero/internal/store/file"
	"github.com/porterolabs/portero/internal/task"
)

func cmdServe(args []string) error {
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyFlags(cfg, args)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if cfg.AuthToken == "" {
		return errors.New("PORTERO_AUTH_TOKEN must be set")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := file.Open(cfg.statePath())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	enc, err := buildEncryptor(cfg)
	if err != nil {
		return err
	}
	sm := secrets.NewManager(cfg.secretsPath(), enc)

	docs, err := config.Load(cfg.ConfigDir, config.ChainLookup(config.EnvLookup, sm.Lookup))
	if err != nil {
		return err
	}

	anon, err := anonymize.New(docs.Replacements)
	if err != nil {
		return err
	}

	reg := registry.New()
	defer reg.CloseAll()
	startBackends(ctx, reg, docs.Backends)

	agg := registry.NewAggregator(reg, 0)
	router := registry.NewRouter(reg)
	resolver := policy.NewResolver(st, st, docs.Policy)
	tasks := task.NewManager(st)
	rec := audit.NewRecorder(st)
	digest := approval.NewDigest(0, 0)

	// Without a channel nothing flushes the digest, so notices go to the
	// disabled sink instead of queueing forever.
	var notifier executor.Notifier = approval.Disabled{}
	if cfg.TelegramToken != "" {
		notifier = digest
	}
	exec := executor.New(tasks, router, reg, anon, rec, notifier, 0)
	decider := approval.NewDecider(tasks, st, st, exec)

	var channel approval.Channel = approval.Disabled{}
	var adapter *telegram.Adapter
	if cfg.TelegramToken != "" {
		adapter, err = telegram.New(telegram.Config{
			Token:         cfg.TelegramToken,
			PairingSecret: cfg.PairingSecret,
		}, telegram.Deps{
			Store:      st,
			Tasks:      tasks,
			Decider:    decider,
			Digest:     digest,
			Registry:   reg,
			Aggregator: agg,
		})
		if err != nil {
			return err
		}
		channel = adapter
	} else {
		slog.Warn("no approval channel configured; calls needing approval will park in error")
	}

	gw := gateway.NewServer(gateway.Config{
		AuthToken: cfg.AuthToken,
		Version:   version,
	}, gateway.Deps{
		Registry:   reg,
		Aggregator: agg,
		Router:     router,
		Anonymizer: anon,
		Policy:     resolver,
		Tasks:      tasks,
		Channel:    channel,
		Audit:      rec,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return exec.Run(gctx) })
	g.Go(func() error {
		cleanup.New(st, 0).Run(gctx)
		return nil
	})
	if adapter != nil {
		g.Go(func() error { return adapter.Run(gctx) })
		g.Go(func() error {
			digest.Run(gctx, adapter.FlushDigest)
			return nil
		})
	}
	g.Go(func() error { return serveHTTP(gctx, srv, cfg) })

	return g.Wait()
}

// applyFlags parses --addr=X and --config=X overrides from the args list.
func applyFlags(cfg *Config, args []string) {
	for _, arg := range args {
		if len(arg) > 7 && arg[:7] == "--addr=" {
			cfg.HTTPAddr = arg[7:]
		}
		if len(arg) > 9 && arg[:9] == "--config=" {
			cfg.ConfigDir = arg[9:]
		}
	}
}

// buildEncryptor loads the configured age identity. Without one it keeps a
// generated key under the data dir so secrets survive restarts, degrading
// to an ephemeral identity when even that fails.
func buildEncryptor(cfg *Config) (*secrets.AgeEncryptor, error) {
	if cfg.AgeKeyPath != "" {
		enc, err := secrets.NewAgeEncryptor(cfg.AgeKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load age key: %w", err)
		}
		return enc, nil
	}

	enc, err := secrets.EnsureKeyFile(cfg.autoKeyPath())
	if err != nil {
		slog.Warn("failed to create auto key file, using ephemeral identity",
			"path", cfg.autoKeyPath(), "error", err)
		return secrets.NewEphemeralEncryptor()
	}
	return enc, nil
}

// startBackends connects every configured backend. A backend that fails
// to start is skipped so the rest of the deployment still comes up.
func startBackends(ctx context.Context, reg *registry.Registry, backends []config.Backend) {
	for _, b := range backends {
		var (
			d   backend.Dispatcher
			err error
		)
		switch b.Transport {
		case "stdio":
			d, err = backend.StartStdio(ctx, b.Name, b.Command, b.Args, b.Environ())
		case "http":
			d, err = backend.StartHTTP(ctx, b.Name, b.URL, b.Headers)
		}
		if err != nil {
			slog.Warn("backend failed to start, skipping", "backend", b.Name, "error", err)
			continue
		}
		reg.Add(&registry.Backend{Name: b.Name, Dispatcher: d, Pinned: b.Pinned})
		slog.Info("backend connected", "backend", b.Name, "transport", b.Transport)
	}
}

func serveHTTP(ctx context.Context, srv *http.Server, cfg *Config) error {
	useTLS := cfg.TLSCert != "" && cfg.TLSKey != ""
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", cfg.HTTPAddr, "tls", useTLS)
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down gateway")
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
