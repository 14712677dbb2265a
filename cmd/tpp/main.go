package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/Yvictor/tpp/internal/auth"
	"github.com/Yvictor/tpp/internal/config"
	"github.com/Yvictor/tpp/internal/health"
	"github.com/Yvictor/tpp/internal/metrics"
	"github.com/Yvictor/tpp/internal/pool"
	"github.com/Yvictor/tpp/internal/proxy"
	"github.com/Yvictor/tpp/internal/refresher"
	"github.com/Yvictor/tpp/internal/trace"
)

var version = "dev"

func main() {
	opt := config.New()
	if err := opt.Parse(os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse options: %v", err)
	}

	if opt.ShowHelp {
		opt.PrintUsage()
		return
	}
	if opt.ShowVersion {
		fmt.Printf("tpp %s\n", version)
		return
	}

	cfg, err := opt.ToConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if opt.AskPassword {
		pw, err := readPassword(cfg.Credential.Username)
		if err != nil {
			log.Fatalf("Failed to read password: %v", err)
		}
		cfg.Credential.Password = pw
	}

	if opt.ShowConfig {
		printConfig(cfg)
		return
	}

	trace.SetFilter(cfg.Telemetry.LogFilter)
	if opt.IsDebug() {
		trace.EnableDebug()
		log.Println("[INFO] Debug mode enabled")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opt, cfg); err != nil {
		log.Fatalf("tpp failed: %v", err)
	}

	log.Println("[INFO] Shutdown complete")
}

func run(ctx context.Context, opt *config.Options, cfg *config.Config) error {
	cred := auth.Credential{
		Username: cfg.Credential.Username,
		Password: cfg.Credential.Password,
	}
	acquirer := auth.NewAcquirer(cfg.Upstream.BaseURL())

	// Fill the pool up front: the proxy accepts no connections until every
	// slot holds a token (fail fast, like a missing bind).
	tokens, err := acquirer.AcquireN(ctx, cred, cfg.Token.PoolSize)
	if err != nil {
		return fmt.Errorf("initial token fill: %w", err)
	}

	tokenPool, err := pool.New(tokens, cfg.Token.PoolSize)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}

	reg := metrics.NewRegistry(tokenPool)

	ref := refresher.New(tokenPool, acquirer, cred, cfg.Token.TTL(), cfg.Token.RefreshCheck())

	// Hot reload: only the refresh cadence is adjustable at runtime.
	if err := opt.Watch(ctx, func(newCfg *config.Config, err error) {
		if err != nil {
			log.Printf("[WARN] config: reload rejected: %v", err)
			return
		}
		ref.SetIntervals(newCfg.Token.TTL(), newCfg.Token.RefreshCheck())
	}); err != nil {
		log.Printf("[INFO] config: hot reload disabled: %v", err)
	}

	proxySrv := proxy.NewServer(tokenPool, proxy.Upstream{
		Host: cfg.Upstream.Host,
		Port: cfg.Upstream.Port,
		TLS:  cfg.Upstream.TLS,
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HealthListen != "" {
		healthSrv := health.NewServer(tokenPool, reg)
		healthSrv.MarkReady()
		g.Go(func() error { return healthSrv.Start(gctx, cfg.HealthListen) })
	}

	g.Go(func() error { return ref.Run(gctx) })
	g.Go(func() error { return proxySrv.Start(gctx, cfg.Listen) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readPassword prompts on the terminal without echo.
func readPassword(username string) (string, error) {
	fmt.Fprintf(os.Stderr, "Password for %s: ", username)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

// printConfig renders the effective config as YAML with the password
// redacted.
func printConfig(cfg *config.Config) {
	redacted := *cfg
	if redacted.Credential.Password != "" {
		redacted.Credential.Password = "********"
	}
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		log.Fatalf("Failed to render config: %v", err)
	}
	fmt.Print(string(out))
}
