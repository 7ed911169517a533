// raffled runs the verifiable-random raffle daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	cli "gopkg.in/urfave/cli.v1"

	app "github.com/R3E-Network/raffle/internal/app"
	"github.com/R3E-Network/raffle/internal/app/events"
	"github.com/R3E-Network/raffle/internal/app/httpapi"
	"github.com/R3E-Network/raffle/internal/app/storage/postgres"
	"github.com/R3E-Network/raffle/internal/config"
	"github.com/R3E-Network/raffle/internal/middleware"
	"github.com/R3E-Network/raffle/internal/platform/migrations"
	"github.com/R3E-Network/raffle/pkg/logger"
)

var (
	version   = "dev"
	gitCommit string

	configFlag = cli.StringFlag{
		Name:   "config, c",
		Usage:  "path to a YAML config file",
		EnvVar: "RAFFLE_CONFIG",
	}
	downFlag = cli.IntFlag{
		Name:  "down",
		Usage: "roll back this many migrations instead of applying",
	}
	callerFlag = cli.StringFlag{
		Name:  "caller",
		Usage: "address the token authenticates (defaults to vrf.coordinator)",
	}
	playerFlag = cli.BoolFlag{
		Name:  "player",
		Usage: "mint a player token for --caller instead of an oracle token",
	}
	ttlFlag = cli.DurationFlag{
		Name:  "ttl",
		Usage: "token lifetime, 0 for no expiry",
		Value: 24 * time.Hour,
	}
)

func main() {
	a := cli.NewApp()
	a.Name = "raffled"
	a.Usage = "verifiable-random raffle daemon"
	a.Version = version
	if gitCommit != "" {
		a.Version = fmt.Sprintf("%s-%s", version, gitCommit)
	}
	a.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the HTTP API, keeper and oracle",
			Flags:  []cli.Flag{configFlag},
			Action: serve,
		},
		{
			Name:   "migrate",
			Usage:  "apply database migrations",
			Flags:  []cli.Flag{configFlag, downFlag},
			Action: migrate,
		},
		{
			Name:   "token",
			Usage:  "mint a bearer token for the fulfil or enter endpoint",
			Flags:  []cli.Flag{configFlag, callerFlag, playerFlag, ttlFlag},
			Action: token,
		},
	}
	if err := a.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	log := logger.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var stores app.Stores
	if cfg.Database.Driver == "postgres" {
		db, err := postgres.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.Database.MigrateOnStart {
			if err := migrations.Up(db.DB); err != nil {
				return err
			}
		}
		store := postgres.New(db)
		stores = app.Stores{Raffles: store, Balances: store}
	}

	var sinks []events.Sink
	if cfg.Redis.URL != "" {
		client, err := events.DialRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		sinks = append(sinks, events.NewRedisPublisher(client, cfg.Redis.Stream, cfg.Redis.MaxLen))
	}

	application, err := app.New(ctx, cfg, stores, log, sinks...)
	if err != nil {
		return err
	}
	application.Bus.OnDeliveryFailure(func(sink string, err error) {
		log.WithError(err).WithField("sink", sink).Warn("event delivery failed")
	})

	limiter := middleware.NewRateLimiter(cfg.Server.EnterRate, cfg.Server.EnterBurst, log.Named("ratelimit"))
	cleanupStop := make(chan struct{})
	defer close(cleanupStop)
	limiter.StartCleanup(time.Minute, cleanupStop)

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           httpapi.NewHandler(application, httpapi.Options{RateLimiter: limiter}, log.Named("httpapi")),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("raffle API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
		log.WithError(serveErr).Error("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service stop")
	}
	log.Info("raffle daemon stopped")
	return serveErr
}

func migrate(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrate requires database.driver=postgres, got %q", cfg.Database.Driver)
	}

	ctx := context.Background()
	db, err := postgres.Open(ctx, cfg.Database.DSN, 1)
	if err != nil {
		return err
	}
	defer db.Close()

	if steps := c.Int(downFlag.Name); steps > 0 {
		err = migrations.Down(db.DB, steps)
	} else {
		err = migrations.Up(db.DB)
	}
	if err != nil {
		return err
	}
	v, dirty, err := migrations.Version(db.DB)
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d (dirty=%v)\n", v, dirty)
	return nil
}

func token(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	raw := c.String(callerFlag.Name)
	player := c.Bool(playerFlag.Name)
	if raw == "" && !player {
		raw = cfg.VRF.Coordinator
	}
	if !common.IsHexAddress(raw) {
		return fmt.Errorf("caller %q is not an address", raw)
	}
	var tok string
	if player {
		tok, err = middleware.IssuePlayerToken(cfg.Auth.PlayerSecret, common.HexToAddress(raw), c.Duration(ttlFlag.Name))
	} else {
		tok, err = middleware.IssueToken(cfg.Auth.OracleSecret, common.HexToAddress(raw), c.Duration(ttlFlag.Name))
	}
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
