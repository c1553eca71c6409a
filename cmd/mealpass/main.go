package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/core-coin/mealpass/internal/clock"
	"github.com/core-coin/mealpass/internal/config"
	"github.com/core-coin/mealpass/internal/http_api"
	"github.com/core-coin/mealpass/internal/mealpass"
	"github.com/core-coin/mealpass/internal/models"
	"github.com/core-coin/mealpass/internal/repository"
	"github.com/core-coin/mealpass/internal/signer"
	"github.com/core-coin/mealpass/internal/wellknown"
	"github.com/core-coin/mealpass/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "mealpass",
		Usage: "Mealpass issues daily meal credentials and redeems them at kiosks",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
			&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
			&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
			&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
			&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
			&cli.IntFlag{Name: "api-port", Aliases: []string{"a"}, Usage: "HTTP API port"},
			&cli.StringFlag{Name: "service-timezone", Aliases: []string{"z"}, Usage: "IANA timezone of the service day"},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, the Telegram bot and the background workers",
				Action: serve,
			},
			{
				Name:  "issue",
				Usage: "Issue credentials for a service day (today by default)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "date", Usage: "Service day as YYYY-MM-DD"},
				},
				Action: issue,
			},
			{
				Name:   "keygen",
				Usage:  "Print a fresh SIGNING_KEY_SEED",
				Action: keygen,
			},
			{
				Name:  "device",
				Usage: "Manage kiosk sessions",
				Subcommands: []*cli.Command{
					{
						Name:  "issue",
						Usage: "Issue a session token for a kiosk",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "label", Required: true, Usage: "Kiosk label"},
						},
						Action: deviceIssue,
					},
					{
						Name:  "revoke",
						Usage: "Revoke every session of a kiosk",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "label", Required: true, Usage: "Kiosk label"},
							&cli.StringFlag{Name: "reason", Usage: "Why the kiosk is revoked"},
						},
						Action: deviceRevoke,
					},
				},
			},
			{
				Name:      "verify",
				Usage:     "Verify a meal credential against a server's published key",
				ArgsUsage: "TOKEN",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "server", Value: "http://localhost:6532", Usage: "Base URL of the mealpass server"},
					&cli.StringFlag{Name: "issuer", Value: "mealpass", Usage: "Expected token issuer"},
				},
				Action: verify,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// loadConfig loads configuration from environment variables and lets
// global flags override it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}

	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("api-port") {
		cfg.APIPort = c.Int("api-port")
	}
	if c.IsSet("service-timezone") {
		cfg.ServiceTimezone = c.String("service-timezone")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}
	return cfg, cfg.Validate()
}

// engine is a connected, configured mealpass instance.
type engine struct {
	*mealpass.Mealpass
	cfg *config.Config
	db  *repository.PostgresDB
	log *logger.Logger
}

// setup connects to the store and builds the engine.
func setup(c *cli.Context, opts mealpass.Options) (*engine, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %v", err)
	}

	// Initialize database
	db, err := repository.NewPostgresDB(cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDB, cfg.PostgresHost, cfg.PostgresPort, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	app, err := mealpass.New(cfg, db, log, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &engine{Mealpass: app, cfg: cfg, db: db, log: log}, nil
}

// close stops the engine and releases the store.
func (e *engine) close() {
	e.Stop()
	if err := e.db.Close(); err != nil {
		e.log.Warn("Failed to close database", "error", err)
	}
}

func serve(c *cli.Context) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e, err := setup(c, mealpass.Options{Registerer: registry})
	if err != nil {
		return err
	}
	defer e.close()
	log := e.log

	if !e.cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	apiServer := http_api.NewHTTPServer(e.ServerOptions(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})), e.cfg.APIPort, log)

	if err := e.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("Received signal, shutting down", "signal", sig.String())
	case err = <-errCh:
		log.Error("HTTP server stopped", "error", err)
	}

	if shutdownErr := apiServer.Shutdown(); shutdownErr != nil {
		log.Error("Failed to shut down HTTP server", "error", shutdownErr)
	}
	return err
}

func issue(c *cli.Context) error {
	e, err := setup(c, mealpass.Options{})
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	day := e.Calendar().Today(clock.New().Now())
	if c.IsSet("date") {
		if day, err = clock.ParseDay(c.String("date")); err != nil {
			return err
		}
	}

	report, err := e.Issuer.RunForDay(ctx, day)
	if err != nil {
		return err
	}
	e.log.Info("Issuance finished",
		"service_date", report.ServiceDate,
		"issued", report.Issued,
		"reissued", report.Reissued,
		"skipped", report.Skipped,
		"errors", report.Errors,
		"integrity", report.Integrity)
	return nil
}

func keygen(c *cli.Context) error {
	seed, err := signer.GenerateSeed()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "SIGNING_KEY_SEED=%s\n", seed)
	return nil
}

func deviceIssue(c *cli.Context) error {
	e, err := setup(c, mealpass.Options{WithoutBot: true})
	if err != nil {
		return err
	}
	defer e.close()

	token, record, err := e.Sessions.IssueDevice(c.Context, c.String("label"), "cli")
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "jti: %s\nexpires_at: %d\ntoken: %s\n", record.JTI, record.ExpiresAt, token)
	return nil
}

func deviceRevoke(c *cli.Context) error {
	e, err := setup(c, mealpass.Options{WithoutBot: true})
	if err != nil {
		return err
	}
	defer e.close()

	n, err := e.Sessions.RevokeAllForPrincipal(c.Context, models.SessionKindDevice, c.String("label"), "cli", c.String("reason"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "revoked %d session(s)\n", n)
	return nil
}

// verify checks a credential offline with the key the server publishes.
func verify(c *cli.Context) error {
	raw := c.Args().First()
	if raw == "" {
		return fmt.Errorf("a token is required")
	}

	log := logger.NewNop()
	keys, err := wellknown.NewClient(log, c.String("server")).FetchKeySet(c.Context)
	if err != nil {
		return err
	}
	if len(keys.Keys) == 0 {
		return fmt.Errorf("server publishes no keys")
	}
	pub, err := keys.PublicKey(keys.Keys[0].Kid)
	if err != nil {
		return err
	}

	claims, err := signer.NewVerifier(c.String("issuer"), pub).VerifyEntitlement(raw, clock.New().Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "valid credential\ncustomer: %s\nservice_date: %s\njti: %s\nkey: %s\n",
		claims.Subject, claims.ServiceDate, claims.ID, keys.Keys[0].Kid)
	return nil
}
