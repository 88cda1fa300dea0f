// Command gatekeepd serves the gatekeep authentication API over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/requestid"

	"github.com/lborres/gatekeep"
	fiberadapter "github.com/lborres/gatekeep/adapters/fiber"
	"github.com/lborres/gatekeep/adapters/smtp"
	"github.com/lborres/gatekeep/config"
	"github.com/lborres/gatekeep/core"
	"github.com/lborres/gatekeep/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatekeepd: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("gatekeepd stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("trace flush failed", "error", err)
		}
	}()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open stores: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("closing stores failed", "error", err)
		}
	}()

	mailer, err := newMailer(cfg.Mail, log)
	if err != nil {
		return err
	}

	app := newApp(cfg)
	g, err := gatekeep.New(gatekeep.Options{
		Storage:  st.storage,
		Sessions: st.sessions,
		HTTP: fiberadapter.New(app, fiberadapter.Config{
			CookieSecure:       cfg.HTTP.CookieSecure,
			TrustProxy:         cfg.HTTP.TrustProxy,
			RedirectAfterLogin: cfg.HTTP.RedirectAfterLogin,
			LoginRate:          cfg.RateLimit.LoginPerMinute,
			LoginBurst:         cfg.RateLimit.LoginBurst,
			Logger:             log,
		}),
		BasePath: cfg.HTTP.BasePath,
		Config: gatekeep.Config{
			Session: cfg.SessionConfig(),
			Passkey: cfg.PasskeyConfig(),
			TOTP:    cfg.TOTPConfig(),
			OAuth:   cfg.OAuthConfig(),
			Policy:  cfg.PolicyConfig(),
			Mailer:  mailer,
			Logger:  log,
		},
	})
	if err != nil {
		return fmt.Errorf("could not create gatekeep instance: %w", err)
	}

	go runJanitor(ctx, g.Tracker(), cfg.Session.PruneInterval, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTP.Addr, "base_path", g.BasePath, "database", cfg.Database.Driver, "session_store", cfg.SessionStore.Kind)
		errCh <- app.Listen(cfg.HTTP.Addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	log.Info("shut down")
	return nil
}

// newApp builds the Fiber app with request ids, access logs, and CORS for
// the configured frontend origins. Request bodies and headers are never
// logged.
func newApp(cfg *config.Config) *fiber.App {
	app := fiber.New(fiber.Config{AppName: "gatekeepd"})

	app.Use(requestid.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time}|${respHeader:X-Request-ID}|${status}|${latency}|${ip}|${method}|${path}|${error}\n",
		TimeFormat: time.RFC3339,
		TimeZone:   "UTC",
	}))
	if len(cfg.HTTP.FrontendOrigins) > 0 {
		app.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.HTTP.FrontendOrigins,
			AllowCredentials: true,
		}))
	}

	app.Get("/healthz", func(c fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

// newMailer sends over SMTP when a host is configured and logs the
// verification token otherwise.
func newMailer(cfg config.MailConfig, log *slog.Logger) (core.Mailer, error) {
	if cfg.Host == "" {
		log.Warn("no smtp host configured, verification emails are logged")
		return gatekeep.NewLogMailer(log), nil
	}
	m, err := smtp.New(smtp.Config{
		Host:      cfg.Host,
		Port:      cfg.Port,
		Username:  cfg.Username,
		Password:  cfg.Password,
		From:      cfg.From,
		VerifyURL: cfg.VerifyURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure smtp: %w", err)
	}
	return m, nil
}
