// Command MedPipe runs the medication reminder engine: the per-minute
// dispatch cycle, caregiver escalation and the inbound SMS webhook.
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
	_ "time/tzdata"

	"github.com/BTreeMap/MedPipe/internal/api"
	"github.com/BTreeMap/MedPipe/internal/command"
	"github.com/BTreeMap/MedPipe/internal/dispatch"
	"github.com/BTreeMap/MedPipe/internal/escalation"
	"github.com/BTreeMap/MedPipe/internal/extract"
	"github.com/BTreeMap/MedPipe/internal/genai"
	"github.com/BTreeMap/MedPipe/internal/lockfile"
	"github.com/BTreeMap/MedPipe/internal/messaging"
	"github.com/BTreeMap/MedPipe/internal/schedule"
	"github.com/BTreeMap/MedPipe/internal/scheduler"
	"github.com/BTreeMap/MedPipe/internal/stack"
	"github.com/BTreeMap/MedPipe/internal/store"
	"github.com/BTreeMap/MedPipe/internal/twiliosms"
	"github.com/BTreeMap/MedPipe/internal/whatsapp"
)

// ShutdownTimeout bounds the wait for an in-flight cycle and open requests.
const ShutdownTimeout = 30 * time.Second

func main() {
	cfg, err := loadEnvironmentConfig()
	if err == nil {
		cfg, err = parseCommandLineFlags(cfg, os.Args[1:])
	}
	if err == nil {
		err = cfg.validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "medpipe:", err)
		os.Exit(2)
	}
	initializeLogger(cfg.logLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping MedPipe", "state_dir", cfg.StateDir, "api_addr", cfg.APIAddr, "channel", cfg.effectiveChannel())
	if err := run(ctx, cfg); err != nil {
		slog.Error("MedPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("MedPipe exited successfully")
}

// initializeLogger sets up structured logging at the configured level.
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// run wires the engine and blocks until ctx is cancelled or the HTTP server fails.
func run(ctx context.Context, cfg Config) error {
	lock, err := lockfile.AcquireLock(cfg.StateDir, cfg.APIAddr)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := buildMessagingService(cfg)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer svc.Stop()

	resolver := schedule.NewResolver(cfg.DefaultTimezone)
	policy := escalation.NewPolicy(svc, st,
		escalation.WithMinMissed(cfg.EscalationMinMissed),
		escalation.WithGrace(cfg.EscalationGrace),
		escalation.WithCountryCode(cfg.DefaultCountryCode),
		escalation.WithResolver(resolver),
	)

	builderOpts := []stack.Option{
		stack.WithResolver(resolver),
		stack.WithMissedThreshold(cfg.MissedThreshold),
		stack.WithLookaheadWindow(cfg.LookaheadWindow),
	}
	if cfg.EscalateOnInbound {
		builderOpts = append(builderOpts, stack.WithEscalator(policy))
	}
	builder := stack.NewBuilder(builderOpts...)

	extractor, err := buildExtractor(cfg)
	if err != nil {
		return err
	}
	interp := command.NewInterpreter(st, command.WithStackBuilder(builder), command.WithExtractor(extractor))

	handlerOpts := []messaging.HandlerOption{messaging.WithRecorder(st)}
	if dedup, ok := st.(store.DedupRepo); ok {
		handlerOpts = append(handlerOpts, messaging.WithDedup(dedup))
	}
	handler := messaging.NewResponseHandler(interp, handlerOpts...)
	if inbound, ok := svc.(messaging.InboundService); ok {
		handler.Start(ctx, inbound)
	}

	cycle := dispatch.NewCycle(st, svc,
		dispatch.WithWindow(time.Duration(cfg.ReminderWindowMinutes)*time.Minute),
		dispatch.WithResolver(resolver),
		dispatch.WithEscalator(policy),
	)
	sched := scheduler.New(scheduler.WithLocation(resolver.Default()))
	if err := sched.Every(time.Duration(cfg.ReminderPollMinutes)*time.Minute, cycle.Job(ctx)); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	// First tick otherwise waits a full poll interval.
	go cycle.Job(ctx)()

	server := api.NewServer(st, handler, buildAPIOptions(cfg, builder)...)
	serverErr := server.Start()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err = <-serverErr:
		slog.Error("API server stopped unexpectedly", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if stopErr := sched.Stop(shutdownCtx); stopErr != nil {
		slog.Warn("Scheduler did not stop cleanly", "error", stopErr)
	}
	if shutErr := server.Shutdown(shutdownCtx); shutErr != nil {
		slog.Warn("API server did not shut down cleanly", "error", shutErr)
	}
	return err
}

func openStore(cfg Config) (store.Store, error) {
	opts := cfg.buildStoreOptions()
	if store.DetectDSNType(cfg.storeDSN()) == "postgres" {
		st, err := store.NewPostgresStore(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL store: %w", err)
		}
		return st, nil
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	st, err := store.NewSQLiteStore(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite store: %w", err)
	}
	return st, nil
}

// buildMessagingService selects the outbound channel.
func buildMessagingService(cfg Config) (messaging.Service, error) {
	switch channel := cfg.effectiveChannel(); channel {
	case ChannelSMS, ChannelWhatsApp:
		client, err := twiliosms.NewClient(
			twiliosms.WithAccountSID(cfg.TwilioAccountSID),
			twiliosms.WithAuthToken(cfg.TwilioAuthToken),
			twiliosms.WithFrom(cfg.TwilioFromNumber),
			twiliosms.WithWhatsApp(channel == ChannelWhatsApp),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), nil
	case ChannelWhatsmeow:
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.whatsAppDSN())}
		if cfg.QROutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.QROutput))
		}
		if cfg.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	case ChannelMock:
		slog.Info("Using mock messaging; messages are logged, not sent")
		return messaging.NewMockService(), nil
	default:
		return nil, errors.New("unknown messaging channel " + channel)
	}
}

// buildExtractor uses OpenAI when a key is configured and the keyword parser otherwise.
func buildExtractor(cfg Config) (extract.Extractor, error) {
	if cfg.OpenAIKey == "" {
		slog.Info("No OpenAI API key set; edit/add use the built-in parser")
		return extract.SimpleExtractor{}, nil
	}
	genaiOpts := []genai.Option{genai.WithAPIKey(cfg.OpenAIKey)}
	if cfg.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(cfg.OpenAIModel))
	}
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
	}
	return extract.NewOpenAIExtractor(client), nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(cfg Config, builder *stack.Builder) []api.Option {
	apiOpts := []api.Option{api.WithAddr(cfg.APIAddr), api.WithStackBuilder(builder)}
	if cfg.PublicBaseURL != "" {
		apiOpts = append(apiOpts, api.WithPublicBaseURL(cfg.PublicBaseURL))
	}
	if cfg.ValidateSignature {
		if cfg.TwilioAuthToken == "" {
			slog.Warn("TWILIO_VALIDATE_SIGNATURE set without TWILIO_AUTH_TOKEN; signatures not checked")
		} else {
			apiOpts = append(apiOpts, api.WithSignatureValidator(twiliosms.NewValidator(cfg.TwilioAuthToken)))
		}
	}
	return apiOpts
}
