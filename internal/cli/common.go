package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aaronromeo/dmarcpat/internal/announcer"
	"github.com/aaronromeo/dmarcpat/internal/config"
	"github.com/aaronromeo/dmarcpat/internal/errs"
	"github.com/aaronromeo/dmarcpat/internal/ingest"
	"github.com/aaronromeo/dmarcpat/internal/store"
	"github.com/aaronromeo/dmarcpat/internal/telemetry"
)

const defaultEnvFile = ".env"

// deps is what every command needs once the configuration is loaded.
type deps struct {
	cfg    config.Config
	env    config.Env
	logger *slog.Logger
	tel    *telemetry.Telemetry
}

func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

// bootstrap loads .env, the environment and the config file, validates them
// and sets up telemetry and logging.
func bootstrap(cmd *cobra.Command) (*deps, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	cfgPath, err := resolveConfigPath(cmd, env)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(env)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return nil, err
	}
	otelStdout, err := cmd.Flags().GetBool("otel-stdout")
	if err != nil {
		return nil, err
	}

	opts := telemetry.Options{
		Endpoint: env.OTelEndpoint,
		Headers:  telemetry.ParseHeaders(env.OTelHeaders),
	}
	if otelStdout {
		opts.StdoutLogs = cmd.ErrOrStderr()
	}
	tel, err := telemetry.Setup(commandContext(cmd), opts)
	if err != nil {
		return nil, err
	}

	level := telemetry.ParseLevel(env.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	return &deps{
		cfg:    cfg,
		env:    env,
		logger: tel.Logger(cmd.ErrOrStderr(), level),
		tel:    tel,
	}, nil
}

func (d *deps) close(ctx context.Context) {
	if err := d.tel.Shutdown(ctx); err != nil {
		d.logger.WarnContext(ctx, "telemetry shutdown failed", slog.Any("error", err))
	}
}

func (d *deps) openStore(ctx context.Context) (*store.Store, error) {
	return store.Open(ctx, d.cfg.Database.Driver, d.cfg.Database.DSN, store.WithLogger(d.logger))
}

func (d *deps) newDriver(p ingest.Persister, opts ...ingest.Option) *ingest.Driver {
	base := []ingest.Option{
		ingest.WithLogger(d.logger),
		ingest.WithAnnouncer(announcer.New(announcer.WithWebhookURL(d.env.WebhookURL))),
	}
	return ingest.New(p, append(base, opts...)...)
}

func resolveConfigPath(cmd *cobra.Command, env config.Env) (string, error) {
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cfgPath) == "" {
		cfgPath = env.ConfigPath
	}
	if strings.TrimSpace(cfgPath) == "" {
		return "", errs.Config("config path is required via --config or DMARCPAT_CONFIG")
	}
	return cfgPath, nil
}

func loadEnvFile() error {
	if _, err := os.Stat(defaultEnvFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(defaultEnvFile)
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch errs.KindOf(err) {
	case errs.KindConfig:
		return 2
	default:
		return 1
	}
}

func printResult(w io.Writer, res ingest.Result) {
	status := "ok"
	if !res.OK() {
		status = "failed"
	}
	name := res.Filename
	if res.Source != "" {
		name = res.Source + ": " + name
	}
	_, _ = io.WriteString(w, status+"\t"+name+"\t"+res.Message+"\n")
}
