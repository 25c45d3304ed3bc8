package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := submain(ctx)
	stop()
	os.Exit(code)
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("WAGW_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "wa-gateway-lite")

	cmd := newRootCommand(baseLogger, viper.New())
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			baseLogger.Error("cli.command.error", "error", err)
		}
		return 1
	}
	return 0
}

// configFlags are bound into viper under their flag names; the matching
// environment variable is the upper-cased name with dashes as underscores.
var configFlags = []struct {
	name  string
	usage string
}{
	{"port", "HTTP listen port (default 3000)"},
	{"gin-mode", "gin mode: release, debug or test"},
	{"tls-cert-file", "TLS certificate file"},
	{"tls-key-file", "TLS key file"},
	{"log-level", "log level: trace, debug, info, warn, error"},
	{"client-id", "key of the stored session"},
	{"session-store", "session store URL (mem://, file://, sqlite://, mongodb://, s3://)"},
	{"message-log", "message log URL (mem:// or sqlite://)"},
	{"engine-url", "websocket URL of the engine sidecar"},
	{"reconnect-delay", "delay before a reconnection attempt (seconds or Go duration)"},
	{"max-reconnect-attempts", "halt after this many failed attempts (0 = unlimited)"},
	{"auth-failure-retry", "retry automatically after an authentication failure"},
	{"verify-recipients", "check that recipients are registered before sending"},
	{"log-inbound", "record received messages in the message log"},
	{"address-suffix", "suffix appended to bare numbers"},
	{"api-secret", "secret for operator tokens; empty leaves control routes open"},
	{"token-expiry-seconds", "lifetime of minted operator tokens"},
	{"send-rate-limit", "send requests per minute per client IP (0 disables)"},
	{"recipient-rate-limit", "messages per minute to a single recipient (0 disables)"},
}

func newRootCommand(logger pslog.Logger, v *viper.Viper) *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "wa-gateway-lite",
		Short:         "HTTP gateway that keeps a messaging session paired, persisted and reconnected",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Pair once, keep the session on disk
  ENGINE_URL=ws://127.0.0.1:8090/engine wa-gateway-lite serve

  # Share one SQLite file for sessions and the message log
  wa-gateway-lite serve --engine-url ws://127.0.0.1:8090/engine \
    --session-store sqlite:///var/lib/wagw/gateway.db --message-log sqlite:///var/lib/wagw/gateway.db

  # Sessions in MinIO
  wa-gateway-lite serve --session-store 's3://localhost:9000/wagw?insecure=1'

  # Mint an operator token for /logout, /reset and /restart
  API_SECRET=change-me wa-gateway-lite token --operator ops
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile == "" {
				return nil
			}
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading configuration")

	flags := root.PersistentFlags()
	for _, f := range configFlags {
		flags.String(f.name, "", f.usage)
		if err := v.BindPFlag(f.name, flags.Lookup(f.name)); err != nil {
			panic(err)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(newServeCommand(logger, v), newTokenCommand(v))
	return root
}

// viperEnv reads configuration keys (PORT, ENGINE_URL, ...) through viper,
// so flags take precedence over the environment.
type viperEnv struct {
	v *viper.Viper
}

func (e viperEnv) Getenv(key string) string {
	return e.v.GetString(strings.ToLower(strings.ReplaceAll(key, "_", "-")))
}
