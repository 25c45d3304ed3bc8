package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"

	"wa-gateway-lite/internal/auth"
	"wa-gateway-lite/internal/config"
)

func TestViperEnvPrefersFlags(t *testing.T) {
	t.Setenv("ENGINE_URL", "ws://env/engine")
	t.Setenv("RECONNECT_DELAY", "3")

	v := viper.New()
	root := newRootCommand(pslog.NoopLogger(), v)
	require.NoError(t, root.PersistentFlags().Set("engine-url", "ws://flag/engine"))

	cfg, err := config.LoadConfigFromEnv(viperEnv{v: v})
	require.NoError(t, err)
	assert.Equal(t, "ws://flag/engine", cfg.EngineURL)
	assert.Equal(t, "3s", cfg.ReconnectDelay.String())
	assert.Equal(t, 3000, cfg.Port)
}

func TestTokenCommand(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("API_SECRET=from-dotenv\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("API_SECRET") })

	v := viper.New()
	root := newRootCommand(pslog.NoopLogger(), v)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--env-file", envFile, "--operator", "alice"})
	require.NoError(t, root.Execute())

	claims, err := auth.VerifyToken(strings.TrimSpace(out.String()), auth.DefaultTokenConfig("from-dotenv"))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("API_SECRET", "")
	root := newRootCommand(pslog.NoopLogger(), viper.New())
	root.SetArgs([]string{"token", "--env-file", ""})
	assert.Error(t, root.Execute())
}
