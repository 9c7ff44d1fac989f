package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/immutablenpc/npc/chat"
	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/logging"
	"github.com/immutablenpc/npc/persona"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ledger.DefaultEndpoint, cfg.Ledger.Endpoint)
	assert.Equal(t, chat.DefaultPollPolicy(), cfg.Chat.PollPolicy())

	reg, err := cfg.Ledger.RegistryName()
	require.NoError(t, err)
	assert.Equal(t, persona.DefaultRegistry, reg)
}

func TestLoad_TOMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "npc.toml", `version = 1

[ledger]
endpoint = "http://node.example:8888"

[chat]
user = "alice"
track = "latest"
poll_interval = "1s"

[[store.backends]]
name = "memory"

[log]
level = "debug"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://node.example:8888", cfg.Ledger.Endpoint)
	assert.Equal(t, 30*time.Second, cfg.Ledger.Timeout.Duration, "unset fields keep defaults")
	assert.Equal(t, time.Second, cfg.Chat.PollInterval.Duration)

	mode, err := cfg.Chat.TrackMode()
	require.NoError(t, err)
	assert.Equal(t, chat.TrackLatest, mode)

	user, err := cfg.Chat.UserName()
	require.NoError(t, err)
	assert.Equal(t, ledger.MustName("alice"), user)

	require.Len(t, cfg.Store.Backends, 1)
	assert.Equal(t, "memory", cfg.Store.Backends[0].Name)
	assert.Empty(t, cfg.Store.Backends[0].Config, "file backends replace the defaults")
}

func TestLoad_JSONAndYAML(t *testing.T) {
	jsonPath := writeFile(t, "npc.json", `{"version":1,"chat":{"track":"each","poll_interval":"2s"},"signer":{"mode":"agent","agent":"127.0.0.1:7700","key_type":"dilithium3"}}`)
	cfg, err := Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Chat.PollInterval.Duration)
	assert.Equal(t, SignerAgent, cfg.Signer.Mode)

	yamlPath := writeFile(t, "npc.yaml", `version: 1
chat:
  poll_max_interval: 45s
  poll_multiplier: 2
provision:
  net_weight: "2.0000 SYS"
`)
	cfg, err = Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Chat.PollMaxInterval.Duration)
	assert.Equal(t, 2.0, cfg.Chat.PollMultiplier)

	policy, err := cfg.Provision.Policy()
	require.NoError(t, err)
	assert.Equal(t, "2.0000 SYS", policy.NetWeight.String())
	assert.Equal(t, "1.0000 SYS", policy.CPUWeight.String())
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeFile(t, "npc.toml", "version = 1\n[ledger]\nendpont = \"http://x:1\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.endpont")
}

func TestLoad_MissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("NPC_LEDGER_ENDPOINT", "http://env.example:9000")
	t.Setenv("NPC_CHAT_USER", "bob")
	path := writeFile(t, "npc.toml", "version = 1\n[ledger]\nendpoint = \"http://file.example:8888\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env.example:9000", cfg.Ledger.Endpoint)
	assert.Equal(t, "bob", cfg.Chat.User)
}

func TestApplyEnv_IgnoresEmpty(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{"NPC_SIGNER_KEY": "persona-key", "NPC_LOG_FORMAT": ""}
	cfg.applyEnv(func(k string) string { return env[k] })
	assert.Equal(t, "persona-key", cfg.Signer.Key)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestValidate_CollectsEveryField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ledger.Endpoint = "ftp://node"
	cfg.Signer.Mode = "hsm"
	cfg.Chat.Track = "sometimes"
	cfg.Chat.PollMultiplier = 0.5
	cfg.Provision.RAMWeight = "lots"
	cfg.Store.WritePolicy = "most"

	err := cfg.Validate()
	require.Error(t, err)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs), "got %T", err)
	for _, field := range []string{"ledger.endpoint", "signer.mode", "chat.track", "chat.poll_multiplier", "provision.policy", "store.backends"} {
		assert.True(t, verrs.Has(field), "missing %s in %v", field, err)
	}
	assert.False(t, verrs.Has("log.level"))
}

func TestValidate_AgentNeedsAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Signer.Mode = SignerAgent
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, err.(ValidationErrors).Has("signer.agent"))

	cfg.Signer.Agent = "127.0.0.1:7700"
	require.NoError(t, cfg.Validate())
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	want := DefaultConfig()
	want.Chat.User = "alice"
	want.Provision.TimeBlock = 7
	require.NoError(t, Save(want, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLogging(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"

	var buf bytes.Buffer
	lc, err := cfg.Logging(&buf)
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)

	logging.New(lc).Debug("hello", slog.String("seed", "abc"))
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.NotContains(t, buf.String(), "abc")
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 1m30s ")))
	assert.Equal(t, 90*time.Second, d.Duration)

	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(b))

	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
