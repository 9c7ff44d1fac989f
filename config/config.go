// Package config handles configuration loading and validation for the npc
// tools.
//
// The file is TOML by default; JSON and YAML files with the same shape are
// accepted by extension. Environment variables prefixed NPC_ override a
// handful of fields after the file is read.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/immutablenpc/npc/chat"
	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/logging"
	"github.com/immutablenpc/npc/persona"
	"github.com/immutablenpc/npc/provision"
	"github.com/immutablenpc/npc/storage/casconfig"
)

// Version is the current configuration format version.
const Version = 1

// Config is the whole configuration file.
type Config struct {
	Version   int             `toml:"version" json:"version" yaml:"version"`
	Ledger    LedgerConfig    `toml:"ledger" json:"ledger" yaml:"ledger"`
	Signer    SignerConfig    `toml:"signer" json:"signer" yaml:"signer"`
	Store     StoreConfig     `toml:"store" json:"store" yaml:"store"`
	Chat      ChatConfig      `toml:"chat" json:"chat" yaml:"chat"`
	Provision ProvisionConfig `toml:"provision" json:"provision" yaml:"provision"`
	Log       LogConfig       `toml:"log" json:"log" yaml:"log"`
}

// LedgerConfig points at the ledger node.
type LedgerConfig struct {
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`
	// Timeout bounds each RPC.
	Timeout Duration `toml:"timeout" json:"timeout" yaml:"timeout"`
	// Expiration is how long built transactions stay valid.
	Expiration Duration `toml:"expiration" json:"expiration" yaml:"expiration"`
	// Registry is the persona registry account.
	Registry string `toml:"registry" json:"registry" yaml:"registry"`
}

// Signer modes.
const (
	SignerLocal = "local"
	SignerAgent = "agent"
)

// SignerConfig selects where signatures come from.
type SignerConfig struct {
	// Mode is "local" (keystore or key file) or "agent" (signing agent).
	Mode        string `toml:"mode" json:"mode" yaml:"mode"`
	KeystoreDir string `toml:"keystore_dir" json:"keystore_dir,omitempty" yaml:"keystore_dir,omitempty"`
	// Key names a keystore entry.
	Key string `toml:"key" json:"key,omitempty" yaml:"key,omitempty"`
	// KeyFile is a key file path; it wins over Key.
	KeyFile string `toml:"key_file" json:"key_file,omitempty" yaml:"key_file,omitempty"`
	// Agent is the signing agent's gRPC address.
	Agent string `toml:"agent" json:"agent,omitempty" yaml:"agent,omitempty"`
	// KeyType is used when generating keys: ed25519 or dilithium3.
	KeyType string `toml:"key_type" json:"key_type" yaml:"key_type"`
}

// StoreConfig configures the content store and its CAS backends.
type StoreConfig struct {
	RetryDelay   Duration                  `toml:"retry_delay" json:"retry_delay" yaml:"retry_delay"`
	ProbeTimeout Duration                  `toml:"probe_timeout" json:"probe_timeout" yaml:"probe_timeout"`
	WritePolicy  string                    `toml:"write_policy" json:"write_policy,omitempty" yaml:"write_policy,omitempty"`
	Backends     []casconfig.BackendConfig `toml:"backends" json:"backends" yaml:"backends"`
}

// ChatConfig holds defaults for chat sessions.
type ChatConfig struct {
	// User is the account chatting with personas.
	User string `toml:"user" json:"user,omitempty" yaml:"user,omitempty"`
	// Track is "each" or "latest".
	Track           string   `toml:"track" json:"track" yaml:"track"`
	PollInterval    Duration `toml:"poll_interval" json:"poll_interval" yaml:"poll_interval"`
	PollMultiplier  float64  `toml:"poll_multiplier" json:"poll_multiplier" yaml:"poll_multiplier"`
	PollMaxInterval Duration `toml:"poll_max_interval" json:"poll_max_interval" yaml:"poll_max_interval"`
	PollMaxAttempts int      `toml:"poll_max_attempts" json:"poll_max_attempts" yaml:"poll_max_attempts"`
	PollMaxErrors   int      `toml:"poll_max_errors" json:"poll_max_errors" yaml:"poll_max_errors"`
}

// ProvisionConfig configures persona provisioning.
type ProvisionConfig struct {
	// ProgressDB is the SQLite progress database.
	ProgressDB   string `toml:"progress_db" json:"progress_db" yaml:"progress_db"`
	Creator      string `toml:"creator" json:"creator" yaml:"creator"`
	PolicyIssuer string `toml:"policy_issuer" json:"policy_issuer" yaml:"policy_issuer"`
	NetWeight    string `toml:"net_weight" json:"net_weight" yaml:"net_weight"`
	CPUWeight    string `toml:"cpu_weight" json:"cpu_weight" yaml:"cpu_weight"`
	RAMWeight    string `toml:"ram_weight" json:"ram_weight" yaml:"ram_weight"`
	TimeBlock    uint64 `toml:"time_block" json:"time_block" yaml:"time_block"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `toml:"level" json:"level" yaml:"level"`
	Format string `toml:"format" json:"format" yaml:"format"`
	Source bool   `toml:"source" json:"source,omitempty" yaml:"source,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("3s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// Dir returns ~/.npc.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".npc"
	}
	return filepath.Join(home, ".npc")
}

// DefaultPath returns ~/.npc/config.toml.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.toml")
}

// DefaultConfig returns a configuration for a local dev node with a local
// filesystem store under ~/.npc.
func DefaultConfig() *Config {
	dir := Dir()
	poll := chat.DefaultPollPolicy()
	policy := provision.DefaultPolicy()
	return &Config{
		Version: Version,
		Ledger: LedgerConfig{
			Endpoint:   ledger.DefaultEndpoint,
			Timeout:    Duration{30 * time.Second},
			Expiration: Duration{ledger.DefaultExpiration},
			Registry:   persona.DefaultRegistry.String(),
		},
		Signer: SignerConfig{
			Mode:        SignerLocal,
			KeystoreDir: filepath.Join(dir, "keys"),
			KeyType:     "ed25519",
		},
		Store: StoreConfig{
			RetryDelay:   Duration{500 * time.Millisecond},
			ProbeTimeout: Duration{5 * time.Second},
			WritePolicy:  "first",
			Backends: []casconfig.BackendConfig{{
				Name:   "localfs",
				Config: map[string]string{"localfs-dir": filepath.Join(dir, "cas")},
			}},
		},
		Chat: ChatConfig{
			Track:           "each",
			PollInterval:    Duration{poll.Interval},
			PollMultiplier:  poll.Multiplier,
			PollMaxInterval: Duration{poll.MaxInterval},
			PollMaxAttempts: poll.MaxAttempts,
			PollMaxErrors:   poll.MaxErrors,
		},
		Provision: ProvisionConfig{
			ProgressDB:   filepath.Join(dir, "provision.db"),
			Creator:      persona.SystemAccount.String(),
			PolicyIssuer: policy.Issuer.String(),
			NetWeight:    policy.NetWeight.String(),
			CPUWeight:    policy.CPUWeight.String(),
			RAMWeight:    policy.RAMWeight.String(),
			TimeBlock:    policy.TimeBlock,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path means DefaultPath, which may be
// missing.
func Load(path string) (*Config, error) {
	optional := path == ""
	if optional {
		path = DefaultPath()
	}
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err != nil && optional && os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		// Backends in the file replace the default list rather than merging
		// into it.
		defaults := cfg.Store.Backends
		cfg.Store.Backends = nil
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
		if len(cfg.Store.Backends) == 0 {
			cfg.Store.Backends = defaults
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return fmt.Errorf("config: unknown keys: %s", strings.Join(keys, ", "))
		}
	}
	return nil
}

// Save writes cfg to path as TOML, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	var buf bytes.Buffer
	if err := cfg.Encode(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// Encode writes cfg as TOML.
func (c *Config) Encode(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	return nil
}

// ApplyEnvOverrides applies NPC_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnv(os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Ledger.Endpoint, "NPC_LEDGER_ENDPOINT")
	set(&c.Ledger.Registry, "NPC_LEDGER_REGISTRY")
	set(&c.Signer.Mode, "NPC_SIGNER_MODE")
	set(&c.Signer.Key, "NPC_SIGNER_KEY")
	set(&c.Signer.KeyFile, "NPC_SIGNER_KEY_FILE")
	set(&c.Signer.Agent, "NPC_SIGNER_AGENT")
	set(&c.Chat.User, "NPC_CHAT_USER")
	set(&c.Provision.ProgressDB, "NPC_PROGRESS_DB")
	set(&c.Log.Level, "NPC_LOG_LEVEL")
	set(&c.Log.Format, "NPC_LOG_FORMAT")
}

// Logging returns the logger configuration, writing to w.
func (c *Config) Logging(w io.Writer) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return logging.Config{}, err
	}
	format, err := logging.ParseFormat(c.Log.Format)
	if err != nil {
		return logging.Config{}, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.AddSource = c.Log.Source
	if w != nil {
		lc.Output = w
	}
	return lc, nil
}

// CAS returns the backend configuration of the store.
func (s StoreConfig) CAS() casconfig.Config {
	return casconfig.Config{WritePolicy: s.WritePolicy, Backends: s.Backends}
}

// RegistryName parses the registry account.
func (l LedgerConfig) RegistryName() (ledger.Name, error) {
	if l.Registry == "" {
		return persona.DefaultRegistry, nil
	}
	return ledger.ParseName(l.Registry)
}

// PollPolicy returns the chat poll policy.
func (c ChatConfig) PollPolicy() chat.PollPolicy {
	return chat.PollPolicy{
		Interval:    c.PollInterval.Duration,
		Multiplier:  c.PollMultiplier,
		MaxInterval: c.PollMaxInterval.Duration,
		MaxAttempts: c.PollMaxAttempts,
		MaxErrors:   c.PollMaxErrors,
	}
}

// TrackMode parses Track.
func (c ChatConfig) TrackMode() (chat.TrackMode, error) {
	return chat.ParseTrackMode(c.Track)
}

// UserName parses User.
func (c ChatConfig) UserName() (ledger.Name, error) {
	if c.User == "" {
		return 0, fmt.Errorf("config: chat.user is not set")
	}
	return ledger.ParseName(c.User)
}

// CreatorName parses Creator, defaulting to the system account.
func (p ProvisionConfig) CreatorName() (ledger.Name, error) {
	if p.Creator == "" {
		return persona.SystemAccount, nil
	}
	return ledger.ParseName(p.Creator)
}

// Policy builds the resource policy granted to new personas. Empty fields
// keep provision.DefaultPolicy values.
func (p ProvisionConfig) Policy() (provision.Policy, error) {
	policy := provision.DefaultPolicy()
	if p.PolicyIssuer != "" {
		issuer, err := ledger.ParseName(p.PolicyIssuer)
		if err != nil {
			return policy, fmt.Errorf("policy_issuer: %w", err)
		}
		policy.Issuer = issuer
	}
	for _, w := range []struct {
		field string
		raw   string
		dst   *ledger.Asset
	}{
		{"net_weight", p.NetWeight, &policy.NetWeight},
		{"cpu_weight", p.CPUWeight, &policy.CPUWeight},
		{"ram_weight", p.RAMWeight, &policy.RAMWeight},
	} {
		if w.raw == "" {
			continue
		}
		a, err := ledger.ParseAsset(w.raw)
		if err != nil {
			return policy, fmt.Errorf("%s: %w", w.field, err)
		}
		*w.dst = a
	}
	if p.TimeBlock != 0 {
		policy.TimeBlock = p.TimeBlock
	}
	return policy, nil
}
