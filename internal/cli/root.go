// Package cli implements the personactl command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/immutablenpc/npc/config"
	"github.com/immutablenpc/npc/contentstore"
	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/logging"
	"github.com/immutablenpc/npc/persona"
	"github.com/immutablenpc/npc/provision"
	"github.com/immutablenpc/npc/signer"
	"github.com/immutablenpc/npc/signer/agent"
	"github.com/immutablenpc/npc/storage/casregistry"

	_ "github.com/immutablenpc/npc/storage/grpccas"
	_ "github.com/immutablenpc/npc/storage/ipfs"
	_ "github.com/immutablenpc/npc/storage/kubo"
	_ "github.com/immutablenpc/npc/storage/localfs"
	_ "github.com/immutablenpc/npc/storage/memory"
)

// RootOptions holds global flags and the state loaded from them.
type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json" | "yaml"
	Verbose    bool
	Endpoint   string

	cfg *config.Config
	log *slog.Logger
}

// skipConfig marks commands that run without loading the config file.
const skipConfig = "npc.skip-config"

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command for personactl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "personactl",
		Short: "Provision and chat with ledger-backed personas",
		Long: `personactl provisions persona accounts on a permissioned ledger, chats
with them through the content-addressable store, and runs a local dev node.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if cmd.Annotations[skipConfig] != "" {
				return nil
			}
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ~/.npc/config.toml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Endpoint, "endpoint", "", "ledger node URL (overrides ledger.endpoint)")

	cmd.AddCommand(NewDevnodeCommand(opts))
	cmd.AddCommand(NewPersonaCommand(opts))
	cmd.AddCommand(NewChatCommand(opts))
	cmd.AddCommand(NewCASCommand(opts))
	cmd.AddCommand(NewKeyCommand(opts))
	cmd.AddCommand(NewSignerAgentCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if o.Endpoint != "" {
		cfg.Ledger.Endpoint = o.Endpoint
	}
	lc, err := cfg.Logging(cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "logging", err)
	}
	if o.Verbose {
		lc.Level = logging.LevelDebug
	}
	lc.Component = "personactl"
	o.cfg = cfg
	o.log = logging.New(lc)
	return nil
}

// Config returns the loaded configuration.
func (o *RootOptions) Config() *config.Config { return o.cfg }

func (o *RootOptions) ledgerClient() *ledger.Client {
	return ledger.NewClient(ledger.ClientConfig{
		Endpoint: o.cfg.Ledger.Endpoint,
		Timeout:  o.cfg.Ledger.Timeout.Duration,
		Logger:   o.log,
	})
}

// builder returns a builder on client whose resolver knows the persona,
// registry and system schemas.
func (o *RootOptions) builder(client *ledger.Client, signers ...signer.Signer) (*ledger.Builder, error) {
	registry, err := o.cfg.Ledger.RegistryName()
	if err != nil {
		return nil, err
	}
	resolver := ledger.NewResolver(client)
	persona.RegisterABIs(resolver, registry)
	return ledger.NewBuilder(ledger.BuilderConfig{
		Node:       client,
		Resolver:   resolver,
		Signers:    signers,
		Expiration: o.cfg.Ledger.Expiration.Duration,
		Logger:     o.log,
	}), nil
}

func (o *RootOptions) openStore() (*contentstore.Store, func() error, error) {
	cas, closeFn, err := o.cfg.Store.CAS().Open(casregistry.UsageCLI, "")
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "open store", err)
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	store := contentstore.New(cas, contentstore.Options{
		RetryDelay:   o.cfg.Store.RetryDelay.Duration,
		ProbeTimeout: o.cfg.Store.ProbeTimeout.Duration,
		Logger:       o.log,
	})
	return store, closeFn, nil
}

func (o *RootOptions) keystore() (*signer.Keystore, error) {
	return signer.OpenKeystore(o.cfg.Signer.KeystoreDir)
}

// loadSigner loads the named keystore key when name is set, otherwise the
// configured signer: a signing agent, a key file or a keystore entry.
func (o *RootOptions) loadSigner(ctx context.Context, name string) (signer.Signer, func() error, error) {
	noop := func() error { return nil }
	if name != "" {
		ks, err := o.keystore()
		if err != nil {
			return nil, nil, err
		}
		s, err := ks.Load(name)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	}

	sc := o.cfg.Signer
	switch {
	case sc.Mode == config.SignerAgent:
		c, err := agent.Dial(ctx, sc.Agent)
		if err != nil {
			return nil, nil, fmt.Errorf("signing agent %s: %w", sc.Agent, err)
		}
		o.log.Debug("using signing agent", "agent", sc.Agent, "key", c.PublicKey().String())
		return c, c.Close, nil
	case sc.KeyFile != "":
		s, err := signer.LoadPrivateKey(sc.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case sc.Key != "":
		return o.loadSigner(ctx, sc.Key)
	}
	return nil, nil, NewExitError(ExitCommandError, "no signing key configured: set signer.key or pass --key")
}

func (o *RootOptions) openProgress() (*provision.SQLiteProgress, error) {
	path := o.cfg.Provision.ProgressDB
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create progress dir: %w", err)
		}
	}
	return provision.OpenSQLite(path)
}
