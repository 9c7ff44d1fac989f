package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/immutablenpc/npc/devchain"
)

// DevnodeOptions holds flags for the devnode command.
type DevnodeOptions struct {
	*RootOptions
	Listen string
	Key    string
}

// NewDevnodeCommand creates the devnode command.
func NewDevnodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DevnodeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "devnode",
		Short: "Run an in-memory ledger node for development",
		Long: `Run an in-memory ledger node serving the /v1/chain RPC surface.

The node starts with sysio, sysio.roa and the persona registry, all
controlled by the given keystore key. State is lost on exit.

Example:
  personactl key init sysio
  personactl devnode --key sysio --listen 127.0.0.1:8888`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevnode(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "127.0.0.1:8888", "listen address")
	cmd.Flags().StringVar(&opts.Key, "key", "", "keystore key controlling the system accounts (default signer.key)")

	return cmd
}

func runDevnode(cmd *cobra.Command, opts *DevnodeOptions) error {
	name := opts.Key
	if name == "" {
		name = opts.cfg.Signer.Key
	}
	if name == "" {
		return NewExitError(ExitCommandError, "devnode needs a keystore key: pass --key or set signer.key")
	}
	ks, err := opts.keystore()
	if err != nil {
		return err
	}
	sys, err := ks.Load(name)
	if err != nil {
		return WrapExitError(ExitCommandError, "load system key", err)
	}
	registry, err := opts.cfg.Ledger.RegistryName()
	if err != nil {
		return err
	}

	chain, err := devchain.New(devchain.Config{
		SystemKey: sys.PublicKey(),
		Registry:  registry,
		Logger:    opts.log,
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	lis, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "listen", err)
	}
	srv := &http.Server{
		Handler:           devchain.NewRouter(&devchain.Handler{Chain: chain, Logger: opts.log}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "devnode listening on http://%s (chain %s, registry %s, system key %s)\n",
		lis.Addr(), chain.ChainID(), chain.Registry(), sys.PublicKey())

	ctx := cmd.Context()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	opts.log.Info("devnode shutting down", "head", chain.Head())
	return srv.Shutdown(shutdownCtx)
}
