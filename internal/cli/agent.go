package cli

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/immutablenpc/npc/signer/agent"
)

// NewSignerAgentCommand creates the signer-agent command.
func NewSignerAgentCommand(opts *RootOptions) *cobra.Command {
	var (
		listen      string
		key         string
		autoApprove bool
	)
	cmd := &cobra.Command{
		Use:   "signer-agent",
		Short: "Serve a keystore key over gRPC, asking before every signature",
		Long: `Serve a keystore key to other personactl processes configured with
signer.mode = "agent". Every signing request is shown on stderr and must be
approved on stdin unless --auto-approve is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = opts.cfg.Signer.Key
			}
			if key == "" {
				return NewExitError(ExitCommandError, "signer-agent needs a keystore key: pass --key or set signer.key")
			}
			ks, err := opts.keystore()
			if err != nil {
				return err
			}
			local, err := ks.Load(key)
			if err != nil {
				return err
			}

			var approver agent.Approver = &agent.Prompt{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}
			if autoApprove {
				approver = agent.AutoApprove
			}

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return WrapExitError(ExitCommandError, "listen", err)
			}
			srv := grpc.NewServer()
			agent.RegisterSigningAgentServer(srv, &agent.Server{Signer: local, Approver: approver, Logger: opts.log})

			go func() {
				<-cmd.Context().Done()
				srv.Stop()
			}()
			fmt.Fprintf(cmd.ErrOrStderr(), "signer-agent listening on %s (key %s)\n", lis.Addr(), local.PublicKey())
			return srv.Serve(lis)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7700", "listen address")
	cmd.Flags().StringVar(&key, "key", "", "keystore key to serve (default signer.key)")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "sign every request without asking")
	return cmd
}
