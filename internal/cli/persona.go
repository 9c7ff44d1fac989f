package cli

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/persona"
	"github.com/immutablenpc/npc/provision"
	"github.com/immutablenpc/npc/signer"
)

// PersonaOptions holds flags shared by the persona subcommands.
type PersonaOptions struct {
	*RootOptions
	OwnerKey string
	Sponsor  string
}

// NewPersonaCommand creates the persona command group.
func NewPersonaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PersonaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "persona",
		Short: "Provision and manage persona accounts",
	}
	cmd.PersistentFlags().StringVar(&opts.Sponsor, "sponsor-key", "", "keystore key for the creator, policy issuer and registry (default: configured signer)")

	cmd.AddCommand(newPersonaCreateCommand(opts))
	cmd.AddCommand(newPersonaResumeCommand(opts))
	cmd.AddCommand(newPersonaAbandonCommand(opts))
	cmd.AddCommand(newPersonaListCommand(opts))
	return cmd
}

type stepView struct {
	Step        string `json:"step" yaml:"step"`
	Transaction string `json:"transaction,omitempty" yaml:"transaction,omitempty"`
	BlockNum    uint32 `json:"block_num,omitempty" yaml:"block_num,omitempty"`
	Skipped     bool   `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

type provisionView struct {
	Account         string     `json:"account" yaml:"account"`
	InitialStateCID string     `json:"initial_state_cid" yaml:"initial_state_cid"`
	AvatarCID       string     `json:"avatar_cid,omitempty" yaml:"avatar_cid,omitempty"`
	Steps           []stepView `json:"steps" yaml:"steps"`
}

func newProvisionView(res *provision.Result) provisionView {
	v := provisionView{
		Account:         res.Account.String(),
		InitialStateCID: res.InitialStateCID,
		AvatarCID:       res.AvatarCID,
		Steps:           []stepView{},
	}
	for _, s := range res.Steps {
		sv := stepView{Step: s.Step.String(), Skipped: s.Skipped}
		if !s.Skipped {
			sv.Transaction = s.Transaction.ID.String()
			sv.BlockNum = s.Transaction.BlockNum
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}

func (v provisionView) text(w io.Writer) {
	fmt.Fprintf(w, "persona %s\n", v.Account)
	fmt.Fprintf(w, "  initial state: %s\n", v.InitialStateCID)
	if v.AvatarCID != "" {
		fmt.Fprintf(w, "  avatar:        %s\n", v.AvatarCID)
	}
	for _, s := range v.Steps {
		if s.Skipped {
			fmt.Fprintf(w, "  %-16s already on ledger\n", s.Step)
			continue
		}
		fmt.Fprintf(w, "  %-16s trx %s block %d\n", s.Step, s.Transaction, s.BlockNum)
	}
}

// workflowFor opens everything a provisioning workflow needs. The returned
// func releases it.
func (o *PersonaOptions) workflowFor(ctx context.Context, owner signer.Signer, avatar string) (*provision.Workflow, func(), error) {
	var closers []func() error
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}
	fail := func(err error) (*provision.Workflow, func(), error) {
		release()
		return nil, nil, err
	}

	sponsor, closeSponsor, err := o.loadSigner(ctx, o.Sponsor)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeSponsor)

	store, closeStore, err := o.openStore()
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStore)

	progress, err := o.openProgress()
	if err != nil {
		return fail(err)
	}
	closers = append(closers, progress.Close)

	client := o.ledgerClient()
	b, err := o.builder(client, sponsor)
	if err != nil {
		return fail(err)
	}
	creator, err := o.cfg.Provision.CreatorName()
	if err != nil {
		return fail(err)
	}
	registry, err := o.cfg.Ledger.RegistryName()
	if err != nil {
		return fail(err)
	}
	policy, err := o.cfg.Provision.Policy()
	if err != nil {
		return fail(err)
	}

	cfg := provision.Config{
		Ledger:   client,
		Sponsor:  b,
		Owner:    owner,
		Store:    store,
		Progress: progress,
		Creator:  creator,
		Registry: registry,
		Policy:   &policy,
		Logger:   o.log,
	}
	if avatar != "" {
		cfg.Images = provision.ImageGeneratorFunc(func(context.Context, string, string) ([]byte, error) {
			return os.ReadFile(avatar)
		})
	}
	w, err := provision.New(cfg)
	if err != nil {
		return fail(err)
	}
	return w, release, nil
}

// ownerSigner loads the owner key, generating it when asked to.
func (o *PersonaOptions) ownerSigner(generate bool) (signer.Signer, error) {
	if o.OwnerKey == "" {
		return nil, NewExitError(ExitCommandError, "--owner-key is required")
	}
	ks, err := o.keystore()
	if err != nil {
		return nil, err
	}
	s, err := ks.Load(o.OwnerKey)
	switch {
	case err == nil:
		return s, nil
	case !generate || !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}
	t, err := signer.ParseKeyType(o.cfg.Signer.KeyType)
	if err != nil {
		return nil, err
	}
	s, path, err := ks.Generate(o.OwnerKey, t, rand.Reader, false)
	if err != nil {
		return nil, err
	}
	o.log.Info("generated owner key", "name", o.OwnerKey, "path", path, "key", s.PublicKey().String())
	return s, nil
}

func newPersonaCreateCommand(opts *PersonaOptions) *cobra.Command {
	var (
		req      provision.Request
		avatar   string
		generate bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a new persona",
		Long: `Provision a new persona: create the account, deploy the persona contract,
grant the resource policy, register it and record its initial state.

A failure part way leaves a progress record; continue it with
"persona resume" or undo what can be undone with "persona abandon".

Example:
  personactl persona create --name zeta12345 --owner-key zeta --generate-owner \
    --backstory "A lighthouse keeper" --trait patient --trait wry`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := opts.ownerSigner(generate)
			if err != nil {
				return err
			}
			w, release, err := opts.workflowFor(cmd.Context(), owner, avatar)
			if err != nil {
				return err
			}
			defer release()

			res, err := w.Provision(cmd.Context(), req)
			if err != nil {
				return err
			}
			v := newProvisionView(res)
			return opts.emit(cmd, v, v.text)
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "persona base name, 9 characters of a-z1-5 (default: generated)")
	cmd.Flags().StringVar(&req.Backstory, "backstory", "", "persona backstory")
	cmd.Flags().StringArrayVar(&req.Traits, "trait", nil, "persona trait (repeatable)")
	cmd.Flags().StringVar(&avatar, "avatar", "", "avatar image file")
	cmd.Flags().StringVar(&opts.OwnerKey, "owner-key", "", "keystore key that will own the persona")
	cmd.Flags().BoolVar(&generate, "generate-owner", false, "generate the owner key when it does not exist")
	return cmd
}

func newPersonaResumeCommand(opts *PersonaOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <account>",
		Short: "Continue an interrupted provisioning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := persona.Account(args[0])
			if err != nil {
				return err
			}
			owner, err := opts.ownerSigner(false)
			if err != nil {
				return err
			}
			w, release, err := opts.workflowFor(cmd.Context(), owner, "")
			if err != nil {
				return err
			}
			defer release()

			res, err := w.Resume(cmd.Context(), account)
			if err != nil {
				return err
			}
			v := newProvisionView(res)
			return opts.emit(cmd, v, v.text)
		},
	}
	cmd.Flags().StringVar(&opts.OwnerKey, "owner-key", "", "keystore key that owns the persona")
	return cmd
}

func newPersonaAbandonCommand(opts *PersonaOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abandon <account>",
		Short: "Unregister a partially provisioned persona and drop its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := persona.Account(args[0])
			if err != nil {
				return err
			}
			owner, err := opts.ownerSigner(false)
			if err != nil {
				return err
			}
			w, release, err := opts.workflowFor(cmd.Context(), owner, "")
			if err != nil {
				return err
			}
			defer release()

			c, err := w.Compensate(cmd.Context(), account)
			if err != nil {
				return err
			}
			view := struct {
				Account        string `json:"account" yaml:"account"`
				Unregistered   bool   `json:"unregistered" yaml:"unregistered"`
				AccountRemains bool   `json:"account_remains" yaml:"account_remains"`
			}{c.Account.String(), c.Unregistered, c.AccountRemains}
			return opts.emit(cmd, view, func(w io.Writer) {
				fmt.Fprintf(w, "abandoned %s", view.Account)
				if view.Unregistered {
					fmt.Fprint(w, ", removed from registry")
				}
				if view.AccountRemains {
					fmt.Fprint(w, ", ledger account remains")
				}
				fmt.Fprintln(w)
			})
		},
	}
	cmd.Flags().StringVar(&opts.OwnerKey, "owner-key", "", "keystore key that owns the persona")
	return cmd
}

func newPersonaListCommand(opts *PersonaOptions) *cobra.Command {
	var onLedger bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List provisioning records, or registered personas with --ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if onLedger {
				return listRegistry(cmd, opts.RootOptions)
			}
			progress, err := opts.openProgress()
			if err != nil {
				return err
			}
			defer progress.Close()
			list, err := progress.List(cmd.Context())
			if err != nil {
				return err
			}
			if list == nil {
				list = []provision.Progress{}
			}
			return opts.emit(cmd, list, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ACCOUNT\tCOMPLETED\tSTATUS\tUPDATED\tERROR")
				for _, p := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Account, p.Completed, p.Status, p.UpdatedAt.Format("2006-01-02 15:04:05"), p.LastError)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&onLedger, "ledger", false, "list the registry table instead of local progress")
	return cmd
}

func listRegistry(cmd *cobra.Command, opts *RootOptions) error {
	registry, err := opts.cfg.Ledger.RegistryName()
	if err != nil {
		return err
	}
	client := opts.ledgerClient()
	rows := []persona.RegistryRow{}
	q := ledger.TableQuery{Code: registry, Scope: registry.String(), Table: persona.TablePersonas}
	for {
		page, err := client.GetTableRows(cmd.Context(), q)
		if err != nil {
			return err
		}
		var batch []persona.RegistryRow
		if err := page.Decode(&batch); err != nil {
			return err
		}
		rows = append(rows, batch...)
		if !page.More || page.NextKey == "" || page.NextKey == q.LowerBound {
			break
		}
		q.LowerBound = page.NextKey
	}
	return opts.emit(cmd, rows, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PERSONA\tINITIAL STATE")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\n", r.PersonaName, r.InitialStateCID)
		}
		tw.Flush()
	})
}
