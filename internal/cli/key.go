package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/immutablenpc/npc/signer"
)

// NewKeyCommand creates the key command group.
func NewKeyCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage keystore keys",
		Long: `Manage keys in the keystore (signer.keystore_dir, default ~/.npc/keys).
Each key is a hex seed in <name>.key with mode 0600.`,
	}
	cmd.AddCommand(newKeyInitCommand(opts))
	cmd.AddCommand(newKeyDeriveCommand(opts))
	cmd.AddCommand(newKeyShowCommand(opts))
	cmd.AddCommand(newKeyListCommand(opts))
	return cmd
}

type keyView struct {
	Name      string `json:"name" yaml:"name"`
	PublicKey string `json:"public_key" yaml:"public_key"`
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
}

func (v keyView) text(w io.Writer) {
	fmt.Fprintf(w, "%s\t%s\n", v.Name, v.PublicKey)
}

func newKeyInitCommand(opts *RootOptions) *cobra.Command {
	var (
		keyType string
		seedHex string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Generate a key, or import one from a seed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := opts.keystore()
			if err != nil {
				return err
			}
			if keyType == "" {
				keyType = opts.cfg.Signer.KeyType
			}
			t, err := signer.ParseKeyType(keyType)
			if err != nil {
				return NewExitError(ExitCommandError, err.Error())
			}

			var (
				s    *signer.LocalSigner
				path string
			)
			if seedHex != "" {
				seed, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(seedHex), "0x"))
				if err != nil {
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid --seed-hex: %v", err))
				}
				if s, err = signer.NewFromSeed(t, seed); err != nil {
					return NewExitError(ExitCommandError, err.Error())
				}
				if path, err = ks.Save(args[0], s, force); err != nil {
					return err
				}
			} else if s, path, err = ks.Generate(args[0], t, rand.Reader, force); err != nil {
				return err
			}

			v := keyView{Name: args[0], PublicKey: s.PublicKey().String(), Path: path}
			return opts.emit(cmd, v, v.text)
		},
	}
	cmd.Flags().StringVar(&keyType, "type", "", "ed25519 or dilithium3 (default signer.key_type)")
	cmd.Flags().StringVar(&seedHex, "seed-hex", "", "32-byte seed as 64 hex characters")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	return cmd
}

func newKeyDeriveCommand(opts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "derive <from> <label>",
		Short: "Derive <from>.<label> deterministically from an existing key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := opts.keystore()
			if err != nil {
				return err
			}
			s, path, err := ks.Derive(args[0], args[1], force)
			if err != nil {
				return err
			}
			v := keyView{Name: args[0] + "." + args[1], PublicKey: s.PublicKey().String(), Path: path}
			return opts.emit(cmd, v, v.text)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key")
	return cmd
}

func newKeyShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a key's public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := opts.keystore()
			if err != nil {
				return err
			}
			s, err := ks.Load(args[0])
			if err != nil {
				return err
			}
			v := keyView{Name: args[0], PublicKey: s.PublicKey().String()}
			return opts.emit(cmd, v, func(w io.Writer) { fmt.Fprintln(w, v.PublicKey) })
		},
	}
}

func newKeyListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List keystore keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ks, err := opts.keystore()
			if err != nil {
				return err
			}
			entries, err := ks.List()
			if err != nil {
				return err
			}
			views := make([]keyView, 0, len(entries))
			for _, e := range entries {
				views = append(views, keyView{Name: e.Name, PublicKey: e.PublicKey.String(), Path: e.Path})
			}
			return opts.emit(cmd, views, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tPUBLIC KEY")
				for _, v := range views {
					fmt.Fprintf(tw, "%s\t%s\n", v.Name, v.PublicKey)
				}
				tw.Flush()
			})
		},
	}
}
