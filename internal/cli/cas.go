package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/ipfs/go-cid"
	"github.com/spf13/cobra"

	"github.com/immutablenpc/npc/storage/bundle"
)

// NewCASCommand creates the cas command group.
func NewCASCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cas",
		Short: "Read and write the content-addressable store",
	}
	cmd.AddCommand(newCASPutCommand(opts))
	cmd.AddCommand(newCASGetCommand(opts))
	cmd.AddCommand(newCASExportCommand(opts))
	cmd.AddCommand(newCASImportCommand(opts))
	return cmd
}

type putView struct {
	Source string `json:"source" yaml:"source"`
	CID    string `json:"cid" yaml:"cid"`
	Size   int    `json:"size" yaml:"size"`
}

func readSource(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func newCASPutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <file|-> [file...]",
		Short: "Store files and print their CIDs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			views := make([]putView, 0, len(args))
			for _, path := range args {
				data, err := readSource(cmd, path)
				if err != nil {
					return err
				}
				id, err := store.Put(cmd.Context(), data)
				if err != nil {
					return fmt.Errorf("put %s: %w", path, err)
				}
				views = append(views, putView{Source: path, CID: id.String(), Size: len(data)})
			}
			return opts.emit(cmd, views, func(w io.Writer) {
				for _, v := range views {
					fmt.Fprintf(w, "%s\t%s\n", v.CID, v.Source)
				}
			})
		},
	}
}

func newCASGetCommand(opts *RootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "get <cid>",
		Short: "Fetch an object and write its bytes",
		Long: `Fetch an object by CID. The raw bytes go to stdout, or to --out; the
output format flag does not apply.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			data, err := store.GetString(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	return cmd
}

func parseCIDs(args []string) ([]cid.Cid, error) {
	ids := make([]cid.Cid, 0, len(args))
	for _, a := range args {
		id, err := cid.Decode(a)
		if err != nil {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid CID %q: %v", a, err))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func newCASExportCommand(opts *RootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <cid> [cid...]",
		Short: "Write objects to a deterministic TAR bundle",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseCIDs(args)
			if err != nil {
				return err
			}
			if out == "" {
				return NewExitError(ExitCommandError, "--out is required")
			}
			store, closeStore, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := bundle.Export(cmd.Context(), f, store.Backend(), ids, bundle.ExportOptions{IncludeIndex: true}); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			view := struct {
				Bundle  string `json:"bundle" yaml:"bundle"`
				Objects int    `json:"objects" yaml:"objects"`
			}{out, len(ids)}
			return opts.emit(cmd, view, func(w io.Writer) { fmt.Fprintf(w, "exported %d object(s) to %s\n", len(ids), out) })
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "bundle file to write")
	return cmd
}

func newCASImportCommand(opts *RootOptions) *cobra.Command {
	var ignoreUnknown bool
	cmd := &cobra.Command{
		Use:   "import <bundle>",
		Short: "Import every object of a TAR bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			res, err := bundle.ImportWithOptions(cmd.Context(), f, store.Backend(), bundle.ImportOptions{IgnoreUnknown: ignoreUnknown})
			if err != nil {
				return err
			}
			imported := make([]string, 0, len(res.Imported))
			for _, id := range res.Imported {
				imported = append(imported, id.String())
			}
			return opts.emit(cmd, imported, func(w io.Writer) {
				for _, id := range imported {
					fmt.Fprintln(w, id)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&ignoreUnknown, "ignore-unknown", false, "skip unknown entries instead of failing")
	return cmd
}
