package ipfs

import (
	"flag"
	"strings"

	"github.com/immutablenpc/npc/storage"
	"github.com/immutablenpc/npc/storage/casregistry"
)

var (
	flagIPFSBin  string
	flagIPFSPath string
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "ipfs",
		Description: "Local Kubo repository through the ipfs CLI",
		Usage:       casregistry.UsageCLI | casregistry.UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagIPFSBin, "ipfs-bin", "ipfs", "Path to the ipfs binary (for --backend=ipfs)")
			fs.StringVar(&flagIPFSPath, "ipfs-path", "", "IPFS_PATH override (for --backend=ipfs)")
		},
		Open: func() (storage.CAS, func() error, error) {
			return New(options(flagIPFSBin, flagIPFSPath)), nil, nil
		},
		OpenConfig: func(cfg map[string]string) (storage.CAS, func() error, error) {
			return New(options(cfg["ipfs-bin"], cfg["ipfs-path"])), nil, nil
		},
	})
}

func options(bin, repo string) Options {
	opts := Options{Bin: strings.TrimSpace(bin)}
	if repo = strings.TrimSpace(repo); repo != "" {
		opts.Env = []string{"IPFS_PATH=" + repo}
	}
	return opts
}
