package kubo

import (
	"flag"

	"github.com/immutablenpc/npc/storage"
	"github.com/immutablenpc/npc/storage/casregistry"
)

var flagKuboAPI string

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "kubo",
		Description: "Kubo node over the HTTP RPC API",
		Usage:       casregistry.UsageCLI | casregistry.UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagKuboAPI, "kubo-api", DefaultAPI, "Kubo RPC base URL (for --backend=kubo)")
		},
		Open: func() (storage.CAS, func() error, error) {
			cas, err := New(Options{API: flagKuboAPI})
			return cas, nil, err
		},
		OpenConfig: func(cfg map[string]string) (storage.CAS, func() error, error) {
			cas, err := New(Options{API: cfg["kubo-api"]})
			return cas, nil, err
		},
	})
}
