package memory

import (
	"flag"
	"strings"
	"time"

	"github.com/immutablenpc/npc/storage"
	"github.com/immutablenpc/npc/storage/casregistry"
)

var flagPropagationDelay time.Duration

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "memory",
		Description: "In-process CAS (lost on exit; optional simulated propagation delay)",
		Usage:       casregistry.UsageCLI | casregistry.UsageDaemon,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.DurationVar(&flagPropagationDelay, "memory-propagation-delay", 0, "Hide new objects for this long (for --backend=memory)")
		},
		Open: func() (storage.CAS, func() error, error) {
			return New(Options{PropagationDelay: flagPropagationDelay}), nil, nil
		},
		OpenConfig: func(cfg map[string]string) (storage.CAS, func() error, error) {
			var delay time.Duration
			if s := strings.TrimSpace(cfg["memory-propagation-delay"]); s != "" {
				d, err := time.ParseDuration(s)
				if err != nil {
					return nil, nil, err
				}
				delay = d
			}
			return New(Options{PropagationDelay: delay}), nil, nil
		},
	})
}
