package grpccas

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/immutablenpc/npc/storage"
	"github.com/immutablenpc/npc/storage/casregistry"
)

var (
	flagTarget      string
	flagDialTimeout time.Duration
	flagTimeout     time.Duration
	flagMaxMsgBytes int
)

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "grpc",
		Description: "gRPC CAS client (talks to a CAS gRPC daemon, e.g. persona-casd)",
		Usage:       casregistry.UsageCLI,
		RegisterFlags: func(fs *flag.FlagSet) {
			fs.StringVar(&flagTarget, "grpc-target", "", "gRPC target host:port (for --backend=grpc)")
			fs.DurationVar(&flagDialTimeout, "grpc-dial-timeout", 5*time.Second, "Dial timeout (for --backend=grpc)")
			fs.DurationVar(&flagTimeout, "grpc-timeout", 0, "Per-RPC timeout (for --backend=grpc)")
			fs.IntVar(&flagMaxMsgBytes, "grpc-max-msg-bytes", 0, "Max gRPC message size in bytes (send+recv); 0 uses grpc defaults")
		},
		Open: func() (storage.CAS, func() error, error) {
			return open(flagTarget, flagDialTimeout, flagTimeout, flagMaxMsgBytes)
		},
		OpenConfig: func(cfg map[string]string) (storage.CAS, func() error, error) {
			dialTimeout, err := durationOr(cfg["grpc-dial-timeout"], 5*time.Second)
			if err != nil {
				return nil, nil, err
			}
			timeout, err := durationOr(cfg["grpc-timeout"], 0)
			if err != nil {
				return nil, nil, err
			}
			maxMsg := 0
			if s := strings.TrimSpace(cfg["grpc-max-msg-bytes"]); s != "" {
				if maxMsg, err = strconv.Atoi(s); err != nil {
					return nil, nil, fmt.Errorf("grpc-max-msg-bytes: %w", err)
				}
			}
			return open(cfg["grpc-target"], dialTimeout, timeout, maxMsg)
		},
	})
}

func open(target string, dialTimeout, timeout time.Duration, maxMsg int) (storage.CAS, func() error, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, nil, fmt.Errorf("missing --grpc-target")
	}
	client, err := Dial(target, DialOptions{Timeout: dialTimeout, MaxMsgBytes: maxMsg})
	if err != nil {
		return nil, nil, err
	}
	client.Timeout = timeout
	return client, client.Close, nil
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
