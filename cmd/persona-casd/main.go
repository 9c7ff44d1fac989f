package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/immutablenpc/npc/config"
	"github.com/immutablenpc/npc/logging"
	"github.com/immutablenpc/npc/storage"
	"github.com/immutablenpc/npc/storage/casregistry"
	"github.com/immutablenpc/npc/storage/grpccas"

	_ "github.com/immutablenpc/npc/storage/ipfs"
	_ "github.com/immutablenpc/npc/storage/kubo"
	_ "github.com/immutablenpc/npc/storage/localfs"
	_ "github.com/immutablenpc/npc/storage/memory"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("persona-casd", pflag.ContinueOnError)
	listen := fs.String("listen", "127.0.0.1:7777", "listen address")
	backend := fs.String("backend", "", "CAS backend name; empty uses the [store] section of --config")
	configPath := fs.String("config", "", "config file (default ~/.npc/config.toml)")
	listBackends := fs.Bool("list-backends", false, "List supported backends and exit")

	goFlags := flag.NewFlagSet("backends", flag.ContinueOnError)
	casregistry.RegisterFlags(goFlags, casregistry.UsageDaemon)
	fs.AddGoFlagSet(goFlags)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *listBackends {
		for _, b := range casregistry.List(casregistry.UsageDaemon) {
			if b.Description == "" {
				fmt.Fprintf(os.Stdout, "%s\n", b.Name)
				continue
			}
			fmt.Fprintf(os.Stdout, "%s\t%s\n", b.Name, b.Description)
		}
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	lc, err := cfg.Logging(os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	lc.Component = "persona-casd"
	log := logging.New(lc)

	var (
		cas     storage.CAS
		closeFn func() error
		source  string
	)
	if *backend != "" {
		cas, closeFn, err = casregistry.Open(*backend, casregistry.UsageDaemon)
		source = *backend
	} else {
		cas, closeFn, err = cfg.Store.CAS().Open(casregistry.UsageDaemon, "")
		source = "config"
	}
	if err != nil {
		log.Error("open backend", "backend", source, "err", err)
		return 2
	}
	if closeFn != nil {
		defer closeFn()
	}

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Error("listen", "addr", *listen, "err", err)
		return 1
	}

	s := grpc.NewServer()
	grpccas.RegisterCASServer(s, &grpccas.Server{CAS: cas, Logger: log})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	log.Info("persona-casd listening", "addr", lis.Addr().String(), "backend", source)
	if err := s.Serve(lis); err != nil {
		log.Error("serve", "err", err)
		return 1
	}
	return 0
}
