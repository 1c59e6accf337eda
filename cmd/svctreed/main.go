package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/svctree/internal/app"
	"github.com/danmuck/svctree/internal/config"
	logs "github.com/danmuck/svctree/internal/logging"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "config file; empty runs with defaults")
	flag.Parse()
	logs.ConfigureRuntime()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "svctreed: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	tree, err := app.Build(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logs.Infof("svctreed start version=%s root=%q", version, tree.Root.FullPath())
	return tree.Run(ctx)
}
