package main

import (
	"context"
	"fmt"
	"os"

	"astropipe/internal/cli"
	"astropipe/internal/config"
	iomagick "astropipe/internal/imageio/magick"
	"astropipe/internal/logging"
	"astropipe/internal/pipeline"
	"astropipe/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "astropipe:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if cfg.Tools.Codec != "native" {
		defer iomagick.Init()()
	}

	codec, err := cli.BuildCodec(cfg)
	if err != nil {
		return err
	}
	ops, err := cli.BuildToolkit(cfg, codec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := cli.NewOrchestratorFactory(cfg, codec, ops, log)
	processor := pipeline.NewRouter(log, store, factory, cli.RunTemplate(cfg, log))
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, processor)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx)
}
