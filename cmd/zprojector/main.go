package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"zprojector/internal/models"
	"zprojector/pkg/config"
	"zprojector/pkg/loader"
	"zprojector/pkg/logging"
	"zprojector/pkg/projection"
	"zprojector/pkg/server"
	"zprojector/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "zprojector.yaml", "Configuration file (.yaml or .toml)")
	inputDir := flag.String("input", "", "Directory containing Z-ordered slice images")
	numLayers := flag.Int("layers", 0, "Initial window half-width")
	mode := flag.String("mode", "", "Projection mode: eager or lazy")
	strategy := flag.String("strategy", "", "Eager strategy: naive or sliding")
	workers := flag.Int("workers", 0, "Goroutines used by eager projection")
	address := flag.String("address", "", "Address the web server listens on")
	debug := flag.Bool("debug", false, "Enable debug logging")
	exportDir := flag.String("export", "", "Write original and projected z-slices as PNGs to this directory and exit")
	writeConfig := flag.String("write-config", "", "Write a default configuration file to this path and exit")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *writeConfig)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Flags given on the command line win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Data.InputDir = *inputDir
		case "layers":
			cfg.Projection.NumLayers = *numLayers
		case "mode":
			cfg.Projection.Mode = *mode
		case "strategy":
			cfg.Projection.Strategy = *strategy
		case "workers":
			cfg.Projection.Workers = *workers
		case "address":
			cfg.Server.Address = *address
		case "debug":
			cfg.Logging.Debug = *debug
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Data.InputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)
	if err := run(cfg, *exportDir, log); err != nil {
		log.WithError(err).Fatal("zprojector failed")
	}
}

func run(cfg *config.Config, exportDir string, log *logrus.Logger) error {
	mode, opts, err := cfg.ProjectionOptions()
	if err != nil {
		return err
	}

	vol, err := loader.LoadStack(cfg.Data.InputDir, loader.Options{
		IntensityScale: cfg.Data.IntensityScale,
		VoxelSize:      cfg.Data.VoxelSize,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	for _, st := range loader.Summarize(vol) {
		log.WithFields(logrus.Fields{
			"channel": st.Channel,
			"min":     st.Min,
			"max":     st.Max,
			"mean":    fmt.Sprintf("%.2f", st.Mean),
			"median":  st.Median,
		}).Debug("Channel statistics")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if exportDir != "" {
		return export(ctx, vol, cfg.Projection.NumLayers, opts, exportDir, log)
	}

	manager := server.NewManager(vol, server.Settings{
		Mode:        mode,
		Options:     opts,
		NumLayers:   cfg.Projection.NumLayers,
		MaxSessions: cfg.Server.MaxSessions,
	}, log)
	srv, err := server.New(manager, server.Options{
		Address:         cfg.Server.Address,
		NeuroglancerURL: cfg.Server.NeuroglancerURL,
		CORSOrigins:     cfg.Server.CORSOrigins,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		VoxelSize:       cfg.Data.VoxelSize,
		Units:           cfg.Data.Units,
		ChunkSize:       cfg.Data.ChunkSize,
	}, log)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// export writes the z-slices of the original and its projection.
func export(ctx context.Context, vol *models.Volume, numLayers int, opts projection.Options, dir string, log *logrus.Logger) error {
	start := time.Now()
	projected, err := projection.ProjectContext(ctx, vol, numLayers, opts)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"numLayers": numLayers,
		"strategy":  opts.Strategy.String(),
		"duration":  time.Since(start).String(),
	}).Info("Projection computed")

	for name, v := range map[string]*models.Volume{"original": vol, "projected": projected} {
		out := filepath.Join(dir, name)
		if err := visualization.NewSliceViewer(v).SaveSliceSequence("z", out); err != nil {
			return fmt.Errorf("failed to save %s slices: %w", name, err)
		}
		log.WithField("dir", out).Info("Saved slices")
	}
	return nil
}
