package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	scfg "github.com/ihippik/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ihippik/flow-radar/internal/capture"
	"github.com/ihippik/flow-radar/internal/codec"
	"github.com/ihippik/flow-radar/internal/collector"
	"github.com/ihippik/flow-radar/internal/config"
	"github.com/ihippik/flow-radar/internal/engine"
	"github.com/ihippik/flow-radar/internal/metrics"
	"github.com/ihippik/flow-radar/internal/sink"
)

func main() {
	version := scfg.GetVersion()

	app := &cli.App{
		Name:    "FlowRadar",
		Usage:   "track process, file and flow activity as SysFlow records",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "config.yml",
				Usage: "path to config file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "capture",
				Usage: "capture live activity into rotating avro files",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "write",
						Aliases:  []string{"w"},
						Usage:    "output file, or directory when it ends with /",
						Required: true,
					},
					&cli.DurationFlag{
						Name:    "rotate",
						Aliases: []string{"G"},
						Usage:   "start a new output file every interval",
					},
					&cli.StringFlag{
						Name:    "exporter",
						Aliases: []string{"e"},
						Usage:   "exporter id written into the header",
					},
					&cli.BoolFlag{
						Name:    "container-only",
						Aliases: []string{"c"},
						Usage:   "drop activity of processes outside containers",
					},
					&cli.BoolFlag{
						Name:    "keep-proc-on-exit",
						Aliases: []string{"k"},
						Usage:   "keep exited processes in the process table",
					},
				},
				Action: func(c *cli.Context) error {
					return run(c, version, runCapture)
				},
			},
			{
				Name:      "read",
				Usage:     "read a SysFlow avro file and print correlated records",
				ArgsUsage: "[file]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "read",
						Aliases: []string{"r"},
						Usage:   "input file",
					},
					&cli.StringFlag{
						Name:    "write",
						Aliases: []string{"w"},
						Usage:   "re-encode correlated records to this file instead of printing",
					},
					&cli.StringFlag{
						Name:    "exporter",
						Aliases: []string{"e"},
						Usage:   "exporter id of the re-encoded file, defaults to the input's",
					},
					&cli.DurationFlag{
						Name:    "rotate",
						Aliases: []string{"G"},
						Usage:   "start a new output file every interval of record time",
					},
					&cli.BoolFlag{
						Name:    "keep-proc-on-exit",
						Aliases: []string{"k"},
						Usage:   "keep exited processes in the process table",
					},
					&cli.BoolFlag{
						Name:    "quiet",
						Aliases: []string{"q"},
						Usage:   "do not print container and process records",
					},
				},
				Action: func(c *cli.Context) error {
					return run(c, version, runRead)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type action func(ctx context.Context, c *cli.Context, cfg *config.Config, logger *slog.Logger) error

func run(c *cli.Context, version string, fn action) error {
	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.InitConfig(ctx, c.String("config"))
	if err != nil {
		return fmt.Errorf("get config: %w", err)
	}

	applyFlags(c, &cfg.Radar)

	logger := scfg.InitSlog(cfg.Logger, version, cfg.Monitoring.SentryDSN != "")

	return fn(ctx, c, cfg, logger)
}

// applyFlags lets per-invocation flags override the environment.
func applyFlags(c *cli.Context, r *config.Radar) {
	if c.IsSet("rotate") {
		r.Rotate = c.Duration("rotate")
	}

	if c.IsSet("exporter") {
		r.Exporter = c.String("exporter")
	}

	if c.IsSet("container-only") {
		r.ContainerOnly = c.Bool("container-only")
	}

	if c.IsSet("keep-proc-on-exit") {
		r.KeepProcOnExit = c.Bool("keep-proc-on-exit")
	}
}

func runCapture(ctx context.Context, c *cli.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	coll, err := collector.New(logger, m, collector.Options{
		Exporter:      cfg.Radar.Exporter,
		IP:            hostIP(),
		ContainerOnly: cfg.Radar.ContainerOnly,
		FileCacheSize: cfg.Radar.FileTableSize,
	})
	if err != nil {
		return fmt.Errorf("collector: %w", err)
	}

	eng, corr, err := newEngine(logger, m, cfg, sink.NewRotating(
		logger,
		afero.NewOsFs(),
		c.String("write"),
		cfg.Radar.Rotate,
		sink.WithCodec(cfg.Radar.Codec),
		sink.WithExporter(cfg.Radar.Exporter),
	))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	events := make(chan *collector.Event, cfg.Radar.QueueSize)
	svc := capture.NewService(logger, cfg.Radar.BPFProg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Start(gctx, events)
	})

	g.Go(func() error {
		defer cancel()
		return eng.Run(gctx, collector.NewSource(coll, events, corr))
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				logger.Info("rotation requested")
				eng.RequestRotate()
			}
		}
	})

	if cfg.Radar.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, logger, cfg.Radar.MetricsAddr, reg)
		})
	}

	return g.Wait()
}

func runRead(ctx context.Context, c *cli.Context, cfg *config.Config, logger *slog.Logger) error {
	path := c.String("read")
	if path == "" {
		path = c.Args().First()
	}

	if path == "" {
		return errors.New("no input file")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	dec, err := codec.NewDecoder(f)
	if err != nil {
		return fmt.Errorf("decoder: %w", err)
	}

	var out engine.Sink = sink.NewPrinter(os.Stdout, c.Bool("quiet"))

	if w := c.String("write"); w != "" {
		exporter := dec.Exporter()
		if c.IsSet("exporter") || exporter == "" {
			exporter = cfg.Radar.Exporter
		}

		out = sink.NewRotating(
			logger,
			afero.NewOsFs(),
			w,
			cfg.Radar.Rotate,
			sink.WithCodec(cfg.Radar.Codec),
			sink.WithExporter(exporter),
		)
	}

	eng, _, err := newEngine(logger, metrics.New(prometheus.NewRegistry()), cfg, out)
	if err != nil {
		return err
	}

	start := time.Now()

	if err := eng.Run(ctx, dec); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	logger.Debug("file read", slog.String("path", path), slog.Duration("elapsed", time.Since(start)))

	return nil
}

func newEngine(logger *slog.Logger, m *metrics.Metrics, cfg *config.Config, out engine.Sink) (*engine.Engine, *engine.Correlator, error) {
	corr, err := engine.NewCorrelator(logger, m, engine.Options{
		KeepProcOnExit: cfg.Radar.KeepProcOnExit,
		FileTableSize:  cfg.Radar.FileTableSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("correlator: %w", err)
	}

	return engine.New(logger, m, corr, out), corr, nil
}

// hostIP returns the first non-loopback IPv4 address of the host.
func hostIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}

	return ""
}
