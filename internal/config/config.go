package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	scfg "github.com/ihippik/config"
	"github.com/sethvargo/go-envconfig"

	"github.com/ihippik/flow-radar/internal/codec"
)

type Config struct {
	Logger     *scfg.Logger `env:",prefix=LOG_"`
	Monitoring scfg.Monitoring
	Radar      Radar `env:",prefix=RADAR_"`
}

// Radar holds the collector and engine settings.
type Radar struct {
	Exporter       string        `env:"EXPORTER"`
	Rotate         time.Duration `env:"ROTATE, default=0s"`
	KeepProcOnExit bool          `env:"KEEP_PROC_ON_EXIT, default=false"`
	FileTableSize  int           `env:"FILE_TABLE_SIZE, default=262144"`
	Codec          string        `env:"CODEC, default=deflate"`
	BPFProg        string        `env:"BPF_PROG, default=./ebpf/radar.o"`
	MetricsAddr    string        `env:"METRICS_ADDR"`
	ContainerOnly  bool          `env:"CONTAINER_ONLY, default=false"`
	QueueSize      int           `env:"QUEUE_SIZE, default=4096"`
}

func InitConfig(ctx context.Context, path string) (*Config, error) {
	var cfg Config

	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}

	if cfg.Radar.Exporter == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("hostname: %w", err)
		}

		cfg.Radar.Exporter = host
	}

	if err := cfg.Radar.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	return &cfg, nil
}

// Validate reports settings the pipeline cannot run with.
func (r *Radar) Validate() error {
	var errs *multierror.Error

	if r.Rotate < 0 {
		errs = multierror.Append(errs, fmt.Errorf("rotate interval must not be negative: %s", r.Rotate))
	}

	if r.FileTableSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("file table size must be positive: %d", r.FileTableSize))
	}

	if r.QueueSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("queue size must be positive: %d", r.QueueSize))
	}

	if !codec.Valid(r.Codec) {
		errs = multierror.Append(errs, fmt.Errorf("unknown codec: %q", r.Codec))
	}

	return errs.ErrorOrNil()
}
