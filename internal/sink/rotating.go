package sink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/ihippik/flow-radar/internal/codec"
	"github.com/ihippik/flow-radar/internal/engine"
)

// Rotating writes the record stream into Avro container files. With a
// non-zero interval a new unit is opened whenever the record clock moves
// past the interval.
type Rotating struct {
	log      *slog.Logger
	fs       afero.Fs
	base     string
	interval int64
	codec    string
	exporter string
	now      func() time.Time

	file  afero.File
	enc   *codec.Encoder
	start int64
	units []string
}

type Option func(*Rotating)

func WithCodec(name string) Option {
	return func(r *Rotating) { r.codec = name }
}

func WithExporter(id string) Option {
	return func(r *Rotating) { r.exporter = id }
}

func WithClock(now func() time.Time) Option {
	return func(r *Rotating) { r.now = now }
}

// NewRotating creates the sink. A base ending with a path separator is a
// directory and units are named by epoch; otherwise the epoch is appended
// when rotation is enabled.
func NewRotating(log *slog.Logger, fs afero.Fs, base string, interval time.Duration, opts ...Option) *Rotating {
	r := &Rotating{
		log:      log,
		fs:       fs,
		base:     base,
		interval: int64(interval),
		codec:    codec.Deflate,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Due reports whether the record clock ts requires a new unit. The first
// unit is always due. A unit without a start time is never due.
func (r *Rotating) Due(ts int64) bool {
	if r.enc == nil {
		return true
	}

	if r.interval <= 0 || ts <= 0 || r.start <= 0 {
		return false
	}

	return ts-r.start >= r.interval
}

// Rotate seals the current unit and opens the next one.
func (r *Rotating) Rotate(ts int64) error {
	if err := r.seal(); err != nil {
		return err
	}

	name := r.unitName(ts)

	if dir := filepath.Dir(name); dir != "." {
		if err := r.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	f, err := r.fs.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}

	enc, err := codec.NewEncoder(f, r.codec, r.exporter)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("encoder: %w", err)
	}

	r.file = f
	r.enc = enc
	r.start = ts
	r.units = append(r.units, name)

	r.log.Info("output unit opened", slog.String("file", name))

	return nil
}

// Write encodes the record. A unit opened before any timestamped record
// takes its start from the first one written.
func (r *Rotating) Write(c *engine.Correlated) error {
	if r.enc == nil {
		if err := r.Rotate(0); err != nil {
			return err
		}
	}

	if r.start <= 0 {
		r.start = engine.RecordTime(c.Record)
	}

	return r.enc.Encode(c.Record)
}

func (r *Rotating) Close() error {
	return r.seal()
}

// Units lists the files opened so far.
func (r *Rotating) Units() []string {
	return r.units
}

func (r *Rotating) seal() error {
	if r.enc == nil {
		return nil
	}

	var result error

	if err := r.enc.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := r.file.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close %s: %w", r.file.Name(), err))
	}

	r.enc = nil
	r.file = nil

	return result
}

func (r *Rotating) unitName(ts int64) string {
	if ts <= 0 {
		ts = r.now().UnixNano()
	}

	epoch := strconv.FormatInt(ts/int64(time.Second), 10)

	var name string

	switch {
	case strings.HasSuffix(r.base, "/"):
		name = r.base + epoch
	case r.interval > 0:
		name = r.base + "." + epoch
	default:
		name = r.base
	}

	// never truncate a unit written by this run
	for i, candidate := 1, name; ; i++ {
		if !slices.Contains(r.units, candidate) {
			return candidate
		}

		candidate = name + "-" + strconv.Itoa(i)
	}
}
