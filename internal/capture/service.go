package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"golang.org/x/sys/unix"

	"github.com/ihippik/flow-radar/internal/collector"
)

const traceGroupSyscalls = "syscalls"
const eventsMap = "events"
const memLockLimit = 64 * 1024 * 1024 // 64 MiB

// tracepoints maps syscall exit tracepoints to the probe programs.
var tracepoints = []struct {
	name string
	prog string
}{
	{"sys_exit_clone", "trace_clone"},
	{"sys_exit_execve", "trace_execve"},
	{"sys_enter_exit_group", "trace_exit"},
	{"sys_exit_setuid", "trace_setuid"},
	{"sys_exit_openat", "trace_openat"},
	{"sys_exit_accept4", "trace_accept"},
	{"sys_exit_connect", "trace_connect"},
	{"sys_exit_read", "trace_read"},
	{"sys_exit_write", "trace_write"},
	{"sys_exit_recvfrom", "trace_recvfrom"},
	{"sys_exit_sendto", "trace_sendto"},
	{"sys_enter_close", "trace_close"},
	{"sys_exit_ftruncate", "trace_truncate"},
	{"sys_exit_setns", "trace_setns"},
	{"sys_exit_mkdirat", "trace_mkdirat"},
	{"sys_exit_unlinkat", "trace_unlinkat"},
	{"sys_exit_linkat", "trace_linkat"},
	{"sys_exit_symlinkat", "trace_symlinkat"},
	{"sys_exit_renameat2", "trace_renameat"},
}

// Service reads raw activity events from the probe.
type Service struct {
	log      *slog.Logger
	progPath string
}

func NewService(log *slog.Logger, progPath string) *Service {
	return &Service{
		log:      log,
		progPath: progPath,
	}
}

// Start loads the probe and sends decoded events to out until ctx is done.
// out is closed on return.
func (s *Service) Start(ctx context.Context, out chan<- *collector.Event) error {
	defer close(out)

	if err := s.init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	bootNs, err := bootTime()
	if err != nil {
		return fmt.Errorf("boot time: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(s.progPath)
	if err != nil {
		return fmt.Errorf("failed to load eBPF program: %w", err)
	}

	collection, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("failed to create eBPF collection: %w", err)
	}
	defer collection.Close()

	links, err := s.attach(collection)
	if err != nil {
		return err
	}

	defer func() {
		for _, l := range links {
			l.Close()
		}
	}()

	m, ok := collection.Maps[eventsMap]
	if !ok {
		return fmt.Errorf("failed to find %s map in eBPF collection", eventsMap)
	}

	reader, err := perf.NewReader(m, os.Getpagesize()*64)
	if err != nil {
		return fmt.Errorf("failed to create perf event reader: %w", err)
	}

	go func() {
		<-ctx.Done()
		reader.Close()
	}()

	s.log.Info("waiting for events..", slog.Int("tracepoints", len(links)))

	return s.read(ctx, reader, bootNs, out)
}

func (s *Service) attach(collection *ebpf.Collection) ([]link.Link, error) {
	links := make([]link.Link, 0, len(tracepoints))

	for _, tp := range tracepoints {
		prog, ok := collection.Programs[tp.prog]
		if !ok {
			s.log.Warn("probe program not found", slog.String("program", tp.prog))
			continue
		}

		l, err := link.Tracepoint(traceGroupSyscalls, tp.name, prog, nil)
		if err != nil {
			for _, prev := range links {
				prev.Close()
			}

			return nil, fmt.Errorf("failed to attach tracepoint %s: %w", tp.name, err)
		}

		links = append(links, l)
	}

	if len(links) == 0 {
		return nil, errors.New("no tracepoint attached")
	}

	return links, nil
}

func (s *Service) read(ctx context.Context, reader *perf.Reader, bootNs int64, out chan<- *collector.Event) error {
	var event coreEvent

	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return nil
			}

			s.log.Error("failed to read from perf event reader", "error", err)

			continue
		}

		if record.LostSamples > 0 {
			s.log.Warn("perf ring overflow", slog.Uint64("lost", record.LostSamples))
			continue
		}

		if err = binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &event); err != nil {
			s.log.Error("failed to decode perf event", "error", err)

			continue
		}

		select {
		case out <- event.toEvent(bootNs):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) init(_ context.Context) error {
	// Set the RLIMIT_MEMLOCK resource limit
	var rLimit unix.Rlimit

	rLimit.Cur = memLockLimit
	rLimit.Max = memLockLimit

	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &rLimit); err != nil {
		return fmt.Errorf("failed to set rlimit: %w", err)
	}

	return nil
}

// bootTime returns the wall clock time of boot in nanoseconds, the offset
// between kernel monotonic timestamps and the epoch.
func bootTime() (int64, error) {
	var mono, wall unix.Timespec

	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err != nil {
		return 0, err
	}

	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &wall); err != nil {
		return 0, err
	}

	return wall.Nano() - mono.Nano(), nil
}
