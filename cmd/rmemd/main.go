// Command rmemd wires together a remote-memory paging engine against a
// backend (an in-process LocalBackend, or a LoopbackBackend dialing
// rmemd-backend when RMEM_BACKEND_ADDR is set) and keeps it running until
// interrupted. It stands in
// for what a real deployment's malloc-interposition shim would dial into
// at process start — the shim itself, and the RDMA transport behind a
// production backend, are both external collaborators this repository
// does not implement.
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
	"time"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/rmem/pkg/rmem"
	"github.com/e2b-dev/infra/packages/rmem/pkg/rmemconfig"
	"github.com/e2b-dev/infra/packages/rmem/pkg/rmemstats"
)

var (
	regionSize int64
	arenaPath  string
)

func parseFlags() {
	flag.Int64Var(&regionSize, "region-size", 64*1024*1024, "size in bytes of the managed heap region")
	flag.StringVar(&arenaPath, "arena", ".rmemd/arena.dat", "backing file for the in-process LocalBackend, used unless RMEM_BACKEND_ADDR is set")

	flag.Parse()
}

type logSink struct {
	logger *zap.Logger
}

func (s logSink) Emit(snap rmemstats.Snapshot) {
	fields := make([]zap.Field, 0, len(snap.Values)+1)
	fields = append(fields, zap.String("snapshot_id", snap.ID.String()))

	for k, v := range snap.Values {
		fields = append(fields, zap.Uint64(k, v))
	}

	s.logger.Info("rmem stats", fields...)
}

func main() {
	parseFlags()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := rmemconfig.Parse()
	if err != nil {
		if errors.Is(err, rmem.ErrEngineDisabled) {
			logger.Warn("LOCAL_MEMORY unset, falling back to the system allocator")
			return
		}

		logger.Fatal("failed to parse rmem config", zap.Error(err))
	}

	backend, closeBackend, err := buildBackend(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build backend", zap.Error(err))
	}
	defer closeBackend()

	engine, err := rmem.NewEngine(rmem.EngineConfig{
		LocalMemory:       cfg.LocalMemoryBytes,
		EvictionThreshold: cfg.EvictionThreshold,
		Handlers:          cfg.Handlers,
		Policy:            cfg.ReplacementPolicy(),
		Backend:           backend,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal("failed to build engine", zap.Error(err))
	}

	region, err := engine.Mmap(regionSize, true)
	if err != nil {
		logger.Fatal("failed to map region", zap.Error(err))
	}

	logger.Info("rmem engine started",
		zap.String("region_id", region.ID.String()),
		zap.Int64("region_size", region.Size()),
		zap.Int("handlers", cfg.Handlers))

	sampler := rmemstats.NewSampler(engine.Stats(), logSink{logger: logger}, 10*time.Second)
	go sampler.Run()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	logger.Info("shutting down")

	sampler.Stop()

	if err := engine.Close(); err != nil {
		logger.Error("error closing engine", zap.Error(err))
	}
}

func buildBackend(cfg rmemconfig.Config, logger *zap.Logger) (rmem.Backend, func(), error) {
	if cfg.BackendAddr != "" {
		conn, err := net.Dial("tcp", cfg.BackendAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("dial loopback backend %s: %w", cfg.BackendAddr, err)
		}

		backend := rmem.NewLoopbackBackend(conn, rmem.PageSize)

		return backend, func() { backend.Close() }, nil
	}

	if err := os.MkdirAll(".rmemd", 0o755); err != nil {
		return nil, nil, fmt.Errorf("create backend dir: %w", err)
	}

	capacity := cfg.LocalMemoryBytes * 2

	backend, err := rmem.NewLocalBackend(capacity, rmem.PageSize, arenaPath)
	if err != nil {
		return nil, nil, fmt.Errorf("create local backend: %w", err)
	}

	logger.Info("using in-process local backend", zap.String("arena", arenaPath), zap.Int64("capacity", capacity))

	return backend, func() { backend.Close() }, nil
}
