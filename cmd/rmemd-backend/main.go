// Command rmemd-backend runs a loopback remote-memory server: the
// standalone process rmemd's LoopbackBackend dials when RMEM_BACKEND_ADDR
// is set. It stands in for the RDMA-backed remote memory service a real
// deployment would run instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/rmem/pkg/cache"
	"github.com/e2b-dev/infra/packages/rmem/pkg/rmem"
)

var (
	listenAddr string
	nbdAddr    string
	arenaPath  string
	capacity   int64
)

func parseFlags() {
	flag.StringVar(&listenAddr, "listen", ":7711", "address to listen on for the channel-multiplexed loopback protocol")
	flag.StringVar(&nbdAddr, "nbd-listen", "", "address to additionally listen on and serve the same arena as a real NBD export (empty disables it)")
	flag.StringVar(&arenaPath, "arena", ".rmemd-backend/arena.dat", "backing file for the served remote-memory slab")
	flag.Int64Var(&capacity, "capacity", 512*1024*1024, "size in bytes of the served remote-memory slab")

	flag.Parse()
}

func main() {
	parseFlags()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := os.MkdirAll(".rmemd-backend", 0o755); err != nil {
		logger.Fatal("failed to create arena dir", zap.Error(err))
	}

	arena, err := cache.NewFrameArena(capacity, rmem.PageSize, arenaPath)
	if err != nil {
		logger.Fatal("failed to open arena", zap.Error(err))
	}
	defer arena.Close()

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err))
	}
	defer ln.Close()

	logger.Info("rmem backend server listening", zap.String("addr", listenAddr), zap.Int64("capacity", capacity))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if nbdAddr != "" {
		nbdLn, err := net.Listen("tcp", nbdAddr)
		if err != nil {
			logger.Fatal("failed to listen for nbd export", zap.Error(err))
		}
		defer nbdLn.Close()

		logger.Info("rmem nbd export listening", zap.String("addr", nbdAddr))

		go func() {
			if err := rmem.ServeNBDExport(ctx, nbdLn, arena); err != nil {
				logger.Error("nbd export handler failed", zap.Error(err))
			}
		}()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.Error("accept failed", zap.Error(err))
				continue
			}
		}

		logger.Info("accepted connection", zap.String("remote", conn.RemoteAddr().String()))

		go func() {
			defer conn.Close()

			if err := rmem.ServeLoopback(ctx, conn, arena, rmem.PageSize); err != nil {
				logger.Error("connection handler failed", zap.Error(err))
			}
		}()
	}
}
