package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"PPGateway/global/config"
	"PPGateway/logger"
	"PPGateway/service/chat"
	"PPGateway/service/cluster"
	"PPGateway/service/rpc"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	check := flag.Bool("check", false, "query the local gRPC health service and exit 0 when serving")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config failed", zap.Error(err))
		os.Exit(2)
	}
	if *check {
		os.Exit(checkHealth(cfg))
	}

	isWorker := config.IsWorker()
	if err := logger.Init(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile, WorkerID: cfg.WorkerID}); err != nil {
		logger.Error("init logger failed", zap.Error(err))
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Supervisor(isWorker) {
		err = supervise(ctx, cfg)
	} else {
		err = serve(ctx, cfg)
	}
	if err != nil {
		logger.Error("gateway exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// supervise forks cfg.Workers copies of this binary and keeps them alive.
func supervise(ctx context.Context, cfg *config.AppConfig) error {
	if !cfg.ReusePort || !cluster.ReusePortSupported {
		logger.Warn("multi-worker mode without SO_REUSEPORT, only one worker can bind", zap.Bool("reusePort", cfg.ReusePort))
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	c := &cluster.Coordinator{
		Workers:         cfg.Workers,
		Spawn:           cluster.ExecSpawner(exe, os.Args[1:], config.EnvWorkerID),
		RestartDelay:    cfg.BusReconnectMin,
		MaxRestartDelay: cfg.BusReconnectMax,
		StopTimeout:     cfg.ShutdownTimeout + 5*time.Second,
	}
	return c.Run(ctx)
}

// serve runs one gateway worker: HTTP/WebSocket, optional gRPC health, and
// the gateway itself, until ctx ends.
func serve(ctx context.Context, cfg *config.AppConfig) error {
	srv, err := chat.NewServer(cfg, chat.Deps{})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	srv.Routes(r)

	lis, err := cluster.Listen(ctx, cfg.ListenAddr(), cfg.ReusePort && cfg.Workers > 1)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{Handler: r, ReadHeaderTimeout: cfg.ConnTimeout}

	var glis net.Listener
	if cfg.GrpcHealthPort > 0 {
		if glis, err = cluster.Listen(ctx, healthAddr(cfg), cfg.ReusePort && cfg.Workers > 1); err != nil {
			_ = lis.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		logger.Info("[HTTP] listening", zap.String("addr", lis.Addr().String()), zap.String("ws", cfg.WSPath))
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Hijacked WebSocket conns are closed by srv.Run's shutdown, not here.
		return httpSrv.Shutdown(sctx)
	})

	if glis != nil {
		hs := rpc.NewHealthServer()
		g.Go(func() error { return hs.Serve(gctx, glis) })
		g.Go(func() error {
			hs.Watch(gctx, time.Second, srv.Healthy)
			return nil
		})
	}

	return g.Wait()
}

func healthAddr(cfg *config.AppConfig) string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.GrpcHealthPort))
}

func checkHealth(cfg *config.AppConfig) int {
	if cfg.GrpcHealthPort <= 0 {
		logger.Error("grpc health port not configured")
		return 2
	}
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ok, err := rpc.Check(ctx, net.JoinHostPort(host, strconv.Itoa(cfg.GrpcHealthPort)), rpc.ServiceName)
	if err != nil {
		logger.Error("health check failed", zap.Error(err))
		return 1
	}
	if !ok {
		return 1
	}
	return 0
}
