package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PPRealtime/global"
	"PPRealtime/logger"
	"PPRealtime/service/bus"
	"PPRealtime/service/chat"
	"PPRealtime/service/chat/handlers"
	"PPRealtime/service/fanout"
	"PPRealtime/service/metrics"
	"PPRealtime/service/resync"
	"PPRealtime/service/session"
	"PPRealtime/tools/ids"
	"PPRealtime/tools/safe"
	jwt "PPRealtime/tools/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file")
	mint := flag.String("mint", "", "print an access token for user[:device] and exit (local tooling)")
	flag.Parse()

	cfg, err := global.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger.Init(cfg.LogLevel, cfg.LogJSON)
	defer func() { _ = logger.Sync() }()

	jwtOpts := jwt.DefaultOptions([]byte(cfg.JWTSecret))
	jwtOpts.Alg = cfg.JWTAlg

	if *mint != "" {
		if err := mintToken(jwtOpts, *mint); err != nil {
			fmt.Fprintln(os.Stderr, "mint:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, jwtOpts); err != nil {
		logger.Error("[main] exit", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *global.AppConfig, jwtOpts jwt.Options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 配置生成的ids
	ids.SetNodeID(cfg.SnowflakeNode)

	deps, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	reg := session.NewRegistry(session.Options{
		Shards:     cfg.RegistryShards,
		MaxPending: cfg.MaxPending,
		Observer:   deps.observer(),
	})
	if deps.presence != nil {
		safe.Go("presence", func() { deps.presence.Run(ctx, reg) })
	}

	m := metrics.New(reg)
	coord := resync.NewCoordinator(deps.offline, resync.Options{
		BatchSize: cfg.ResyncBatch,
		Timeout:   cfg.ResyncTimeout,
	})
	router := fanout.NewRouter(reg, fanout.Options{
		Membership:    deps.members,
		Metrics:       m,
		LookupTimeout: cfg.MembershipTimeout,
	})

	busErr := make(chan error, 1)
	go func() {
		h := bus.Chain(router.Handler(), bus.Recover)
		if err := deps.bus.Subscribe(ctx, h); err != nil && ctx.Err() == nil {
			busErr <- err
		}
	}()

	srv := chat.NewServer(reg, coord, deps.bus, m, handlers.NewDispatcher(), chat.Options{
		NodeID: cfg.NodeID,
		JWT:    jwtOpts,
		Conn: chat.ConnOptions{
			SendQueue:    cfg.WSSendQueue,
			WriteWait:    cfg.WSWriteWait,
			PingInterval: cfg.WSPingInterval,
			PongWait:     cfg.WSPongWait,
		},
		AllowedOrigins: cfg.AllowedOrigins,
		MaxFrameBytes:  cfg.WSMaxFrameBytes,
	})

	gin.SetMode(gin.ReleaseMode)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("[HTTP] listening", zap.String("addr", cfg.HTTPAddr), zap.String("node", cfg.NodeID))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	gs, err := serveHealth(cfg.GRPCAddr)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("[main] shutting down")
	case err := <-httpErr:
		logger.Error("[HTTP] server failed", zap.Error(err))
	case err := <-busErr:
		logger.Error("[bus] subscriber failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	gs.GracefulStop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("[HTTP] shutdown", zap.Error(err))
	}
	stop()
	// in-flight writes are not drained
	reg.Close()
	return nil
}

func serveHealth(addr string) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gRPC listen %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(gs, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("im.Gateway", healthpb.HealthCheckResponse_SERVING)

	safe.Go("grpc-health", func() {
		logger.Info("[gRPC] listening", zap.String("addr", addr))
		if err := gs.Serve(lis); err != nil {
			logger.Error("[gRPC] serve failed", zap.Error(err))
		}
	})
	return gs, nil
}
