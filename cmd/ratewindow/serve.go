package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/toolink/ratewindow/cluster"
	"github.com/toolink/ratewindow/config"
	"github.com/toolink/ratewindow/extension"
	"github.com/toolink/ratewindow/grpclimit"
	"github.com/toolink/ratewindow/limiter"
	"github.com/toolink/ratewindow/server"
	"github.com/toolink/ratewindow/worker"
)

const statsInterval = time.Minute

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		Long: `Run the rate limiting service.

SIGINT or SIGTERM starts a graceful shutdown bounded by shutdown_timeout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root.cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	rl, b, broker, err := newLimiter(ctx, cfg)
	if err != nil {
		return err
	}

	httpSrv, err := server.New(rl, cfg.HTTP)
	if err != nil {
		_ = b.Close(ctx)
		return err
	}

	var (
		grpcSrv *grpc.Server
		grpcLis net.Listener
	)
	if cfg.GRPC.Addr != "" {
		grpcSrv = newGRPCServer(rl, cfg.GRPC)
	}

	jobs := worker.NewManager()
	mgr := extension.New()

	// shutdown runs in reverse: listeners first, connections last
	exts := []extension.Extension{
		extension.Func{
			ExtName: "backend",
			OnShutdown: func(ctx context.Context) error {
				var errs []error
				if broker != nil {
					errs = append(errs, broker.Close())
				}
				errs = append(errs, b.Close(ctx))
				return errors.Join(errs...)
			},
		},
		extension.Func{
			ExtName:    "limiter",
			OnLoad:     rl.Start,
			OnShutdown: rl.Stop,
		},
		extension.Func{
			ExtName: "jobs",
			OnLoad: func(ctx context.Context) error {
				_, err := jobs.Schedule(ctx, "ratelimit-stats", statsInterval, func(context.Context) error {
					logStats(rl.Stats())
					return nil
				})
				return err
			},
			OnShutdown: jobs.Shutdown,
		},
		extension.Func{
			ExtName:    "http",
			OnLoad:     func(context.Context) error { return httpSrv.Listen() },
			OnShutdown: httpSrv.Shutdown,
		},
	}
	if cfg.Redis.Register && b.redis != nil {
		registry := cluster.NewRegistry(b.redis)
		exts = append(exts, extension.Func{
			ExtName: "cluster",
			OnLoad: func(ctx context.Context) error {
				inst := &cluster.Instance{
					ID:        rl.InstanceID(),
					HTTPAddr:  httpSrv.Addr(),
					GRPCAddr:  cfg.GRPC.Addr,
					Storage:   cfg.RateLimit.StorageType,
					StartedAt: time.Now().UTC(),
				}
				return registry.Register(ctx, inst)
			},
			OnShutdown: func(ctx context.Context) error {
				return registry.Deregister(ctx, rl.InstanceID())
			},
		})
	}
	if grpcSrv != nil {
		exts = append(exts, extension.Func{
			ExtName: "grpc",
			OnLoad: func(context.Context) error {
				lis, err := net.Listen("tcp", cfg.GRPC.Addr)
				if err != nil {
					return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
				}
				grpcLis = lis
				return nil
			},
			OnShutdown: func(ctx context.Context) error {
				return stopGRPC(ctx, grpcSrv)
			},
		})
	}
	for _, ext := range exts {
		if err := mgr.Register(ext); err != nil {
			return err
		}
	}

	if err := mgr.LoadAll(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpSrv.Start)
	if grpcSrv != nil {
		g.Go(func() error {
			log.Info().Str("addr", grpcLis.Addr().String()).Msg("starting grpc server")
			// a stop that lands before Serve is a normal shutdown
			if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		return mgr.ShutdownAll(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("service stopped with error")
		return err
	}
	log.Info().Msg("service stopped")
	return nil
}

func newGRPCServer(rl *limiter.RateLimiter, cfg config.GRPCConfig) *grpc.Server {
	opts := []grpclimit.Option{
		grpclimit.WithExcludeMethods(
			"/grpc.health.v1.Health/Check",
			"/grpc.health.v1.Health/Watch",
		),
	}
	if cfg.UserMetaKey != "" {
		opts = append(opts, grpclimit.WithUserMetadataKey(cfg.UserMetaKey))
	}

	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpclimit.UnaryServerInterceptor(rl, opts...)),
		grpc.ChainStreamInterceptor(grpclimit.StreamServerInterceptor(rl, opts...)),
	)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs
}

// stopGRPC waits for in-flight calls, forcing the stop when ctx ends first.
func stopGRPC(ctx context.Context, gs *grpc.Server) error {
	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		gs.Stop()
		return fmt.Errorf("grpc graceful stop: %w", ctx.Err())
	}
}

func logStats(st limiter.Stats) {
	log.Info().
		Int64("decisions", st.Decisions).
		Int64("denied", st.Denied).
		Int64("degraded", st.Degraded).
		Int64("swept", st.Swept).
		Int("fallback_size", st.FallbackSize).
		Msg("rate limiter stats")
}
