package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmerrifield20/freetalk/internal/checkpoint"
	"github.com/jmerrifield20/freetalk/internal/delivery"
	"github.com/jmerrifield20/freetalk/internal/feed"
	"github.com/jmerrifield20/freetalk/internal/health"
	"github.com/jmerrifield20/freetalk/internal/metrics"
	"github.com/jmerrifield20/freetalk/internal/posts"
	"github.com/jmerrifield20/freetalk/internal/server"
	"github.com/jmerrifield20/freetalk/internal/server/handler"
	"github.com/jmerrifield20/freetalk/internal/signer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// healthService is the gRPC health service name reported alongside "".
const healthService = "freetalk"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Follow the feed and serve posts to clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		if err := run(cmd.Context(), logger); err != nil {
			logger.Fatal("freetalk exited with error", zap.Error(err))
		}
		return nil
	},
}

func run(ctx context.Context, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── Configuration ────────────────────────────────────────────────────────
	if f := viper.ConfigFileUsed(); f != "" {
		logger.Info("config loaded", zap.String("file", f))
	} else {
		logger.Warn("no config file found, using defaults and env vars")
	}
	s := loadSettings()
	logger.Info("public config",
		zap.String("chain_id", s.Public.ChainID),
		zap.String("chain_rpc_url", s.Public.ChainRPCURL),
		zap.String("talk_contract", s.Public.TalkContract),
		zap.String("eden_contract", s.Public.EdenContract),
	)

	rec := metrics.New()

	// ── Ledger + ingestion ───────────────────────────────────────────────────
	ledger := posts.New(posts.Config{
		Account:  s.Public.TalkContract,
		Receiver: s.Public.TalkContract,
	}, logger)
	ledger.SetMetricsRecorder(rec)

	receiver := newReceiver(s, ledger, logger)
	receiver.SetMetricsRecorder(rec)
	if err := receiver.Start(); err != nil {
		return fmt.Errorf("start receiver: %w", err)
	}

	// ── Health ───────────────────────────────────────────────────────────────
	var feedSrc health.FeedSource
	if s.Dfuse.Connect {
		feedSrc = receiver
	}
	checker := health.New(feedSrc, ledger, health.Config{
		CheckInterval: s.Health.CheckInterval,
		FailThreshold: s.Health.FailThreshold,
		Service:       healthService,
	}, logger)
	checker.SetMetricsRecord(metrics.RecordHealthCheck)

	var (
		grpcServer *grpc.Server
		grpcLis    net.Listener
	)
	if s.Health.GRPCPort > 0 {
		var err error
		grpcLis, err = net.Listen("tcp", fmt.Sprintf(":%d", s.Health.GRPCPort))
		if err != nil {
			return fmt.Errorf("gRPC listen on :%d: %w", s.Health.GRPCPort, err)
		}
		grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
		healthSvc := grpchealth.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
		reflection.Register(grpcServer)
		checker.SetServing(healthSvc)
	}

	// ── HTTP ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	postsHandler := handler.NewPostsHandler(ledger, delivery.Config{
		RequestRate:  rate.Limit(s.Delivery.RequestRPS),
		RequestBurst: s.Delivery.RequestBurst,
	}, s.Server.CORSOrigins, logger)
	postsHandler.SetMetricsRecorder(rec)

	var postSigner signer.Signer = signer.NewNoopSigner(logger)
	logger.Info("post signer: noop (server-paid transactions disabled)")

	httpSrv := server.New(gctx, server.Config{
		Port:        s.Server.Port,
		CORSOrigins: s.Server.CORSOrigins,
		RateLimit: handler.RateLimitConfig{
			RPS:           s.Server.RateLimitRPS,
			Burst:         s.Server.RateBurst,
			IdleTTL:       s.Server.RateIdleTTL,
			SweepInterval: s.Server.RateSweepTick,
		},
		WebappDir: s.Server.WebappDir,
	}, server.Handlers{
		Posts: postsHandler,
		Config: handler.NewConfigHandler(handler.PublicConfig{
			ChainID:      s.Public.ChainID,
			ChainRPCURL:  s.Public.ChainRPCURL,
			TalkContract: s.Public.TalkContract,
			EdenContract: s.Public.EdenContract,
		}),
		Sign: handler.NewSignHandler(postSigner, signer.Config{
			TalkContract:   s.Public.TalkContract,
			PaysAccount:    s.Signer.PaysAccount,
			PaysPermission: s.Signer.PaysPermission,
			NoopContract:   s.Signer.NoopContract,
			NoopAction:     s.Signer.NoopAction,
		}, logger),
		Health: handler.NewHealthHandler(checker),
	}, logger)

	// ── Run ──────────────────────────────────────────────────────────────────
	g.Go(func() error { return httpSrv.Run(gctx) })

	if s.Dfuse.Connect {
		g.Go(func() error { return receiver.Run(gctx) })
	} else {
		logger.Warn("feed connection disabled (dfuse.connect=false); serving checkpointed posts only")
	}

	g.Go(func() error {
		checker.Start(gctx)
		return nil
	})

	if grpcServer != nil {
		g.Go(func() error {
			logger.Info("gRPC health listening", zap.Int("port", s.Health.GRPCPort))
			if err := grpcServer.Serve(grpcLis); err != nil {
				return fmt.Errorf("gRPC serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	err := g.Wait()
	logger.Info("freetalk stopped")
	return err
}

func newReceiver(s settings, ledger *posts.Ledger, logger *zap.Logger) *feed.Receiver {
	var tokens oauth2.TokenSource
	if s.Dfuse.APIKey != "" {
		tokens = feed.NewAPIKeyTokenSource(s.Dfuse.AuthURL, s.Dfuse.APIKey, 30*time.Second)
	} else if s.Dfuse.Connect {
		logger.Warn("dfuse.api_key is empty; connecting without authentication")
	}

	sub := feed.NewDfuseSubscriber(feed.DfuseConfig{Network: s.Dfuse.Network}, tokens, logger)
	store := checkpoint.NewFileStore(s.Dfuse.JSONTrxFile, logger)
	logger.Info("checkpoint file", zap.String("path", store.Path()))

	return feed.NewReceiver(feed.Config{
		Query:              s.filter(),
		FirstBlock:         s.Dfuse.FirstBlock,
		LiveMarkerInterval: s.Dfuse.Interval,
		ShortRetry:         s.Dfuse.ShortRetry,
		LongRetry:          s.Dfuse.LongRetry,
		FlushThreshold:     s.Dfuse.FlushThreshold,
		FlushInterval:      s.Dfuse.FlushInterval,
		MaxFailures:        s.Dfuse.MaxFailures,
	}, sub, store, ledger, logger)
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
