// Package supervisor is the Lifecycle Supervisor: it orders startup and
// shutdown of every other component, handles OS signals, and drains
// in-flight work before exit.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/flashsale/reservation/internal/discovery"
	"github.com/flashsale/reservation/internal/sweeper"
)

// Runnable is a long-lived background loop (a sweeper tick loop, a
// broker consume loop) that blocks until ctx is cancelled.
type Runnable interface {
	Run(ctx context.Context) error
}

// Config names everything the Supervisor needs to start and stop, in the
// order listed: storage/cache/limiter are assumed already connected by
// the caller (cmd/flashsale/main.go) before building a Supervisor, since
// they have no background loop of their own to sequence here.
type Config struct {
	ServiceName string
	InstanceID  string
	HTTPAddr    string
	GRPCAddr    string
	Registry    discovery.Registry // nil disables self-registration

	HTTPHandler   http.Handler
	Sweeper       *sweeper.Sweeper
	Consumers     []Runnable // broker consumers (the notification workers)
	CloseBroker   func() error
	DrainTimeout  time.Duration
}

// Supervisor owns process-wide startup ordering, signal handling, and
// shutdown draining.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	httpServer *http.Server
	grpcHealth *grpc.Server
	healthSrv  *health.Server
	reg        *registration

	cancelBg context.CancelFunc
	bgWG     sync.WaitGroup
}

// New builds a Supervisor. log should be the operational (slog) logger.
func New(cfg Config, log *slog.Logger) *Supervisor {
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	return &Supervisor{cfg: cfg, log: log}
}

// Run starts every component in dependency order, blocks until a SIGTERM/
// SIGINT is received or ctx is cancelled, then shuts down in reverse
// order. It returns once shutdown completes.
func (s *Supervisor) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.start(sigCtx); err != nil {
		return fmt.Errorf("supervisor start: %w", err)
	}

	<-sigCtx.Done()
	s.log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()
	return s.shutdown(shutdownCtx)
}

func (s *Supervisor) start(ctx context.Context) error {
	// 1. Self-register with the external service registry, so health
	// checks can find us before we start accepting traffic.
	reg, err := registerService(ctx, s.cfg.Registry, s.cfg.InstanceID, s.cfg.ServiceName, s.cfg.HTTPAddr, s.log)
	if err != nil {
		return fmt.Errorf("register service: %w", err)
	}
	s.reg = reg

	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancelBg = cancel

	// 2. Sweeper and broker consumers run as background loops, stopped
	// via cancelBg during shutdown, before we close the broker channel.
	if s.cfg.Sweeper != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.cfg.Sweeper.Run(bgCtx)
		}()
	}
	for _, c := range s.cfg.Consumers {
		c := c
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := c.Run(bgCtx); err != nil {
				s.log.Error("consumer exited with error", slog.Any("error", err))
			}
		}()
	}

	// 3. Operational gRPC health server.
	s.healthSrv = health.NewServer()
	s.healthSrv.SetServingStatus(s.cfg.ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.grpcHealth = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(s.grpcHealth, s.healthSrv)
	lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc health %s: %w", s.cfg.GRPCAddr, err)
	}
	go func() {
		if err := s.grpcHealth.Serve(lis); err != nil {
			s.log.Error("grpc health server error", slog.Any("error", err))
		}
	}()

	// 4. HTTP API (routes, metrics, CORS) last — accepting user traffic is
	// the last thing that should come up.
	s.httpServer = &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.cfg.HTTPHandler}
	go func() {
		s.log.Info("starting http server", slog.String("addr", s.cfg.HTTPAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server error", slog.Any("error", err))
		}
	}()

	return nil
}

func (s *Supervisor) shutdown(ctx context.Context) error {
	// 1. Stop accepting new HTTP traffic first.
	if s.healthSrv != nil {
		s.healthSrv.SetServingStatus(s.cfg.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Error("http server shutdown error", slog.Any("error", err))
		}
	}
	if s.grpcHealth != nil {
		s.grpcHealth.GracefulStop()
	}

	// 2. Stop sweeper and consumers, and wait (bounded by ctx) for them
	// to actually return.
	if s.cancelBg != nil {
		s.cancelBg()
	}
	done := make(chan struct{})
	go func() {
		s.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("timed out waiting for background loops to drain")
	}

	// 3. Close the broker connection only after consumers have stopped
	// pulling from it.
	if s.cfg.CloseBroker != nil {
		if err := s.cfg.CloseBroker(); err != nil {
			s.log.Error("error closing broker", slog.Any("error", err))
		}
	}

	// 4. Deregister last, once nothing backing the registration is left running.
	if s.reg != nil {
		if err := s.reg.deregister(ctx); err != nil {
			return fmt.Errorf("deregister: %w", err)
		}
	}
	return nil
}
