package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"meshrelay/pkg/config"
	"meshrelay/pkg/core/netstack"
	"meshrelay/pkg/core/relayq"
	grpcgw "meshrelay/pkg/gateway/grpc"
	"meshrelay/pkg/identity"
	"meshrelay/pkg/mesh"
	"meshrelay/pkg/observability"
	"meshrelay/pkg/packet"
	"meshrelay/pkg/transport"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "failed to load env file:", err)
		return 1
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		return 1
	}
	if opts.PrintConfig {
		out, err := cfg.YAML()
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to render config:", err)
			return 1
		}
		_, _ = os.Stdout.Write(out)
		return 0
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to setup logger:", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	sender, err := identity.LoadOrCreate(cfg.SenderID, cfg.SenderIDFile)
	if err != nil {
		zap.L().Error("failed to resolve sender id", zap.Error(err))
		return 1
	}
	if !opts.NoBanner {
		banner(os.Stderr, cfg, sender)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := mesh.New(engineOptions(cfg, sender), func(p packet.Packet, from transport.DeviceID, isRelay bool) {
		if isRelay {
			return
		}
		zap.L().Info("packet received",
			zap.String("from", from),
			zap.Stringer("sender", p.Sender),
			zap.Uint8("ttl", p.TTL),
			zap.ByteString("payload", p.Payload),
		)
	})
	if err != nil {
		zap.L().Error("failed to build engine", zap.Error(err))
		return 1
	}
	defer eng.Close()

	lk, err := netstack.FromConfig(cfg)
	if err != nil {
		zap.L().Error("failed to build transport", zap.Error(err))
		return 1
	}
	eng.AttachTransport(lk, nil)
	if err := lk.Start(ctx); err != nil {
		zap.L().Error("failed to start transport", zap.Error(err))
		return 1
	}
	defer func() { _ = lk.Close() }()
	eng.Start(ctx)

	if cfg.Metrics.Listen != "" {
		srv := metricsServer(cfg, eng)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.L().Error("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if cfg.Admin.Listen != "" {
		lis, err := net.Listen("tcp", cfg.Admin.Listen)
		if err != nil {
			zap.L().Error("admin listen", zap.Error(err))
			return 1
		}
		h := grpcgw.NewHealth(probe{eng: eng, sessions: lk})
		go h.Run(ctx, time.Second)
		go func() {
			if err := grpcgw.Serve(ctx, lis, h); err != nil {
				zap.L().Error("admin server", zap.Error(err))
			}
		}()
	}

	if opts.Send != "" {
		go originate(ctx, eng, opts.Send, opts.SendEvery)
	}

	zap.L().Info("meshrelay-node running", zap.String("device", cfg.NodeID), zap.Stringer("sender", sender))
	<-ctx.Done()
	st := eng.Stats()
	zap.L().Info("shutting down",
		zap.Uint64("relayed", st.PacketsRelayed),
		zap.Uint64("dropped", st.PacketsDropped),
		zap.Uint64("duplicate", st.PacketsDuplicate),
		zap.Uint64("bytes", st.BytesRelayed),
		zap.Int("routes", st.ActiveRoutes),
	)
	return 0
}

func engineOptions(cfg *config.Config, sender packet.SenderID) mesh.Options {
	m := cfg.Mesh
	return mesh.Options{
		Name:           cfg.NodeID,
		Self:           sender,
		DefaultTTL:     uint8(m.DefaultTTL),
		BloomBits:      m.BloomBits,
		BloomHashes:    m.BloomHashes,
		DedupEntries:   m.DedupEntries,
		DedupWindow:    m.DedupWindow,
		RouteIdle:      m.RouteIdle,
		HistoryTTL:     m.HistoryTTL,
		HistoryMaxKB:   m.HistoryMaxKB,
		QueueSize:      m.QueueSize,
		QueueMaxAge:    m.QueueMaxAge,
		RelayPace:      m.RelayPace,
		ShapeBytesPerS: m.ShapeBytesPerSec,
		CleanupEvery:   m.CleanupInterval,
	}
}

func metricsServer(cfg *config.Config, eng *mesh.Engine) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		observability.NewCollector(eng, cfg.NodeID),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	zap.L().Info("metrics listening", zap.String("addr", cfg.Metrics.Listen), zap.String("path", cfg.Metrics.Path))
	return &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// probe feeds the health service: the queue from the engine, link state
// from the transport's sessions.
type probe struct {
	eng      *mesh.Engine
	sessions transport.SessionLister
}

func (p probe) QueueStatus() relayq.Status { return p.eng.QueueStatus() }

func (p probe) LinkUp() bool {
	for _, s := range p.sessions.ListConnectedSessions() {
		if s.State == transport.Connected {
			return true
		}
	}
	return false
}

func originate(ctx context.Context, eng *mesh.Engine, body string, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for seq := 1; ; seq++ {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p, err := eng.Originate(ctx, []byte(fmt.Sprintf("%s #%d", body, seq)))
			if errors.Is(err, packet.ErrPayloadTooLarge) {
				zap.L().Error("payload too large to originate", zap.Int("max", packet.MaxPayload))
				return
			}
			if err != nil {
				zap.L().Warn("send failed", zap.Error(err))
				continue
			}
			zap.L().Info("packet originated", zap.String("id", p.ID()), zap.Int("seq", seq))
		}
	}
}
