// Package metrics records daemon counters with VictoriaMetrics/metrics and
// serves them in Prometheus text format.
package metrics

import (
	"context"
	"net"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// ProjectedEvent counts projector outcomes per platform, change kind and outcome
// (applied, skipped, noop, invalid, inconsistent, unavailable).
func ProjectedEvent(platform, kind, outcome string) {
	metrics.GetOrCreateCounter(`chatmirror_projector_events_total{platform="` + platform +
		`",kind="` + kind + `",outcome="` + outcome + `"}`).Inc()
}

// ProjectedBatch counts records written and skipped by bulk creates.
func ProjectedBatch(platform string, processed, skipped int) {
	metrics.GetOrCreateCounter(`chatmirror_projector_batch_records_total{platform="` + platform + `",result="processed"}`).Add(processed)
	metrics.GetOrCreateCounter(`chatmirror_projector_batch_records_total{platform="` + platform + `",result="skipped"}`).Add(skipped)
}

// PullDelivery counts queue deliveries per subscription by outcome (ack, nack, drop).
func PullDelivery(subscription, outcome string) {
	metrics.GetOrCreateCounter(`chatmirror_pull_deliveries_total{subscription="` + subscription +
		`",outcome="` + outcome + `"}`).Inc()
}

// BackfillPage counts fetched history pages.
func BackfillPage(platform string) {
	metrics.GetOrCreateCounter(`chatmirror_backfill_pages_total{platform="` + platform + `"}`).Inc()
}

// StoreHook observes index store pipeline commits.
type StoreHook struct{}

// ObserveCommit implements indexstore.MetricsHook.
func (StoreHook) ObserveCommit(elapsed time.Duration, ops int, bytes int) {
	metrics.GetOrCreateHistogram(`chatmirror_store_commit_seconds`).Update(elapsed.Seconds())
	metrics.GetOrCreateCounter(`chatmirror_store_commit_ops_total`).Add(ops)
	metrics.GetOrCreateCounter(`chatmirror_store_commit_bytes_total`).Add(bytes)
}

// Server exposes /metrics and /health.
type Server struct {
	addr   string
	srv    *fasthttp.Server
	ln     net.Listener
	logger *zap.Logger
}

// NewServer builds a metrics server bound to addr. It does not listen until Start.
func NewServer(addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{addr: addr, logger: logger}
	s.srv = &fasthttp.Server{
		Handler:     s.handle,
		Name:        "chatmirrord",
		ReadTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/metrics":
		ctx.SetContentType("text/plain; version=0.0.4")
		metrics.WritePrometheus(ctx, true)
	case "/health":
		ctx.SetBodyString("OK")
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("metrics server starting", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down, giving up when ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.srv.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
