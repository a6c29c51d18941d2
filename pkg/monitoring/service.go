package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/contrastlabs/utxonode/pkg/block"
	"github.com/contrastlabs/utxonode/pkg/health"
	"github.com/contrastlabs/utxonode/pkg/logger"
)

// ChainReader is the subset of *chain.Chain the collector polls.
type ChainReader interface {
	Tip() *block.Block
	Height() uint64
}

// MempoolReader is the subset of *mempool.Mempool the collector polls.
type MempoolReader interface {
	Len() int
}

// QueueReader is the subset of *node.Core the collector polls.
type QueueReader interface {
	QueueDepth() int
}

// Config configures the monitoring HTTP surface and collection cadence.
// MaxBlockAge bounds how stale the chain tip may grow before the health
// endpoint reports the node degraded; 0 disables the check.
type Config struct {
	Addr            string
	CollectInterval time.Duration
	MaxBlockAge     time.Duration
}

// DefaultConfig serves the combined /metrics + /health surface on :9090,
// sampling every 15 seconds and tolerating five minutes without a block.
func DefaultConfig() Config {
	return Config{Addr: ":9090", CollectInterval: 15 * time.Second, MaxBlockAge: 5 * time.Minute}
}

// Service periodically samples chain/mempool/job-queue state into a
// Metrics set and serves it over HTTP.
type Service struct {
	cfg     Config
	log     *logger.Logger
	chain   ChainReader
	mempool MempoolReader
	queue   QueueReader
	reg     *prometheus.Registry
	metrics *Metrics
	checker *health.Checker

	httpServer *http.Server
	cancel     context.CancelFunc
}

// New builds a Service wired to chain/mempool/queue readers; call Start
// to begin serving and collecting. The health checker watches block
// production staleness against cfg.MaxBlockAge.
func New(cfg Config, chain ChainReader, mempool MempoolReader, queue QueueReader, log *logger.Logger) *Service {
	reg := prometheus.NewRegistry()
	checker := health.New()
	checker.Register("block_production", health.Stalled("block production", func() int64 {
		if tip := chain.Tip(); tip != nil {
			return tip.Timestamp
		}
		return 0
	}, cfg.MaxBlockAge))
	return &Service{
		cfg:     cfg,
		log:     log,
		chain:   chain,
		mempool: mempool,
		queue:   queue,
		reg:     reg,
		metrics: NewMetrics(reg),
		checker: checker,
	}
}

// Health returns the service's checker so callers can register further
// subsystem checks before Start.
func (s *Service) Health() *health.Checker { return s.checker }

// Metrics returns the collector's registered gauges/counters, for
// callers (the miner, the node core's error paths) that push events
// rather than have them polled.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Start begins the periodic collection loop and the HTTP server. It
// returns once the server has been told to listen; serving errors after
// that point are logged, not returned.
func (s *Service) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.collectLoop(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.health)

	s.httpServer = &http.Server{Addr: s.cfg.Addr, Handler: mux}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Error("monitoring: server error: %v", err)
			}
		}
	}()
	return nil
}

// Stop cancels collection and shuts the HTTP server down.
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Close(); err != nil {
		return fmt.Errorf("monitoring: close server: %w", err)
	}
	return nil
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	result := s.checker.Run()
	w.Header().Set("Content-Type", "application/json")
	if result.Status != health.StatusOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(struct {
		health.Result
		Height uint64 `json:"height"`
	}{Result: result, Height: s.chain.Height()})
}

func (s *Service) collectLoop(ctx context.Context) {
	interval := s.cfg.CollectInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.collectOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.collectOnce()
		}
	}
}

func (s *Service) collectOnce() {
	s.metrics.BlockHeight.Set(float64(s.chain.Height()))
	if tip := s.chain.Tip(); tip != nil {
		s.metrics.ChainDifficulty.Set(float64(tip.Difficulty))
		s.metrics.Supply.Set(float64(tip.Supply))
		if tip.Timestamp > 0 {
			s.metrics.LastBlockAge.Set(time.Since(time.UnixMilli(tip.Timestamp)).Seconds())
		} else {
			s.metrics.LastBlockAge.Set(0)
		}
	}
	s.metrics.PendingTxns.Set(float64(s.mempool.Len()))
	if s.queue != nil {
		s.metrics.JobQueueDepth.Set(float64(s.queue.QueueDepth()))
	}
}
