// perpd runs the perp accounting engine as a standalone daemon: one market,
// a manual price feed driven over HTTP, Prometheus metrics, and a WebSocket
// event stream. State snapshots persist through the Lux database manager so
// restarts are warm.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/luxfi/perp/pkg/config"
	"github.com/luxfi/perp/pkg/metrics"
	"github.com/luxfi/perp/pkg/perp"
	"github.com/luxfi/perp/pkg/websocket"
)

const snapshotInterval = 30 * time.Second

type PerpNode struct {
	cfg    config.Config
	logger log.Logger

	db     database.Database
	engine *perp.Engine
	store  *perp.Store
	feed   *perp.ManualFeed
	bank   *perp.MemoryBank

	collector *metrics.Collector
	ws        *websocket.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPerpNode(cfg config.Config, logger log.Logger) (*PerpNode, error) {
	dataPath := cfg.DB.DataDir
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataPath, nil)
	var db database.Database
	var err error
	if cfg.DB.Engine == "badgerdb" {
		dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
		dbConfig.Namespace = "perpd"
		db, err = dbManager.New(dbConfig)
		if err != nil {
			logger.Warn("badgerdb unavailable, falling back to memory", "error", err)
		} else {
			logger.Info("badgerdb initialized", "path", filepath.Join(dataPath, "badgerdb"))
		}
	}
	if db == nil {
		db, err = dbManager.New(manager.DefaultMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("create database: %w", err)
		}
		logger.Info("using in-memory database")
	}

	feed := perp.NewManualFeed(cfg.Market.FeedDecimals)
	bank := perp.NewMemoryBank()
	shares := perp.NewMemoryShares()

	engine, err := perp.NewEngine(perp.MarketConfig{
		AssetSymbol:    cfg.Market.AssetSymbol,
		AssetDecimals:  cfg.Market.AssetDecimals,
		IndexSymbol:    cfg.Market.IndexSymbol,
		IndexDecimals:  cfg.Market.IndexDecimals,
		BorrowRateBps:  cfg.Market.BorrowRateBps,
		MaxPriceAgeSec: cfg.Market.MaxPriceAgeSec,
	}, feed, bank, shares, logger.New("module", "engine"))
	if err != nil {
		return nil, err
	}

	store := perp.NewStore(db, logger.New("module", "store"))
	if snap, ok, err := store.Load(); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	} else if ok {
		if err := engine.Restore(snap); err != nil {
			return nil, fmt.Errorf("restore state: %w", err)
		}
		logger.Info("state restored", "positions", len(snap.Positions))
	} else {
		logger.Info("no previous state, starting fresh")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PerpNode{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		engine:    engine,
		store:     store,
		feed:      feed,
		bank:      bank,
		collector: metrics.New("perp", logger.New("module", "metrics")),
		ws:        websocket.NewServer(logger.New("module", "websocket")),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (n *PerpNode) Start() {
	// One reader on the engine feed, fanned out to metrics and websocket.
	metricEvents := make(chan perp.Event, 256)
	wsEvents := make(chan perp.Event, 256)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer close(metricEvents)
		defer close(wsEvents)
		for {
			select {
			case <-n.ctx.Done():
				return
			case ev := <-n.engine.Events():
				select {
				case metricEvents <- ev:
				default:
				}
				select {
				case wsEvents <- ev:
				default:
				}
			}
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.collector.Watch(n.ctx, n.engine, metricEvents)
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.collector.Serve(n.ctx, n.cfg.Server.MetricsPort); err != nil {
			n.logger.Error("metrics server failed", "error", err)
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.ws.Start(n.cfg.Server.WebSocketPort); err != nil {
			n.logger.Error("websocket server failed", "error", err)
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.ws.Pump(n.ctx, wsEvents)
	}()

	n.wg.Add(1)
	go n.snapshotLoop()

	n.logger.Info("perpd started",
		"asset", n.cfg.Market.AssetSymbol, "index", n.cfg.Market.IndexSymbol,
		"borrow_rate_bps", n.cfg.Market.BorrowRateBps)
}

// snapshotLoop persists the ledger periodically and once more on shutdown.
func (n *PerpNode) snapshotLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			if err := n.store.Save(n.engine.Snapshot()); err != nil {
				n.logger.Error("final snapshot failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := n.store.Save(n.engine.Snapshot()); err != nil {
				n.logger.Error("snapshot failed", "error", err)
			}
		}
	}
}

// runAdmin serves the operator surface: price posting and pool inspection.
func (n *PerpNode) runAdmin(port int) {
	defer n.wg.Done()

	mux := http.NewServeMux()
	mux.HandleFunc("/price", n.handlePrice)
	mux.HandleFunc("/pool", n.handlePool)

	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-n.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	n.logger.Info("admin server starting", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("admin server failed", "error", err)
	}
}

func (n *PerpNode) handlePrice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	answer, ok := new(big.Int).SetString(req.Answer, 10)
	if !ok || answer.Sign() <= 0 {
		http.Error(w, "invalid answer", http.StatusBadRequest)
		return
	}
	n.feed.Set(answer, time.Now().Unix())
	n.logger.Info("price posted", "answer", answer.String())
	w.WriteHeader(http.StatusNoContent)
}

func (n *PerpNode) handlePool(w http.ResponseWriter, r *http.Request) {
	pool := n.engine.PoolSnapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"asset_liquidity":     pool.AssetLiquidity.String(),
		"index_liquidity":     pool.IndexLiquidity.String(),
		"long_open_interest":  pool.LongOpenInterest.String(),
		"short_open_interest": pool.ShortOpenInterest.String(),
	})
}

func (n *PerpNode) Shutdown() {
	n.logger.Info("shutting down")
	n.cancel()
	n.ws.Stop()
	n.wg.Wait()
	if err := n.db.Close(); err != nil {
		n.logger.Error("database close failed", "error", err)
	}
	n.logger.Info("shutdown complete")
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	adminPort := flag.Int("admin-port", 8080, "Admin API port")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DB.DataDir = *dataDir
	}

	logger := log.Root().New("module", "perpd")

	node, err := NewPerpNode(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	node.Start()
	node.wg.Add(1)
	go node.runAdmin(*adminPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("signal received", "signal", sig.String())

	node.Shutdown()
}
