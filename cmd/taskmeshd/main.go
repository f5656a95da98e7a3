package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmesh/core/internal/dbpool"
	"github.com/taskmesh/core/internal/durable"
	"github.com/taskmesh/core/internal/health"
	"github.com/taskmesh/core/internal/node"
	"github.com/taskmesh/core/internal/placement"
	"github.com/taskmesh/core/internal/scheduler"
	"github.com/taskmesh/core/internal/transport"
)

func generateNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "taskmesh"
	}
	return hostname + "-" + uuid.NewString()[:8]
}

func envDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func main() {
	selfID := os.Getenv("TASKMESH_NODE_ID")
	if selfID == "" {
		selfID = generateNodeID()
	}
	log.Printf("taskmeshd starting as node %s", selfID)

	nodes := node.NewRegistry()
	nodes.Register(node.NewNode(selfID, selfID, "", 0))

	schedCfg := scheduler.DefaultConfig()
	if s := os.Getenv("TASKMESH_STRATEGY"); s != "" {
		schedCfg.Strategy = placement.StrategyName(s)
	}
	schedCfg.MaxWorkers = envInt("TASKMESH_MAX_WORKERS", schedCfg.MaxWorkers)
	schedCfg.TaskTimeout = envDuration("TASKMESH_TASK_TIMEOUT", schedCfg.TaskTimeout)
	schedCfg.MaxRetries = envInt("TASKMESH_MAX_RETRIES", schedCfg.MaxRetries)

	sched := scheduler.New(schedCfg, nodes)
	sched.Start()
	defer sched.Stop()

	hub := transport.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	healthCfg := health.DefaultConfig()
	healthCfg.HeartbeatInterval = envDuration("TASKMESH_HEARTBEAT_INTERVAL", healthCfg.HeartbeatInterval)
	healthCfg.HeartbeatTimeout = envDuration("TASKMESH_HEARTBEAT_TIMEOUT", healthCfg.HeartbeatTimeout)
	healthCfg.MaxNodeFailures = envInt("TASKMESH_MAX_NODE_FAILURES", healthCfg.MaxNodeFailures)

	monitor := health.New(selfID, healthCfg, nodes, hub, sched.ReassignOrphans)
	monitor.Start()
	defer monitor.Stop()

	var failoverMgr *dbpool.Manager
	if dsn := os.Getenv("TASKMESH_POSTGRES_DSN"); dsn != "" {
		if err := durable.ApplyMigrations(ctx, dsn); err != nil {
			log.Printf("durable: migrations failed (continuing without durable persistence): %v", err)
		} else {
			endpoints := []dbpool.Endpoint{
				{ID: "primary", Name: "postgres-primary", ConnString: dsn, Priority: 0, IsPrimary: true},
			}
			if secondaryDSN := os.Getenv("TASKMESH_POSTGRES_SECONDARY_DSN"); secondaryDSN != "" {
				endpoints = append(endpoints, dbpool.Endpoint{
					ID: "secondary", Name: "postgres-secondary", ConnString: secondaryDSN, Priority: 1,
				})
			}
			if redisDSN := os.Getenv("TASKMESH_REDIS_DSN"); redisDSN != "" {
				endpoints = append(endpoints, dbpool.Endpoint{
					ID: "redis-fallback", Name: "redis-fallback", ConnString: redisDSN, Priority: 2,
				})
			}
			failoverMgr = dbpool.NewManager(dbpool.DefaultConfig(), dbpool.DefaultPoolConfig(), postgresOrRedisFactory, endpoints)
			failoverMgr.Start()
			defer failoverMgr.Stop()
			log.Printf("dbpool: failover manager started over %d endpoint(s)", len(endpoints))
		}
	} else {
		log.Printf("dbpool: TASKMESH_POSTGRES_DSN unset, running without durable persistence")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	// This is the Node Transport's own wire entry point, not a generic
	// request-routing surface: node agents upgrade here to exchange
	// heartbeat/failure/recovery messages over the websocket hub.
	mux.HandleFunc("/nodes/connect", func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.URL.Query().Get("node_id")
		if nodeID == "" {
			http.Error(w, "node_id required", http.StatusBadRequest)
			return
		}
		hub.ServeUpgrade(w, r, nodeID)
	})

	port := os.Getenv("TASKMESH_PORT")
	if port == "" {
		port = "8090"
	}
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		log.Printf("taskmeshd listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("taskmeshd: server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("taskmeshd: shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("taskmeshd: http shutdown error: %v", err)
	}
}

// postgresOrRedisFactory dispatches to the right BackendFactory based on
// the connection string's scheme, so a single Failover Manager can mix
// Postgres and Redis endpoints.
func postgresOrRedisFactory(ctx context.Context, connString string) (dbpool.Backend, error) {
	if len(connString) >= 6 && connString[:6] == "redis:" {
		return dbpool.NewRedisBackend(ctx, connString)
	}
	return dbpool.NewPostgresBackend(ctx, connString)
}
