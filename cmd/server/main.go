/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the position-keeper server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Wire the worker controller and run orchestrator
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port           HTTP server port (default: 8080)
  -db             SQLite database path (default: keeper.db)
                  Use ":memory:" for in-memory database
  -lock-ttl       Run lock TTL; bounds how long a crashed run blocks starts
  -worker-timeout Bounded wait for the compute worker to become ready
  -boot-delay     Simulated worker boot time
  -service-delay  Simulated service activation time after boot
  -latency        Simulated per-transaction compute time

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Request any active run to stop
  2. Stop accepting new connections, drain active requests (30s timeout)
  3. Release the compute worker
  4. Close database connection
  5. Exit

ENVIRONMENT:
  KEEPER_PORT and KEEPER_DB provide deploy-time defaults for -port and -db;
  an explicit flag always wins.

EXAMPLES:
  # Run with file database
  ./server -db="./data/keeper.db"

  # Run with in-memory database and fast worker
  ./server -db=":memory:" -boot-delay=0 -service-delay=0

SEE ALSO:
  - api/server.go: Router configuration
  - keeper/orchestrator.go: Run state machine
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/panda/position-keeper/api"
	"github.com/panda/position-keeper/keeper"
	"github.com/panda/position-keeper/store/sqlite"
	"github.com/panda/position-keeper/worker"
)

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func main() {
	// Flags, with env-var defaults for the deploy-time knobs
	port := flag.Int("port", getEnvInt("KEEPER_PORT", 8080), "HTTP server port")
	dbPath := flag.String("db", getEnv("KEEPER_DB", "keeper.db"), "SQLite database path")
	lockTTL := flag.Duration("lock-ttl", 5*time.Minute, "run lock TTL")
	workerTimeout := flag.Duration("worker-timeout", 2*time.Minute, "bounded wait for worker readiness")
	bootDelay := flag.Duration("boot-delay", 2*time.Second, "simulated worker boot time")
	serviceDelay := flag.Duration("service-delay", time.Second, "simulated service activation time")
	latency := flag.Duration("latency", 50*time.Millisecond, "simulated per-transaction compute time")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire the compute worker and orchestrator
	resource := worker.NewSimulated(*bootDelay, *serviceDelay)
	controller := worker.NewManager(resource, resource)
	processor := &worker.Local{Latency: *latency}

	orch := keeper.NewOrchestrator(store, controller, processor, keeper.Config{
		LockTTL:            *lockTTL,
		WorkerReadyTimeout: *workerTimeout,
	})

	// Create router
	router := api.NewRouter(api.NewHandler(store, orch))

	// Create server. The start endpoint blocks for the whole run, so the
	// write timeout must cover a worst-case run, not a typical request.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: *lockTTL,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// An active run drains through its stop flag; in-flight dispatches
	// finish or time out, then reconciliation and lock release run as usual.
	if orch.RequestStop() {
		log.Println("Stop requested for active run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	if err := orch.ReleaseWorker(ctx); err != nil {
		log.Printf("Warning: failed to release worker: %v", err)
	}

	log.Println("Server stopped")
}
