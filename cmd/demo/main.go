package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourusername/flowgate/api"
	"github.com/yourusername/flowgate/channel"
	"github.com/yourusername/flowgate/metrics"
	"github.com/yourusername/flowgate/notifier"
	"github.com/yourusername/flowgate/pkg/flowgate"
)

func main() {
	// Command-line flags
	port := flag.String("port", "8080", "Port to run the server on")
	configFile := flag.String("config", "cmd/demo/config.yaml", "Path to configuration file")
	redisAddr := flag.String("redis", "", "Redis address for the realtime notifier (empty = in-memory)")
	flag.Parse()

	printBanner()

	// Metrics: in-process snapshot plus a Prometheus registry
	registry := prometheus.NewRegistry()
	collector, err := metrics.NewPromCollector(registry)
	if err != nil {
		log.Fatalf("Failed to create metrics collector: %v", err)
	}

	// Initialize the limiter
	log.Println("Loading configuration from:", *configFile)
	limiter, err := flowgate.NewLimiter(
		flowgate.WithConfigFile(*configFile),
		flowgate.WithRecorder(collector),
	)
	if err != nil {
		log.Fatalf("Failed to create limiter: %v", err)
	}
	defer limiter.Close()
	log.Println("Limiter initialized successfully")

	// Realtime notifier: Redis pub/sub when an address is given, otherwise
	// an in-process source
	var source notifier.Source
	if *redisAddr != "" {
		redisSource := notifier.NewRedisSource(notifier.RedisConfig{Addr: *redisAddr})
		defer redisSource.Close()
		source = redisSource
		log.Println("Realtime notifier: redis at", *redisAddr)
	} else {
		memorySource := notifier.NewMemorySource()
		defer memorySource.Close()
		source = memorySource
		log.Println("Realtime notifier: in-memory")
	}

	manager := channel.NewManager(source, channel.Options{})
	defer manager.CloseAll()

	// A demo subscription: every contact change in one log line
	unsubscribe, err := manager.Subscribe("demo", notifier.Subscription{Table: "contacts"},
		func(ev notifier.ChangeEvent) {
			log.Printf("change: %s on %s.%s", ev.Type, ev.Schema, ev.Table)
		})
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}
	defer unsubscribe()

	// HTTP surface
	handler := api.NewHandler(limiter)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/check", handler.CheckRateLimit)
	mux.HandleFunc("/queues", handler.QueueStates)
	mux.Handle("/stats", api.NewMetricsHandler(collector))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, `Flowgate Demo Server

Available endpoints:
  GET  /health   - Health check
  POST /check    - Consume tokens from a named queue's bucket
  GET  /queues   - Live queue states (tokens, backlog, processing)
  GET  /stats    - Operation metrics snapshot (JSON)
  GET  /metrics  - Prometheus metrics

Try it:
  curl http://localhost:%s/health
  curl -X POST http://localhost:%s/check -d '{"queue":"messages"}'
  curl http://localhost:%s/queues
`, *port, *port, *port)
	})

	addr := ":" + *port
	log.Printf("Starting server on http://localhost%s", addr)
	log.Println("Press Ctrl+C to stop")
	log.Println("")
	log.Println("Try these commands:")
	log.Printf("  curl http://localhost%s/health\n", *port)
	log.Printf("  curl -X POST http://localhost%s/check -d '{\"queue\":\"ai\"}'\n", *port)
	log.Printf("  curl http://localhost%s/queues\n", *port)
	log.Println("")

	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func printBanner() {
	banner := `
╔═══════════════════════════════════════════════════════╗
║                                                       ║
║   FLOWGATE - Demo Server                              ║
║                                                       ║
║   Client-Side Rate Limiting & Mutation Queueing       ║
║   Token Bucket | Priority Queue | Realtime Channels   ║
║                                                       ║
╚═══════════════════════════════════════════════════════╝
`
	fmt.Println(banner)
}
