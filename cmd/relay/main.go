// relay is the atmosphere rendezvous server.
//
// Nodes that cannot reach each other directly connect here: founders
// register their mesh under an Ed25519 proof, members join, and frames
// fan out between them. The relay never sees capability vectors or
// routing state; it only moves opaque frames within a mesh.
//
// State lives in Redis when -redis is set, in memory otherwise. Losing
// in-memory state only costs meshes a re-registration.
//
// Usage:
//
//	relay -listen :8080
//	relay -listen :8080 -redis 127.0.0.1:6379 -token s3cret
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atmosphere-mesh/atmosphere/pkg/otel"
	"github.com/atmosphere-mesh/atmosphere/pkg/ratelimit"
	"github.com/atmosphere-mesh/atmosphere/pkg/relay"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	listen := flag.String("listen", ":8080", "HTTP listen address")
	redisAddr := flag.String("redis", "", "Redis address (empty = in-memory store)")
	authToken := flag.String("token", "", "Bearer token for the status API (empty = open)")
	rateLimitRPS := flag.Float64("rate-limit-rps", 10, "Requests per second per client IP (0 to disable)")
	rateLimitBurst := flag.Int("rate-limit-burst", 20, "Burst size per client IP")
	flag.Parse()

	ctx := context.Background()
	shutdownOtel, err := otel.Init(ctx, "atmosphere-relay", version)
	if err != nil {
		log.Printf("[Relay] otel init: %v", err)
	}
	defer shutdownOtel(context.Background())

	var store relay.Store
	if *redisAddr != "" {
		rs, err := relay.NewRedisStore(*redisAddr)
		if err != nil {
			log.Fatalf("[Relay] redis: %v", err)
		}
		store = rs
		log.Printf("[Relay] using redis store at %s", *redisAddr)
	} else {
		store = relay.NewMemoryStore()
		log.Printf("[Relay] using in-memory store")
	}
	defer store.Close()

	var limiter *ratelimit.Limiter
	if *rateLimitRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{Rate: *rateLimitRPS, Burst: *rateLimitBurst})
		defer limiter.Stop()
	}

	hub := relay.NewHub(store)

	srv := &http.Server{
		Addr:              *listen,
		Handler:           relay.NewAPI(hub, store, limiter, *authToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[Relay] listening on %s (version %s)", *listen, version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[Relay] serve: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[Relay] received signal %v, shutting down...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Relay] shutdown: %v", err)
	}
}
