package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"powerthrough/internal/config"
	"powerthrough/internal/headless"
	applog "powerthrough/internal/log"
	imetrics "powerthrough/internal/metrics"
	"powerthrough/internal/proxy"
	"powerthrough/internal/rewrite"
	"powerthrough/internal/safezone"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	metricsRegistry := imetrics.NewRegistry()
	cache := proxy.NewCache(cfg.CacheTTL, 0, 0)
	fetcher := proxy.NewFetcher(cfg.FallbackUA)

	var renderer headless.Renderer
	if cfg.HeadlessEnabled {
		r, err := headless.NewRodRenderer(cfg.HeadlessMax, cfg.HeadlessTimeout)
		if err != nil {
			log.Printf("headless rendering requested but unavailable: %v", err)
		} else {
			renderer = r
			defer r.Close()
		}
	}

	pipeline := &proxy.Pipeline{
		Cache:           cache,
		Fetcher:         fetcher,
		Renderer:        renderer,
		Metrics:         metricsRegistry,
		HeadlessEnabled: cfg.HeadlessEnabled && renderer != nil,
		HeadlessUA:      cfg.HeadlessUA,
	}

	mux := http.NewServeMux()
	mux.Handle(rewrite.Prefix, proxy.WithQueue(applog.WithRequestLogging(proxyHandler(pipeline)), cfg.Queue))
	mux.HandleFunc("/proxy/", legacyProxyRedirect)
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/healthz", healthzHandler)
	mux.HandleFunc("/metrics", metricsHandler(cache, cfg, metricsRegistry))
	mux.Handle("/metrics/prom", imetrics.Handler())
	mux.Handle("/safezone", safezone.Handler(pipeline))

	root := withCORS(mux)

	log.Printf("powerthrough listening on %s (cache ttl=%s, headless=%v, queue max=%d/%d)",
		cfg.ListenAddr, cfg.CacheTTL, pipeline.HeadlessEnabled, cfg.Queue.MaxQueue, cfg.Queue.MaxConcurrent)

	if err := startServer(cfg, root); err != nil {
		log.Fatal(err)
	}
}

// proxyHandler adapts the Pipeline to the GET|POST|... /powerthrough HTTP
// surface: it reads url/render from the query string (falling back to the
// x-powerthrough-render header), dispatches into the pipeline, and writes
// either a buffered body or a streamed passthrough.
func proxyHandler(pipeline *proxy.Pipeline) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		renderHint := r.URL.Query().Get("render")
		if renderHint == "" {
			renderHint = r.Header.Get("x-powerthrough-render")
		}

		result, err := pipeline.Handle(r.Context(), target, r.Method, r.Header, r.Body, renderHint)
		if err != nil {
			writeProxyError(w, r, err)
			return
		}

		for _, h := range result.Headers {
			w.Header().Add(h.Name, h.Value)
		}
		w.Header().Set("X-Cache", cacheLabel(result.FromCache))
		w.Header().Set("X-Renderer", result.Renderer)
		w.WriteHeader(result.Status)

		if result.Stream != nil {
			defer result.Stream.Close()
			io.Copy(w, result.Stream)
			return
		}
		w.Write(result.Body)
	})
}

func cacheLabel(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}

func writeProxyError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	var details string
	if perr, ok := err.(*proxy.Error); ok {
		status = perr.Status()
		message = perr.Message
		details = perr.Details
	}
	applog.RequestError(r, status, err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": message}
	if details != "" {
		body["details"] = details
	}
	json.NewEncoder(w).Encode(body)
}

// legacyProxyRedirect implements GET /proxy/:encoded -> 302 to
// /powerthrough?url=<decoded>, kept for clients still on the old path.
func legacyProxyRedirect(w http.ResponseWriter, r *http.Request) {
	encoded := strings.TrimPrefix(r.URL.Path, "/proxy/")
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		http.Error(w, "invalid encoded target", http.StatusBadRequest)
		return
	}
	dest := rewrite.Prefix + "?url=" + url.QueryEscape(decoded)
	http.Redirect(w, r, dest, http.StatusFound)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func metricsHandler(cache *proxy.Cache, cfg *config.Config, registry *imetrics.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := registry.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"requests":         snapshot.Requests,
			"cacheHits":        snapshot.CacheHits,
			"cacheMisses":      snapshot.CacheMisses,
			"upstreamErrors":   snapshot.UpstreamErrors,
			"totalLatencyMs":   snapshot.TotalLatencyMs,
			"headlessRequests": snapshot.HeadlessRequests,
			"headlessFailures": snapshot.HeadlessFailures,
			"headlessActive":   snapshot.HeadlessActive,
			"cacheSize":        cache.Len(),
			"cacheTtlMs":       cfg.CacheTTL.Milliseconds(),
			"cacheEnabled":     cache.Enabled(),
		})
	}
}

// withCORS sets the permissive CORS headers spec.md §6 requires on every
// response, and short-circuits preflight OPTIONS requests with 204.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		w.Header().Set("Access-Control-Expose-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
