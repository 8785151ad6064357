// Package applog provides leveled request/response logging with a
// fire-and-forget push to Loki, alongside local stdout logging.
package applog

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	lokiURL    string
	lokiOnce   sync.Once
	lokiClient = &http.Client{Timeout: 200 * time.Millisecond}

	// Level toggles, overridable via configs/config.yaml or
	// POWERTHROUGH_LOG_DEBUG; info and error are on by default.
	infoEnabled  = true
	debugEnabled = false
	errorEnabled = true
)

// initLoki lazily reads configs/config.yaml|yml (if present) for the Loki
// push endpoint and the level toggles, then falls back to the
// POWERTHROUGH_LOG_DEBUG environment variable for the debug toggle.
func initLoki() {
	lokiURL = ""

	configPath := ""
	for _, candidate := range []string{"configs/config.yaml", "configs/config.yml"} {
		if _, err := os.Stat(candidate); err == nil {
			configPath = candidate
			break
		}
	}

	if configPath != "" {
		var cfg struct {
			Metrics *struct {
				LokiURL string `yaml:"loki_url"`
			} `yaml:"metrics"`
			Logging *struct {
				InfoEnabled  *bool `yaml:"info_enabled"`
				DebugEnabled *bool `yaml:"debug_enabled"`
				ErrorEnabled *bool `yaml:"error_enabled"`
			} `yaml:"logging"`
		}
		if b, err := os.ReadFile(configPath); err == nil {
			if err := yaml.Unmarshal(b, &cfg); err == nil {
				if cfg.Metrics != nil && strings.TrimSpace(cfg.Metrics.LokiURL) != "" {
					lokiURL = strings.TrimSpace(cfg.Metrics.LokiURL)
				}
				if cfg.Logging != nil {
					if cfg.Logging.InfoEnabled != nil {
						infoEnabled = *cfg.Logging.InfoEnabled
					}
					if cfg.Logging.DebugEnabled != nil {
						debugEnabled = *cfg.Logging.DebugEnabled
					}
					if cfg.Logging.ErrorEnabled != nil {
						errorEnabled = *cfg.Logging.ErrorEnabled
					}
				}
			}
		}
	}

	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("POWERTHROUGH_LOG_DEBUG"))); err == nil {
		debugEnabled = v
	}

	if lokiURL != "" && !strings.Contains(lokiURL, "/loki/api/v1/push") {
		lokiURL = strings.TrimRight(lokiURL, "/") + "/loki/api/v1/push"
	}
}

func levelEnabled(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return debugEnabled
	case "error":
		return errorEnabled
	default:
		return infoEnabled
	}
}

// Emit prints line locally (if enabled for level) and pushes it to Loki.
func Emit(level, app string, labels map[string]string, line string) {
	lvl := strings.ToLower(level)
	if logEnabled() && levelEnabled(lvl) {
		log.Print(line)
	}
	PushLokiWithLevel(lvl, app, labels, line)
}

// PushLokiWithLevel sends a single log line with labels to Loki, adding a
// "level" label. No-op if Loki is unconfigured or the level is disabled.
func PushLokiWithLevel(level, app string, labels map[string]string, line string) {
	lokiOnce.Do(initLoki)
	if lokiURL == "" || !levelEnabled(level) {
		return
	}

	streamLabels := map[string]string{
		"app":   app,
		"level": strings.ToLower(strings.TrimSpace(level)),
	}
	for k, v := range labels {
		if strings.TrimSpace(k) == "" {
			continue
		}
		streamLabels[k] = v
	}

	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	payload := struct {
		Streams []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"streams"`
	}{
		Streams: []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		}{
			{Stream: streamLabels, Values: [][2]string{{ts, line}}},
		},
	}

	b, _ := json.Marshal(payload)
	req, err := http.NewRequest("POST", lokiURL, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	_, _ = lokiClient.Do(req)
}

// MustHostname returns the current hostname or "unknown" on error.
func MustHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

func logEnabled() bool {
	if flag.Lookup("test.v") != nil || flag.Lookup("test.run") != nil || flag.Lookup("test.bench") != nil {
		return false
	}
	return true
}

func isMetricsScrape(r *http.Request) bool {
	if r.URL != nil && (r.URL.Path == "/metrics" || r.URL.Path == "/metrics/prom") {
		return true
	}
	if strings.Contains(r.Header.Get("User-Agent"), "Prometheus") {
		return true
	}
	if strings.Contains(r.Header.Get("Accept"), "openmetrics") {
		return true
	}
	return false
}

// ------------- proxy request/response logging ------------

// RequestStart emits an info/debug pair for an inbound proxy request,
// before the pipeline has produced a result.
func RequestStart(r *http.Request) {
	debugLine := fmt.Sprintf(
		"REQ remote=%s method=%s url=%s proto=%s req-content-length=%s",
		remoteHost(r), r.Method, r.URL.RequestURI(), r.Proto, r.Header.Get("Content-Length"),
	)
	labels := map[string]string{
		"method":     r.Method,
		"host":       MustHostname(),
		"request_id": r.Header.Get("X-Request-ID"),
		"url":        r.URL.RequestURI(),
	}
	infoLine := fmt.Sprintf("REQ method=%s url=%s req_id=%s", r.Method, r.URL.RequestURI(), r.Header.Get("X-Request-ID"))
	Emit("info", "proxy", labels, infoLine)
	Emit("debug", "proxy", labels, debugLine)
}

// RequestDone emits an info/debug pair for a completed proxy response, and
// an error-level line for 4xx/5xx outcomes so Loki captures them.
func RequestDone(r *http.Request, status int, cache, renderer string, bytesWritten int, dur time.Duration) {
	labels := map[string]string{
		"method":     r.Method,
		"status":     strconv.Itoa(status),
		"cache":      cache,
		"renderer":   renderer,
		"host":       MustHostname(),
		"request_id": r.Header.Get("X-Request-ID"),
		"url":        r.URL.RequestURI(),
	}

	infoLine := fmt.Sprintf("RESP status=%d bytes=%d dur=%s cache=%s renderer=%s req_id=%s",
		status, bytesWritten, dur.String(), cache, renderer, r.Header.Get("X-Request-ID"))
	Emit("info", "proxy", labels, infoLine)

	debugLine := fmt.Sprintf("RESP status=%d bytes=%d dur=%s cache=%s renderer=%s headers=%v req_id=%s",
		status, bytesWritten, dur.String(), cache, renderer, r.Header, r.Header.Get("X-Request-ID"))
	Emit("debug", "proxy", labels, debugLine)

	if status >= 400 {
		errLine := fmt.Sprintf("ERROR status=%d method=%s url=%s cache=%s req_id=%s",
			status, r.Method, r.URL.RequestURI(), cache, r.Header.Get("X-Request-ID"))
		Emit("error", "proxy", labels, errLine)
	}
}

// RequestError emits an error-level log for a pipeline failure that never
// produced a ProxyResult (validation errors, upstream dispatch failures).
func RequestError(r *http.Request, status int, err error) {
	labels := map[string]string{
		"method":     r.Method,
		"status":     strconv.Itoa(status),
		"host":       MustHostname(),
		"request_id": r.Header.Get("X-Request-ID"),
		"url":        r.URL.RequestURI(),
	}
	line := fmt.Sprintf("ERROR status=%d method=%s url=%s err=%v req_id=%s",
		status, r.Method, r.URL.RequestURI(), err, r.Header.Get("X-Request-ID"))
	Emit("error", "proxy", labels, line)
}

// ------------- HTTP middleware ------------

// loggingResponseWriter captures the status code and byte count written so
// WithRequestLogging can log the outcome after the handler returns.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.n += n
	return n, err
}

// rcCombiner restores a previewed request body while still closing the
// original reader.
type rcCombiner struct {
	io.Reader
	closer io.Closer
}

func (r rcCombiner) Close() error { return r.closer.Close() }

// WithRequestLogging logs every non-scrape request/response pair and
// pushes the same lines to Loki. It reads up to 8KB of the request body
// ahead of the handler and restores it; that preview is not logged.
func WithRequestLogging(next http.Handler) http.Handler {
	const maxBodyPreview = 8 << 10
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isMetricsScrape(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		reqID := EnsureRequestID(r)
		w.Header().Set("X-Request-ID", reqID)

		if r.Body != nil {
			limited := io.LimitReader(r.Body, maxBodyPreview+1)
			buf, _ := io.ReadAll(limited)
			truncated := len(buf) > maxBodyPreview
			preview := buf
			if truncated {
				preview = buf[:maxBodyPreview]
			}
			var reader io.Reader = bytes.NewReader(preview)
			rest := r.Body
			if truncated {
				reader = io.MultiReader(bytes.NewReader(preview), rest)
			}
			r.Body = rcCombiner{Reader: reader, closer: rest}
		}

		RequestStart(r)

		lrw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lrw, r)

		dur := time.Since(start)
		status := lrw.status
		if status == 0 {
			status = http.StatusOK
		}
		RequestDone(r, status, lrw.Header().Get("X-Cache"), lrw.Header().Get("X-Renderer"), lrw.n, dur)
	})
}

// remoteHost favors X-Forwarded-For over RemoteAddr, matching the teacher's
// proxy-aware logging.
func remoteHost(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		return strings.TrimSpace(strings.Split(xf, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
