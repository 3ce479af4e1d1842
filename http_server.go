package simplevote

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/jellypudding/simplevote/votifier"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/sirupsen/logrus"
)

// responseLogger wraps ResponseWriter to capture status code
type responseLogger struct {
	http.ResponseWriter
	status int
}

func (rl *responseLogger) WriteHeader(code int) {
	rl.status = code
	rl.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware wraps an http.HandlerFunc with request/response logging
func loggingMiddleware(path string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseLogger{ResponseWriter: w, status: 200}
		start := time.Now()
		handler(wrapped, r)

		logrus.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   path,
			"status": wrapped.status,
			"took":   time.Since(start).String(),
		}).Debug("http request")
	}
}

func (a *App) startHttpServer(httpAddr string) error {
	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	logrus.Printf("Listening for HTTP on port %d", port)

	a.httpListener = listener
	a.httpServer = &http.Server{
		Handler:           a.createHTTPMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	close(a.httpReady)

	go func() {
		if err := a.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("HTTP server error")
		}
	}()
	return nil
}

// createHTTPMux creates an HTTP mux with all handlers
func (a *App) createHTTPMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/publickey", loggingMiddleware("/publickey", a.httpPublicKeyHandler))
	mux.HandleFunc("/publickey.b64", loggingMiddleware("/publickey.b64", a.httpPublicKeyBase64Handler))
	mux.HandleFunc("/status.json", loggingMiddleware("/status.json", a.httpStatusJsonHandler))
	mux.HandleFunc("/sites.json", loggingMiddleware("/sites.json", a.httpSitesJsonHandler))
	mux.HandleFunc("/tokens/", loggingMiddleware("/tokens/", a.httpTokensHandler))
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("failed to write json response")
	}
}

func (a *App) httpPublicKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.Keys.PublicKey() == nil {
		http.Error(w, "votifier is not enabled", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, a.Keys.PublicKeyPEM())
}

func (a *App) httpPublicKeyBase64Handler(w http.ResponseWriter, r *http.Request) {
	if a.Keys.PublicKey() == nil {
		http.Error(w, "votifier is not enabled", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, a.Keys.PublicKeyBase64())
}

type hostStatus struct {
	Hostname string  `json:"hostname"`
	Platform string  `json:"platform"`
	Uptime   uint64  `json:"uptime"`
	LoadAvg  float64 `json:"load_avg"`
}

type statusResponse struct {
	Votifier struct {
		Enabled  bool   `json:"enabled"`
		Address  string `json:"address,omitempty"`
		InFlight int    `json:"in_flight"`
	} `json:"votifier"`
	Stats        votifier.Stats `json:"stats"`
	PendingVotes int            `json:"pending_votes"`
	Uptime       int64          `json:"uptime"`
	Host         hostStatus     `json:"host"`
}

func currentHostStatus() hostStatus {
	var hs hostStatus
	if info, err := host.Info(); err == nil {
		hs.Hostname = strings.Split(info.Hostname, ".")[0]
		hs.Platform = info.Platform
		hs.Uptime = info.Uptime
	}
	if avg, err := load.Avg(); err == nil {
		loadavg := avg.Load1 / float64(runtime.NumCPU())
		hs.LoadAvg = float64(int64(loadavg*100)) / 100 // truncate to 2 digits
	}
	return hs
}

func (a *App) httpStatusJsonHandler(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	resp.Votifier.Enabled = a.server != nil
	if addr := a.VotifierAddr(); addr != nil {
		resp.Votifier.Address = addr.String()
	}
	if a.server != nil {
		resp.Votifier.InFlight = a.server.InFlight()
	}
	resp.Stats = a.metrics.Snapshot()
	resp.PendingVotes = a.dispatcher.Pending()
	resp.Uptime = int64(time.Since(a.startTime).Seconds())
	resp.Host = currentHostStatus()

	writeJSON(w, http.StatusOK, resp)
}

func (a *App) httpSitesJsonHandler(w http.ResponseWriter, r *http.Request) {
	sites := a.cfg.VotingSites
	if sites == nil {
		sites = []VotingSite{}
	}
	writeJSON(w, http.StatusOK, sites)
}

func (a *App) httpTokensHandler(w http.ResponseWriter, r *http.Request) {
	player := strings.TrimPrefix(r.URL.Path, "/tokens/")
	if player == "" || strings.Contains(player, "/") {
		http.Error(w, "player name required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, Balance{Player: player, Tokens: a.Ledger.Get(player)})
}
