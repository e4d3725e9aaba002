package hub

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledfleet/fleetctl/internal/ota"
	"github.com/ledfleet/fleetctl/internal/registry"
)

// Mux builds the hub's HTTP surface: health, JSON and Prometheus metrics,
// node listing, OTA control (admin-gated), and OTA binary serving.
// Route registration follows a plain http.NewServeMux wiring style, with
// /metrics/prom using a standalone Collector registration.
func (c *Coordinator) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/metrics", c.handleMetricsJSON)
	mux.HandleFunc("/nodes", c.handleNodes)
	mux.HandleFunc("/auth/login", c.handleLogin)

	mux.HandleFunc("/ota/status", c.handleOTAStatus)
	mux.Handle("/ota/rollout", c.requireAdmin(c.handleOTARollout))
	mux.Handle("/ota/abort", c.requireAdmin(c.handleOTAAbort))
	mux.HandleFunc("/ota/", c.handleOTABinary)

	mux.Handle(c.wsPathOrDefault(), c.wsServer.Handler())

	reg := prometheus.NewRegistry()
	reg.MustRegister(newMetricsCollector(c))
	mux.Handle("/metrics/prom", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return loggingMiddleware(c.log)(mux)
}

func (c *Coordinator) wsPathOrDefault() string {
	if c.cfg != nil && c.cfg.WSPath != "" {
		return c.cfg.WSPath
	}
	return "/ws"
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime_s":  c.clock.UptimeSeconds(),
		"tickCount": c.clock.TickCount(),
	})
}

type nodeSummary struct {
	NodeID   int    `json:"nodeId"`
	MAC      string `json:"mac"`
	State    string `json:"state"`
	FW       string `json:"fw"`
	RSSI     int8   `json:"rssi"`
	LossPct  uint16 `json:"lossPct"`
	DriftUs  int32  `json:"driftUs"`
	OTAState string `json:"otaState"`
	OTAPct   int    `json:"otaPct"`
}

func (c *Coordinator) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	byState := map[string]int{}
	c.registry.ForEachAll(func(e registry.Entry) {
		byState[e.State.String()]++
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"tickCount":    c.clock.TickCount(),
		"tickOverruns": c.clock.TickOverruns(),
		"udpSent":      c.fanout.SentCount(),
		"wsClients":    c.wsServer.ClientCount(),
		"nodesByState": byState,
		"ota":          c.ota.Status(),
	})
}

func (c *Coordinator) handleNodes(w http.ResponseWriter, r *http.Request) {
	var nodes []nodeSummary
	c.registry.ForEachAll(func(e registry.Entry) {
		nodes = append(nodes, nodeSummary{
			NodeID: e.NodeID, MAC: e.MAC, State: e.State.String(), FW: e.FW,
			RSSI: e.RSSI, LossPct: e.LossPct, DriftUs: e.DriftUs,
			OTAState: e.OTAState.String(), OTAPct: e.OTAPct,
		})
	})
	writeJSON(w, http.StatusOK, nodes)
}

func (c *Coordinator) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if c.cfg.AdminPasswordHash == "" {
		http.Error(w, "admin auth not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct{ User, Password string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.User != c.cfg.AdminUser || !checkAdminPassword(c.cfg.AdminPasswordHash, req.Password) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tok := generateAdminToken(req.User, c.cfg.AdminTokenSecret)
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (c *Coordinator) handleOTAStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.ota.Status())
}

func (c *Coordinator) handleOTARollout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Track    string `json:"track"`
		Platform string `json:"platform"`
		NodeIDs  []int  `json:"nodeIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	rolloutID, err := c.ota.StartRollout(req.Track, req.Platform, req.NodeIDs, time.Now().UnixMilli())
	if err != nil {
		status := http.StatusInternalServerError
		switch err {
		case ota.ErrRolloutInProgress, ota.ErrEmptyNodeList:
			status = http.StatusConflict
		case ota.ErrUnknownPlatform, ota.ErrUnknownTrack:
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"rolloutId": rolloutID})
}

func (c *Coordinator) handleOTAAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct{ Reason string `json:"reason"` }
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator abort"
	}
	c.ota.Abort(req.Reason)
	writeJSON(w, http.StatusOK, c.ota.Status())
}

func (c *Coordinator) handleOTABinary(w http.ResponseWriter, r *http.Request) {
	path, err := c.otaRepo.ResolveBinaryPath(r.URL.Path)
	if err != nil {
		switch err {
		case ota.ErrNotFound:
			http.Error(w, "not found", http.StatusNotFound)
		case ota.ErrBadPath:
			http.Error(w, "invalid path", http.StatusBadRequest)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, strings.TrimPrefix(path, "/"), time.Time{}, f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
