package admin

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/r-smith/cd11connman/internal/config"
	"github.com/r-smith/cd11connman/internal/console"
	"github.com/r-smith/cd11connman/internal/registry"
)

// maxBodySize limits request bodies accepted by the API.
const maxBodySize = 1 << 16

// dateFormat is the timestamp format used in CSV output.
const dateFormat = time.RFC3339Nano

// csvHeader defines the header row for the connection log CSV.
var csvHeader = []string{"timestamp", "remote_address", "remote_port", "station", "accepted"}

// stationRequest is the body of PUT /stations/{name}.
type stationRequest struct {
	ProviderAddress string `json:"provider_address"`
	ConsumerAddress string `json:"consumer_address"`
	ConsumerPort    int    `json:"consumer_port"`
}

// stats is the body of GET /stats.
type stats struct {
	State                 string    `json:"state"`
	Stations              int       `json:"stations"`
	TotalConnections      int       `json:"total_connections"`
	AcceptedConnections   int       `json:"accepted_connections"`
	RejectedConnections   int       `json:"rejected_connections"`
	ConnectionLogCapacity int       `json:"connection_log_capacity"`
	StartedAt             time.Time `json:"started_at"`
	UptimeSeconds         int64     `json:"uptime_seconds"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	if err := e.Encode(v); err != nil {
		console.Error(console.Admin, "Failed to encode JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth reports that the admin server is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok\n")
}

// handleListStations returns every registered route sorted by name.
func (s *Server) handleListStations(w http.ResponseWriter, r *http.Request) {
	routes := s.backend.Stations()
	if routes == nil {
		routes = []registry.Route{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stations": routes})
}

func (s *Server) handleGetStation(w http.ResponseWriter, r *http.Request) {
	route, ok := s.backend.LookupStation(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// handlePutStation registers or replaces the route for a station.
func (s *Server) handlePutStation(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req stationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	station := config.Station{
		Name:            name,
		ProviderAddress: req.ProviderAddress,
		ConsumerAddress: req.ConsumerAddress,
		ConsumerPort:    req.ConsumerPort,
	}
	if err := station.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, existed := s.backend.LookupStation(name)
	s.backend.RegisterStation(name, station.ProviderAddress, station.ConsumerAddress, uint16(station.ConsumerPort))
	s.audit(r, "station registered", name)

	route, _ := s.backend.LookupStation(name)
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, route)
}

// handleDeleteStation removes the route for a station.
func (s *Server) handleDeleteStation(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.backend.LookupStation(name); !ok {
		writeError(w, http.StatusNotFound, "station not found")
		return
	}
	s.backend.UnregisterStation(name)
	s.audit(r, "station unregistered", name)
	w.WriteHeader(http.StatusNoContent)
}

// handleConnectionsJSON returns the retained connection log, oldest first.
func (s *Server) handleConnectionsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"connections": s.backend.ConnectionLogSnapshot()})
}

// handleConnectionsCSV returns the retained connection log in CSV format.
func (s *Server) handleConnectionsCSV(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=\"connections-"+time.Now().Format("20060102-150405")+".csv\"")

	c := csv.NewWriter(w)
	if err := c.Write(csvHeader); err != nil {
		console.Error(console.Admin, "Failed to encode connection log to CSV: %v", err)
		return
	}

	for _, e := range s.backend.ConnectionLogSnapshot() {
		if err := c.Write([]string{
			e.Timestamp.Format(dateFormat),
			e.RemoteAddress,
			strconv.Itoa(e.RemotePort),
			e.StationName,
			strconv.FormatBool(e.Accepted),
		}); err != nil {
			console.Error(console.Admin, "Failed to encode connection log to CSV: %v", err)
			return
		}
	}

	c.Flush()
	if err := c.Error(); err != nil {
		console.Error(console.Admin, "Failed to encode connection log to CSV: %v", err)
	}
}

// handleStats returns broker state and connection counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts := s.backend.ConnectionCounts()
	writeJSON(w, http.StatusOK, stats{
		State:                 s.backend.State().String(),
		Stations:              s.backend.StationCount(),
		TotalConnections:      counts.Total,
		AcceptedConnections:   counts.Accepted,
		RejectedConnections:   counts.Rejected,
		ConnectionLogCapacity: s.backend.ConnectionLogCapacity(),
		StartedAt:             s.startedAt,
		UptimeSeconds:         int64(time.Since(s.startedAt).Seconds()),
	})
}

// audit records an administrative change.
func (s *Server) audit(r *http.Request, action string, station string) {
	user, _, _ := r.BasicAuth()
	console.Info(console.Admin, "%s %q by %s", action, station, r.RemoteAddr)
	s.logger.Info(action,
		slog.String("event_type", "admin"),
		slog.String("station", station),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("user", user),
	)
}
