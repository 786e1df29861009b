package admin

import (
	"context"
	"crypto/tls"
	"encoding/csv"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/r-smith/cd11connman/internal/broker"
	"github.com/r-smith/cd11connman/internal/config"
	"github.com/r-smith/cd11connman/internal/logmonitor"
	"github.com/r-smith/cd11connman/internal/metrics"
	"github.com/r-smith/cd11connman/internal/registry"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/websocket"
)

func newTestServer(t *testing.T, cfg config.Admin, opts ...Option) (*Server, *broker.Broker) {
	t.Helper()
	b := broker.New(config.DefaultBroker())
	return New(cfg, b, opts...), b
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:50000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStationLifecycle(t *testing.T) {
	s, b := newTestServer(t, config.Admin{})
	h := s.Handler()

	rec := do(t, h, "PUT", "/stations/H04N", `{"provider_address":"10.0.0.5","consumer_address":"10.0.0.9","consumer_port":9000}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("PUT status = %d: %s", rec.Code, rec.Body)
	}
	if route, ok := b.LookupStation("H04N"); !ok || route.ConsumerPort != 9000 {
		t.Fatalf("route = %+v, %v", route, ok)
	}

	rec = do(t, h, "PUT", "/stations/H04N", `{"provider_address":"10.0.0.5","consumer_address":"10.0.0.10","consumer_port":9100}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace status = %d", rec.Code)
	}

	rec = do(t, h, "GET", "/stations", "")
	var list struct {
		Stations []registry.Route `json:"stations"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Stations) != 1 || list.Stations[0].ConsumerAddress != "10.0.0.10" {
		t.Fatalf("stations = %+v", list.Stations)
	}

	if rec = do(t, h, "GET", "/stations/H04N", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET station = %d", rec.Code)
	}
	if rec = do(t, h, "DELETE", "/stations/H04N", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", rec.Code)
	}
	if rec = do(t, h, "DELETE", "/stations/H04N", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second DELETE = %d", rec.Code)
	}
	if b.StationCount() != 0 {
		t.Fatal("station not removed")
	}
}

func TestPutStationValidation(t *testing.T) {
	s, b := newTestServer(t, config.Admin{})
	h := s.Handler()

	tests := []struct {
		name string
		path string
		body string
	}{
		{"bad json", "/stations/H04N", `{`},
		{"unknown field", "/stations/H04N", `{"provider":"10.0.0.5"}`},
		{"bad address", "/stations/H04N", `{"provider_address":"x","consumer_address":"10.0.0.9","consumer_port":9000}`},
		{"bad port", "/stations/H04N", `{"provider_address":"10.0.0.5","consumer_address":"10.0.0.9","consumer_port":0}`},
		{"long name", "/stations/TOOLONGNAME", `{"provider_address":"10.0.0.5","consumer_address":"10.0.0.9","consumer_port":9000}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, "PUT", tt.path, tt.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body)
			}
		})
	}
	if b.StationCount() != 0 {
		t.Fatal("invalid station registered")
	}
}

func TestConnectionsAndStats(t *testing.T) {
	s, b := newTestServer(t, config.Admin{})
	b.RegisterStation("H04N", "10.0.0.5", "10.0.0.9", 9000)
	h := s.Handler()

	rec := do(t, h, "GET", "/connections/csv", "")
	if rec.Header().Get("Content-Type") != "text/csv" {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}
	rows, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0][0] != "timestamp" {
		t.Fatalf("rows = %v", rows)
	}

	rec = do(t, h, "GET", "/connections", "")
	if !strings.Contains(rec.Body.String(), `"connections": []`) {
		t.Fatalf("connections = %s", rec.Body)
	}
	if rec.Header().Get("Cache-Control") == "" {
		t.Error("cache headers missing")
	}

	rec = do(t, h, "GET", "/stats", "")
	var st stats
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.State != "created" || st.Stations != 1 || st.ConnectionLogCapacity != config.DefaultLogCapacity {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPrivateIPEnforcement(t *testing.T) {
	s, _ := newTestServer(t, config.Admin{})
	req := httptest.NewRequest("GET", "/stations", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("public client status = %d", rec.Code)
	}

	s, _ = newTestServer(t, config.Admin{AllowPublic: true})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("allowPublic status = %d", rec.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := newTestServer(t, config.Admin{Username: "ops", PasswordHash: string(hash)})
	h := s.Handler()

	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		want       int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", "ops", "nope", true, http.StatusUnauthorized},
		{"wrong user", "root", "secret", true, http.StatusUnauthorized},
		{"valid", "ops", "secret", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/stations", nil)
			req.RemoteAddr = "10.1.1.1:4000"
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	// Health checks stay open.
	if rec := do(t, h, "GET", "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New("")
	m.RegisteredStations.Set(4)
	s, _ := newTestServer(t, config.Admin{}, WithMetrics(m))

	rec := do(t, s.Handler(), "GET", "/metrics", "")
	if !strings.Contains(rec.Body.String(), "cd11connman_registered_stations 4") {
		t.Fatalf("metrics = %s", rec.Body)
	}
}

func TestLiveView(t *testing.T) {
	mon := logmonitor.New()
	s, _ := newTestServer(t, config.Admin{}, WithMonitor(mon))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.run(ctx, mon.Channel)

	_, _ = mon.Write([]byte(`{"msg":"first"}`))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.hub.mu.Lock()
		n := len(s.hub.recent)
		s.hub.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ws, err := websocket.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/live", "", "http://localhost/")
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	_ = ws.SetDeadline(time.Now().Add(5 * time.Second))

	var msg string
	for _, want := range []string{`{"msg":"first"}`, endOfHistory} {
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			t.Fatal(err)
		}
		if msg != want {
			t.Fatalf("received %q, want %q", msg, want)
		}
	}

	_, _ = mon.Write([]byte(`{"msg":"second"}`))
	if err := websocket.Message.Receive(ws, &msg); err != nil {
		t.Fatal(err)
	}
	if msg != `{"msg":"second"}` {
		t.Fatalf("received %q", msg)
	}
}

func TestServeTLSAndShutdown(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Admin{
		EnableTLS: true,
		CertPath:  filepath.Join(dir, "admin.crt"),
		KeyPath:   filepath.Join(dir, "admin.key"),
	}
	s, _ := newTestServer(t, cfg)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l) }()

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err = client.Get("https://" + l.Addr().String() + "/healthz")
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok\n" {
		t.Fatalf("body = %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
