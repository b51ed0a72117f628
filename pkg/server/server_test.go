package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/liveballot/pkg/protocol"
)

func newTestServer(t *testing.T, mutate func(*ServerConfig)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Logger = testLogger()
	if mutate != nil {
		mutate(cfg)
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		ts.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", msgType)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	return f
}

// readUntil skips frames until one with code arrives.
func readUntil(t *testing.T, conn *websocket.Conn, code string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := readFrame(t, conn); f.Code == code {
			return f
		}
	}
	t.Fatalf("no %s frame received", code)
	return frame{}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func TestWebSocketVoteRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, nil)

	voter := dial(t, ts, "/")
	if f := readFrame(t, voter); f.Code != protocol.CodeSetBallot {
		t.Fatalf("first frame = %q, want setBallot", f.Code)
	}
	assertVotes(t, readFrame(t, voter), []int{0, 0, 0, 0})

	writeJSON(t, voter, map[string]any{"code": "vote", "data": 2, "userId": "A"})
	assertVotes(t, readUntil(t, voter, protocol.CodeSetVotes), []int{0, 0, 1, 0})
}

func TestWebSocketAdminPublishes(t *testing.T) {
	_, ts := newTestServer(t, nil)

	voter := dial(t, ts, "/")
	readFrame(t, voter)
	readFrame(t, voter)

	admin := dial(t, ts, "/admin")
	readUntil(t, admin, protocol.CodeSetBallot)
	md := readUntil(t, admin, protocol.CodeMetadata)
	var meta protocol.Metadata
	if err := json.Unmarshal(md.Data, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Connections != 2 {
		t.Errorf("metadata connections = %d, want 2", meta.Connections)
	}

	writeJSON(t, admin, map[string]any{
		"code": "setBallot",
		"data": map[string]any{"question": "Lunch?", "choices": []string{"pizza", "salad"}},
	})

	f := readUntil(t, voter, protocol.CodeSetBallot)
	var b protocol.BallotData
	if err := json.Unmarshal(f.Data, &b); err != nil {
		t.Fatal(err)
	}
	if b.Question != "Lunch?" || !reflect.DeepEqual(b.Choices, []string{"pizza", "salad"}) {
		t.Errorf("ballot = %+v", b)
	}
	assertVotes(t, readFrame(t, voter), []int{0, 0})
}

func TestWebSocketStandardCannotPublish(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	voter := dial(t, ts, "/")
	readFrame(t, voter)
	readFrame(t, voter)

	writeJSON(t, voter, map[string]any{
		"code": "setBallot",
		"data": map[string]any{"question": "Mine", "choices": []string{"a"}},
	})
	// A heartbeat after the rejected frame proves it was processed.
	writeJSON(t, voter, map[string]any{"code": "heartbeat", "data": nil, "userId": "V"})

	deadline := time.Now().Add(2 * time.Second)
	for !srv.Hub().Registry().HasIdentity("V") {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never processed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if q := srv.Hub().Ballots().Current().Question; q != "Question from server" {
		t.Errorf("ballot question = %q, standard sessions must not publish", q)
	}
}

func TestUnknownPathIsNotUpgraded(t *testing.T) {
	_, ts := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/other"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial(/other) should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("response = %v, want 404", resp)
	}
}

func TestCustomEndpoints(t *testing.T) {
	_, ts := newTestServer(t, func(c *ServerConfig) {
		c.StandardPath = "/vote"
		c.AdminPath = "/control"
	})
	conn := dial(t, ts, "/control")
	readUntil(t, conn, protocol.CodeMetadata)

	resp, err := http.Get(ts.URL + "/admin")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/admin status = %d, want 404", resp.StatusCode)
	}
}

func TestDisconnectRebroadcasts(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	a := dial(t, ts, "/")
	readFrame(t, a)
	readFrame(t, a)
	b := dial(t, ts, "/")
	readFrame(t, b)
	readFrame(t, b)
	readFrame(t, a) // tally for b's connect

	writeJSON(t, a, map[string]any{"code": "vote", "data": 0, "userId": "A"})
	assertVotes(t, readUntil(t, b, protocol.CodeSetVotes), []int{1, 0, 0, 0})

	a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	a.Close()

	assertVotes(t, readUntil(t, b, protocol.CodeSetVotes), []int{0, 0, 0, 0})

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub().Registry().Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Count() = %d, want 1", srv.Hub().Registry().Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIdleAnonymousSessionIsClosed(t *testing.T) {
	_, ts := newTestServer(t, func(c *ServerConfig) {
		c.SessionConfig.AnonymousTimeout = 50 * time.Millisecond
		c.SessionConfig.SweepInterval = 20 * time.Millisecond
	})
	conn := dial(t, ts, "/")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("ReadMessage() error = %v, want normal close", err)
		}
		return
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts, "/")
	readFrame(t, conn)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `liveballot_sessions_total{role="standard"} 1`) {
		t.Errorf("/metrics missing session counter:\n%s", body)
	}
}

func TestOriginCheck(t *testing.T) {
	_, ts := newTestServer(t, func(c *ServerConfig) {
		c.AllowedOrigins = []string{"https://ballots.example.com"}
	})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, resp, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("foreign origin should be rejected")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v, want 403", resp)
	}

	header.Set("Origin", "https://ballots.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*ServerConfig) {}},
		{name: "same paths", mutate: func(c *ServerConfig) { c.AdminPath = "/" }, wantErr: true},
		{name: "relative path", mutate: func(c *ServerConfig) { c.StandardPath = "vote" }, wantErr: true},
		{name: "reserved path", mutate: func(c *ServerConfig) { c.AdminPath = "/metrics" }, wantErr: true},
		{name: "cert without key", mutate: func(c *ServerConfig) { c.TLSCertFile = "cert.pem" }, wantErr: true},
		{name: "unknown policy", mutate: func(c *ServerConfig) { c.LedgerPolicy = "forever" }, wantErr: true},
		{name: "anonymous above named", mutate: func(c *ServerConfig) {
			c.SessionConfig.AnonymousTimeout = 2 * time.Hour
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tt.mutate(cfg)
			err := cfg.ValidateConfig()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	proxies := newProxySet([]string{"10.0.0.0/8", "192.168.1.1", "bogus"}, testLogger())

	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{name: "direct", remote: "203.0.113.5:4000", want: "203.0.113.5"},
		{name: "untrusted forwarder", remote: "203.0.113.5:4000", xff: "1.2.3.4", want: "203.0.113.5"},
		{name: "trusted forwarder", remote: "10.1.2.3:4000", xff: "1.2.3.4", want: "1.2.3.4"},
		{name: "chain of proxies", remote: "192.168.1.1:80", xff: "1.2.3.4, 10.0.0.7", want: "1.2.3.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := proxies.clientIP(r); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}

	var none *proxySet
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:4000"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	if got := none.clientIP(r); got != "10.1.2.3" {
		t.Errorf("clientIP() without proxies = %q", got)
	}
}
