package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"
)

type staticProvider struct {
	status Status
}

func (p *staticProvider) Status() Status {
	return p.status
}

func startServer(t *testing.T, provider StatusProvider) *Server {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg, provider)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	return resp, body
}

func TestServer_Healthz(t *testing.T) {
	s := startServer(t, &staticProvider{})

	resp, body := get(t, "http://"+s.Addr()+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "ok\n" {
		t.Errorf("body = %q, want %q", body, "ok\n")
	}
}

func TestServer_Status(t *testing.T) {
	provider := &staticProvider{status: Status{
		PublicKey:     "testkey",
		ListenAddr:    "0.0.0.0:51820",
		UptimeSeconds: 61,
		Peers: []PeerInfo{
			{PublicKey: "hubkey", Role: "hub", BytesIn: 100, BytesOut: 200},
		},
		Sessions: []SessionInfo{
			{PeerKey: "hubkey", LocalIndex: 1, RemoteIndex: 2, AgeSeconds: 30, Established: true},
		},
	}}
	s := startServer(t, provider)

	resp, body := get(t, "http://"+s.Addr()+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got Status
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if got.PublicKey != "testkey" || got.UptimeSeconds != 61 {
		t.Errorf("status = %+v", got)
	}
	if len(got.Peers) != 1 || got.Peers[0].Role != "hub" {
		t.Errorf("peers = %+v", got.Peers)
	}
	if len(got.Sessions) != 1 || !got.Sessions[0].Established {
		t.Errorf("sessions = %+v", got.Sessions)
	}
}

func TestServer_Metrics(t *testing.T) {
	s := startServer(t, &staticProvider{})

	resp, _ := get(t, "http://"+s.Addr()+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", resp.StatusCode)
	}
}
