package mapsync

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"nhooyr.io/websocket"
)

func TestManualMonitorDeliversTransitionsOnly(t *testing.T) {
	monitor := NewManualMonitor(false)
	sub := monitor.Subscribe()

	monitor.SetOnline(true)
	monitor.SetOnline(true)

	if got := <-sub; !got {
		t.Fatalf("expected an online transition")
	}
	select {
	case extra := <-sub:
		t.Fatalf("expected the duplicate SetOnline suppressed, got %v", extra)
	default:
	}
	if !monitor.Online() {
		t.Fatalf("expected Online to report true")
	}
}

func TestHeartbeatMonitorTracksServerAvailability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		<-r.Context().Done()
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	monitor, err := NewHeartbeatMonitor(srv.URL, nil)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	defer monitor.Close()

	waitFor(t, func() bool { return monitor.Online() })

	srv.CloseClientConnections()
	waitFor(t, func() bool { return !monitor.Online() })
}

func TestHeartbeatMonitorRequiresURL(t *testing.T) {
	if _, err := NewHeartbeatMonitor("   ", nil); err == nil {
		t.Fatalf("expected an error for a blank heartbeat URL")
	}
}
