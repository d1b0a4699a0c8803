package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clearline/futures-engine/internal/api"
	"github.com/clearline/futures-engine/internal/model"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWSHub_BroadcastsEvents(t *testing.T) {
	hub := api.NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()

	// Let the hub loop process the registration before broadcasting.
	time.Sleep(100 * time.Millisecond)

	hub.Notify(model.Event{Type: model.EventClosed, PositionID: 7, Trader: "alice"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got model.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != model.EventClosed || got.PositionID != 7 || got.Trader != "alice" {
		t.Errorf("event = %+v, want closed/7/alice", got)
	}
}

// Dead clients are pruned inside the broadcast loop; churning connections
// while broadcasting must not corrupt the client set.
func TestWSHub_BroadcastSurvivesConnectionChurn(t *testing.T) {
	hub := api.NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 25; i++ {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				continue
			}
			conn.Close()
		}
	}()

	for i := 0; i < 200; i++ {
		hub.Notify(model.Event{Type: model.EventOpened, PositionID: uint64(i)})
	}
	<-done

	// A client connected after the churn still receives broadcasts.
	conn := dialHub(t, srv)
	defer conn.Close()
	time.Sleep(100 * time.Millisecond)

	hub.Notify(model.Event{Type: model.EventFunded, Trader: "lp"})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read after churn: %v", err)
	}
}
