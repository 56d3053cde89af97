package wsclient

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drivekit/drivekit/pkg/signal"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// echoRelay upgrades, records the presented token, and echoes every text
// frame back to the client.
func echoRelay(t *testing.T) (*httptest.Server, *tokenRecorder) {
	t.Helper()
	rec := &tokenRecorder{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.set(r.URL.Query().Get("token"))
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts, rec
}

type tokenRecorder struct {
	mu    sync.Mutex
	token string
}

func (r *tokenRecorder) set(token string) {
	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
}

func (r *tokenRecorder) get() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestDialAttachesToken(t *testing.T) {
	ts, rec := echoRelay(t)

	conn, err := Dial(context.Background(), wsURL(ts), "the-token", false, slog.Default())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if rec.get() != "the-token" {
		t.Fatalf("server saw token %q, want the-token", rec.get())
	}
}

func TestSendAndReadLoopRoundTrip(t *testing.T) {
	ts, _ := echoRelay(t)

	conn, err := Dial(context.Background(), wsURL(ts), "t", false, slog.Default())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	got := make(chan signal.Envelope, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = conn.ReadLoop(ctx, func(env signal.Envelope) {
			select {
			case got <- env:
			default:
			}
		})
	}()

	env := signal.NewOffer("cockpit-1", "vehicle-1", "sdp-offer")
	if err := conn.Send(env); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case echoed := <-got:
		if echoed.Type != signal.KindOffer || echoed.SDP != "sdp-offer" {
			t.Fatalf("echoed = %+v", echoed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope echoed back")
	}
}

func TestReadLoopSkipsMalformedFrames(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// A malformed frame, then a valid one.
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{{{"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"leave","from":"vehicle-1","reason":"done"}`))
		time.Sleep(time.Second)
	}))
	t.Cleanup(ts.Close)

	conn, err := Dial(context.Background(), wsURL(ts), "t", false, slog.Default())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	got := make(chan signal.Envelope, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = conn.ReadLoop(ctx, func(env signal.Envelope) { got <- env })
	}()

	select {
	case env := <-got:
		if env.Type != signal.KindLeave {
			t.Fatalf("delivered = %+v, want leave", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after malformed one never delivered")
	}
}

func TestDialRejectsUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := Dial(ctx, "ws://127.0.0.1:1/ws", "t", false, slog.Default()); err == nil {
		t.Fatal("Dial to dead endpoint succeeded")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ts, _ := echoRelay(t)
	conn, err := Dial(context.Background(), wsURL(ts), "t", false, slog.Default())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
