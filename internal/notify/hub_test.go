package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"visualization/internal/domain"
)

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubDeliversToUserSessions(t *testing.T) {
	hub := NewHub(zerolog.New(io.Discard))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "user-1")
	other := dial(t, srv, "user-2")

	// Registration happens in ServeHTTP before the read loop starts, but the
	// dial itself may still be settling.
	time.Sleep(50 * time.Millisecond)

	hub.NotifyProgress(context.Background(), "user-1", domain.Progress{
		JobID: "job-1", Status: domain.StatusProcessing, Percent: 30,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg struct {
		Type string          `json:"type"`
		Data domain.Progress `json:"data"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != "job_progress" || msg.Data.Percent != 30 {
		t.Fatalf("message = %+v", msg)
	}

	// The other user must not receive anything.
	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := other.ReadMessage(); err == nil {
		t.Fatal("user-2 received a message meant for user-1")
	}
}

func TestHubConcurrentNotifications(t *testing.T) {
	hub := NewHub(zerolog.New(io.Discard))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "user-1")
	time.Sleep(50 * time.Millisecond)

	// Worker goroutines all report progress for the same user at once. Every
	// frame must arrive intact: writes to one connection are serialized.
	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(percent int) {
			defer wg.Done()
			hub.NotifyProgress(context.Background(), "user-1", domain.Progress{
				JobID: "job-1", Status: domain.StatusProcessing, Percent: percent,
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("frame %d is not valid JSON: %v", i, err)
		}
		if msg.Type != "job_progress" {
			t.Fatalf("frame %d type = %q", i, msg.Type)
		}
	}
}

func TestHubIgnoresAbsentUser(t *testing.T) {
	hub := NewHub(zerolog.New(io.Discard))
	// Must not panic or block with no connections registered.
	hub.NotifyFailed(context.Background(), "nobody", "job-9", "boom")
	hub.NotifyCompleted(context.Background(), "nobody", domain.JobSummary{JobID: "job-9"})
}

func TestHubRequiresUserID(t *testing.T) {
	hub := NewHub(zerolog.New(io.Discard))
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("dial without user_id should fail")
	}
}
