package realtime

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

func wsServer(t *testing.T) (*httptest.Server, *Registry, *Broadcaster) {
	t.Helper()
	reg := NewRegistry(slog.New(slog.DiscardHandler))
	srv := httptest.NewServer(NewWSHandler(reg, slog.New(slog.DiscardHandler)))
	t.Cleanup(srv.Close)
	return srv, reg, NewBroadcaster(reg)
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user_id=" + userID
	conn, err := websocket.Dial(url, "", srv.URL)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitRoomUsers polls until the room holds n distinct users.
func waitRoomUsers(t *testing.T, reg *Registry, room string, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(reg.RoomUsers(room)) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %s never reached %d users, has %v", room, n, reg.RoomUsers(room))
}

func recv(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env Envelope
	if err := websocket.JSON.Receive(conn, &env); err != nil {
		t.Fatalf("receive: %v", err)
	}
	return env
}

func TestWS_HandshakeRejectsMissingUser(t *testing.T) {
	// WHAT: The upgrade is refused before it happens when user_id is
	// absent from the query string.
	srv, _, _ := wsServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	if _, err := websocket.Dial(url, "", srv.URL); err == nil {
		t.Fatal("dial without user_id succeeded")
	}

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestWS_JoinLeaveAndProgress(t *testing.T) {
	// WHAT: End to end over a real socket: two clients join a project
	// room, the earlier one sees user:join, both see upload progress,
	// and leaving stops delivery.
	srv, reg, b := wsServer(t)

	alice := dial(t, srv, "alice")
	if err := websocket.JSON.Send(alice, Envelope{
		Event: ClientProjectJoin,
		Data:  map[string]string{"project_id": "p1"},
	}); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	waitRoomUsers(t, reg, "project:p1", 1)

	bob := dial(t, srv, "bob")
	if err := websocket.JSON.Send(bob, Envelope{
		Event: ClientProjectJoin,
		Data:  map[string]string{"project_id": "p1"},
	}); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	waitRoomUsers(t, reg, "project:p1", 2)

	env := recv(t, alice)
	if env.Event != EventUserJoin {
		t.Fatalf("alice got %q, want user:join", env.Event)
	}

	if err := b.PublishUploadProgress("p1", "d1", "processing", ""); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		env := recv(t, conn)
		if env.Event != EventUploadProgress {
			t.Fatalf("%s got %q, want upload progress", name, env.Event)
		}
		data, ok := env.Data.(map[string]any)
		if !ok || data["doc_id"] != "d1" || data["status"] != "processing" {
			t.Fatalf("%s payload = %#v", name, env.Data)
		}
	}

	if err := websocket.JSON.Send(bob, Envelope{
		Event: ClientProjectLeave,
		Data:  map[string]string{"project_id": "p1"},
	}); err != nil {
		t.Fatalf("bob leave: %v", err)
	}
	waitRoomUsers(t, reg, "project:p1", 1)

	env = recv(t, alice)
	if env.Event != EventUserLeave {
		t.Fatalf("alice got %q, want user:leave", env.Event)
	}
}

func TestWS_DisconnectNotifiesRoom(t *testing.T) {
	// WHAT: Closing the socket behaves like leaving the room.
	srv, reg, _ := wsServer(t)

	alice := dial(t, srv, "alice")
	_ = websocket.JSON.Send(alice, Envelope{Event: ClientProjectJoin, Data: map[string]string{"project_id": "p1"}})
	waitRoomUsers(t, reg, "project:p1", 1)

	bob := dial(t, srv, "bob")
	_ = websocket.JSON.Send(bob, Envelope{Event: ClientProjectJoin, Data: map[string]string{"project_id": "p1"}})
	waitRoomUsers(t, reg, "project:p1", 2)
	_ = recv(t, alice) // bob's user:join

	bob.Close()
	waitRoomUsers(t, reg, "project:p1", 1)

	env := recv(t, alice)
	if env.Event != EventUserLeave {
		t.Fatalf("alice got %q, want user:leave", env.Event)
	}
}
