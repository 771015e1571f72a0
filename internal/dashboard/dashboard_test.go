package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/docshelf/internal/controller"
)

func startServer(t *testing.T, source Source) *Server {
	t.Helper()

	server := NewServer(&Config{Port: 0, Source: source})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	// Welcome message
	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeStats {
		t.Fatalf("Expected welcome message type %s, got %s", MessageTypeStats, msg.Type)
	}
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func openController(t *testing.T) *controller.Controller {
	t.Helper()

	cfg := controller.DefaultConfig(filepath.Join(t.TempDir(), "Documents"))
	cfg.WatchDebounce = 0
	c, err := controller.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestMessageBroadcast(t *testing.T) {
	server := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clients := []*websocket.Conn{dial(t, ctx, server), dial(t, ctx, server)}
	if count := server.ClientCount(); count != 2 {
		t.Errorf("Expected 2 clients, got %d", count)
	}

	server.BroadcastData(MessageTypeState, StateData{State: "loading"})

	for i, conn := range clients {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeState {
			t.Errorf("client %d: expected %s, got %s", i, MessageTypeState, msg.Type)
		}
		var data StateData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatalf("Failed to unmarshal state: %v", err)
		}
		if data.State != "loading" {
			t.Errorf("client %d: state = %q", i, data.State)
		}
	}
}

func TestHandlerForwardsControllerNotifications(t *testing.T) {
	c := openController(t)
	source := ControllerSource{c}
	server := startServer(t, source)
	handler := NewHandler(server, source, nil)

	notes, unsubscribe := c.Subscribe()
	defer unsubscribe()
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go handler.Run(runCtx, notes)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	_, ref, err := c.CreateNewDocument(ctx)
	if err != nil {
		t.Fatalf("CreateNewDocument() failed: %v", err)
	}

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeCollection {
		t.Fatalf("Expected %s, got %s", MessageTypeCollection, msg.Type)
	}
	var data CollectionData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if len(data.Inserted) != 1 || data.Inserted[0].ID != ref.ID().String() {
		t.Errorf("inserted = %+v, want the new document", data.Inserted)
	}
	if data.Inserted[0].Status != "local" {
		t.Errorf("status = %q, want local", data.Inserted[0].Status)
	}

	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("Expected %s, got %s", MessageTypeStats, msg.Type)
	}
	var stats StatsData
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 || stats.Local != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDocumentsAndStateEndpoints(t *testing.T) {
	c := openController(t)
	if _, _, err := c.CreateNewDocument(context.Background()); err != nil {
		t.Fatal(err)
	}
	server := startServer(t, ControllerSource{c})

	resp, err := http.Get("http://" + server.GetAddr() + "/documents")
	if err != nil {
		t.Fatalf("GET /documents failed: %v", err)
	}
	var docs []DocumentData
	err = json.NewDecoder(resp.Body).Decode(&docs)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].Name != "Untitled" {
		t.Errorf("documents = %+v", docs)
	}

	resp, err = http.Get("http://" + server.GetAddr() + "/state")
	if err != nil {
		t.Fatalf("GET /state failed: %v", err)
	}
	var state StateData
	err = json.NewDecoder(resp.Body).Decode(&state)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if state.State != "normal" || state.PendingTransfers || state.Stats == nil || state.Stats.Total != 1 {
		t.Errorf("state = %+v", state)
	}
}

func TestComputeStats(t *testing.T) {
	docs := []DocumentData{
		{},
		{Ubiquitous: true, Downloaded: true, Uploaded: true},
		{Ubiquitous: true},
		{Ubiquitous: true, Downloaded: true, Uploading: true, Conflict: true},
	}
	got := *ComputeStats(docs)
	want := StatsData{Total: 4, Local: 1, InCloud: 3, NotLocal: 1, Transferring: 1, Conflicts: 1}
	if got != want {
		t.Errorf("ComputeStats() = %+v, want %+v", got, want)
	}
}
