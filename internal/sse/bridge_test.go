package sse

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"signalhub/internal/bus"
	"signalhub/internal/config"
)

func testConfig() config.SSEConfig {
	return config.SSEConfig{
		HeartbeatInterval: config.Duration{Duration: time.Hour}, // keep heartbeats out of the way
		HistoryCapacity:   100,
		MaxAge:            config.Duration{Duration: 24 * time.Hour},
		SweepInterval:     config.Duration{Duration: time.Hour},
	}
}

func startBridge(t *testing.T) (*Bridge, *bus.Bus, *httptest.Server) {
	t.Helper()
	b := bus.New()
	br := NewBridge(b, testConfig())
	mux := http.NewServeMux()
	br.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		br.Shutdown()
		srv.Close()
	})
	return br, b, srv
}

// openStream connects to /sse/connect and returns a line scanner plus the
// assigned connection id parsed from the hello event.
func openStream(t *testing.T, srv *httptest.Server, query string) (*bufio.Scanner, *http.Response) {
	t.Helper()
	resp, err := http.Get(srv.URL + "/sse/connect" + query)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	return bufio.NewScanner(resp.Body), resp
}

// readEvent scans one full SSE event block and returns its fields.
func readEvent(t *testing.T, scanner *bufio.Scanner) map[string]string {
	t.Helper()
	fields := make(map[string]string)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(fields) > 0 {
				return fields
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		parts := strings.SplitN(line, ": ", 2)
		if len(parts) == 2 {
			fields[parts[0]] = parts[1]
		}
	}
	t.Fatal("stream closed before a full event arrived")
	return nil
}

func waitForStreams(t *testing.T, br *Bridge, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if br.Stats()["connections"] == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d streams, have %d", want, br.Stats()["connections"])
}

func TestBridge_ConnectedHelloAndWireFormat(t *testing.T) {
	br, _, srv := startBridge(t)

	scanner, _ := openStream(t, srv, "?userId=alice")
	hello := readEvent(t, scanner)

	if hello["event"] != "connected" {
		t.Errorf("expected connected event, got %q", hello["event"])
	}
	if hello["retry"] != "5000" {
		t.Errorf("expected retry 5000, got %q", hello["retry"])
	}
	if hello["id"] == "" {
		t.Error("expected a monotonic event id")
	}
	if !strings.Contains(hello["data"], "connection_id") {
		t.Errorf("hello data should carry the connection id: %s", hello["data"])
	}

	waitForStreams(t, br, 1)
	conns := br.Connections()
	if len(conns) != 1 || conns[0].Principal == nil || conns[0].Principal.UserID != "alice" {
		t.Errorf("unexpected connection state: %+v", conns)
	}
}

// A stream subscribed to message.sent receives the gateway-published event;
// a stream subscribed only to room.created does not.
func TestBridge_TopicFiltering(t *testing.T) {
	br, _, srv := startBridge(t)

	msgScanner, _ := openStream(t, srv, "?subscriptions=message.sent")
	readEvent(t, msgScanner) // hello
	roomScanner, _ := openStream(t, srv, "?subscriptions=room.created")
	readEvent(t, roomScanner) // hello
	waitForStreams(t, br, 2)

	sent := br.Publish("message.sent", map[string]any{"body": "deploy done"})
	if sent != 1 {
		t.Fatalf("expected exactly 1 recipient, got %d", sent)
	}

	ev := readEvent(t, msgScanner)
	if ev["event"] != "message.sent" {
		t.Errorf("expected message.sent, got %q", ev["event"])
	}
	if !strings.Contains(ev["data"], "deploy done") {
		t.Errorf("payload missing: %s", ev["data"])
	}
}

func TestBridge_BusEventsReachStreams(t *testing.T) {
	br, b, srv := startBridge(t)

	scanner, _ := openStream(t, srv, "?subscriptions="+bus.TopicRoomCreated)
	readEvent(t, scanner) // hello
	waitForStreams(t, br, 1)

	b.Publish(bus.TopicRoomCreated, "ops", map[string]any{"room": "ops"})

	ev := readEvent(t, scanner)
	if ev["event"] != bus.TopicRoomCreated {
		t.Errorf("expected %s, got %q", bus.TopicRoomCreated, ev["event"])
	}
	if !strings.Contains(ev["data"], `"room":"ops"`) {
		t.Errorf("expected room in payload: %s", ev["data"])
	}
}

func TestBridge_WildcardSubscription(t *testing.T) {
	br, _, srv := startBridge(t)

	scanner, _ := openStream(t, srv, "?subscriptions=*")
	readEvent(t, scanner)
	waitForStreams(t, br, 1)

	if sent := br.Publish("anything.at.all", map[string]any{"x": 1}); sent != 1 {
		t.Errorf("wildcard stream should receive any topic, sent=%d", sent)
	}
}

func TestBridge_SubscribeUnsubscribe(t *testing.T) {
	br, _, srv := startBridge(t)

	scanner, _ := openStream(t, srv, "")
	readEvent(t, scanner)
	waitForStreams(t, br, 1)
	id := br.Connections()[0].ID

	if sent := br.Publish("alerts", nil); sent != 0 {
		t.Fatalf("not subscribed yet, sent=%d", sent)
	}

	if err := br.Subscribe(id, "alerts"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if sent := br.Publish("alerts", nil); sent != 1 {
		t.Errorf("expected delivery after subscribe, sent=%d", sent)
	}

	if err := br.Unsubscribe(id, "alerts"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sent := br.Publish("alerts", nil); sent != 0 {
		t.Errorf("expected no delivery after unsubscribe, sent=%d", sent)
	}

	// The default topic cannot be dropped, unknown streams error.
	if err := br.Unsubscribe(id, DefaultTopic); err != ErrInvalidTopic {
		t.Errorf("expected ErrInvalidTopic, got %v", err)
	}
	if err := br.Subscribe("ghost", "alerts"); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

// Topic additions racing a fresh connect must not touch the subscription
// set the hello frame reads.
func TestBridge_SubscribeDuringConnect(t *testing.T) {
	br, _, srv := startBridge(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, c := range br.Connections() {
				br.Subscribe(c.ID, "alerts")
			}
		}
	}()

	for i := 0; i < 10; i++ {
		scanner, _ := openStream(t, srv, "?subscriptions=message.sent")
		hello := readEvent(t, scanner)
		if !strings.Contains(hello["data"], "message.sent") {
			t.Fatalf("hello should list the initial subscriptions: %s", hello["data"])
		}
	}
	close(stop)
	wg.Wait()
}

func TestBridge_HistoryBounded(t *testing.T) {
	b := bus.New()
	cfg := testConfig()
	cfg.HistoryCapacity = 5
	br := NewBridge(b, cfg)
	defer br.Shutdown()

	for i := 0; i < 10; i++ {
		br.Publish("audit", map[string]any{"n": i})
	}

	events := br.History("audit")
	if len(events) != 5 {
		t.Fatalf("expected history capped at 5, got %d", len(events))
	}
	// IDs are monotonic; the retained window is the most recent.
	if events[0].ID >= events[4].ID {
		t.Error("history ids should be increasing")
	}
}

func TestBridge_Sweep(t *testing.T) {
	b := bus.New()
	br := NewBridge(b, testConfig())
	defer br.Shutdown()

	br.Publish("audit", map[string]any{"n": 1})
	time.Sleep(10 * time.Millisecond)

	_, events := br.Sweep(time.Millisecond)
	if events != 1 {
		t.Errorf("expected 1 history event swept, got %d", events)
	}
	if len(br.History("audit")) != 0 {
		t.Error("history should be empty after sweep")
	}
}
