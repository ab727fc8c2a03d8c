package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/thenexusengine/tne_mediation/pkg/redis"
)

func TestHTTPPublisher_Publish(t *testing.T) {
	var received []LoadEvent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/events" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected JSON content type, got %s", r.Header.Get("Content-Type"))
		}
		var body struct {
			Events []LoadEvent `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		received = body.Events
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	pub := NewHTTPPublisher(server.URL)
	event := buildLoadEvent(testSummary())
	if err := pub.Publish(context.Background(), []LoadEvent{event}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].LoadID != "load-1" || len(received[0].Attempts) != 3 {
		t.Errorf("unexpected event: %+v", received[0])
	}
	if received[0].ClearingPrice == nil || received[0].ClearingPrice.String() != "2.4" {
		t.Errorf("expected clearing price 2.4, got %v", received[0].ClearingPrice)
	}
}

func TestHTTPPublisher_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	pub := NewHTTPPublisher(server.URL)
	if err := pub.Publish(context.Background(), []LoadEvent{buildLoadEvent(testSummary())}); err == nil {
		t.Error("expected error for 503")
	}
	if err := pub.Publish(context.Background(), nil); err != nil {
		t.Errorf("expected empty batch to be a no-op, got %v", err)
	}
}

func TestRedisPublisher_Publish(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client, err := redis.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	pub := NewRedisPublisher(client, "test:events", 2)

	filled := buildLoadEvent(testSummary())
	unfilledSummary := testSummary()
	unfilledSummary.Winner = nil
	unfilledSummary.Err = context.Canceled
	unfilled := buildLoadEvent(unfilledSummary)

	if err := pub.Publish(context.Background(), []LoadEvent{filled, unfilled, filled}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	items, err := mr.List("test:events")
	if err != nil {
		t.Fatalf("failed to read list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected list capped at 2, got %d", len(items))
	}
	var newest LoadEvent
	if err := json.Unmarshal([]byte(items[0]), &newest); err != nil {
		t.Fatalf("failed to decode stored event: %v", err)
	}
	if newest.EventID != filled.EventID {
		t.Errorf("expected newest event first, got %s", newest.EventID)
	}

	statsKey := pub.StatsKey("home_banner")
	if got := mr.HGet(statsKey, "filled"); got != "2" {
		t.Errorf("expected filled=2, got %q", got)
	}
	if got := mr.HGet(statsKey, "unfilled"); got != "1" {
		t.Errorf("expected unfilled=1, got %q", got)
	}
	if mr.TTL(statsKey) <= 0 {
		t.Error("expected stats key to carry a TTL")
	}
}

func TestRedisPublisher_Backlog(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client, err := redis.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	pub := NewRedisPublisher(client, "test:events", 10)
	first := buildLoadEvent(testSummary())
	second := buildLoadEvent(testSummary())
	if err := pub.Publish(context.Background(), []LoadEvent{first, second}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name       string
		recent     int64
		placements []string
		wantRecent int
		wantFill   map[string]int64
	}{
		{"length only", 0, nil, 0, nil},
		{"newest event", 1, nil, 1, nil},
		{"fill counters", 5, []string{"home_banner", "unknown"}, 2, map[string]int64{"filled": 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := pub.Backlog(context.Background(), tt.recent, tt.placements)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if b.Length != 2 {
				t.Errorf("expected length 2, got %d", b.Length)
			}
			if len(b.Recent) != tt.wantRecent {
				t.Fatalf("expected %d recent events, got %d", tt.wantRecent, len(b.Recent))
			}
			if tt.wantRecent > 0 {
				var newest LoadEvent
				if err := json.Unmarshal(b.Recent[0], &newest); err != nil {
					t.Fatalf("failed to decode recent event: %v", err)
				}
				if newest.EventID != second.EventID {
					t.Errorf("expected newest event %s, got %s", second.EventID, newest.EventID)
				}
			}
			if _, ok := b.Fill["unknown"]; ok {
				t.Error("expected placements without counters to be omitted")
			}
			for field, want := range tt.wantFill {
				if got := b.Fill["home_banner"][field]; got != want {
					t.Errorf("expected %s=%d, got %d", field, want, got)
				}
			}
		})
	}
}

func TestNewRedisPublisher_Defaults(t *testing.T) {
	pub := NewRedisPublisher(nil, "", 0)
	if pub.key != "mediation:events" {
		t.Errorf("expected default key, got %s", pub.key)
	}
	if pub.maxLen != 10000 {
		t.Errorf("expected default max length 10000, got %d", pub.maxLen)
	}
}
