package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/thenexusengine/tne_mediation/internal/config"
	"github.com/thenexusengine/tne_mediation/pkg/redis"
)

// HTTPPublisher posts event batches to the reporting backend
type HTTPPublisher struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPPublisher creates a publisher posting to baseURL + "/api/events"
func NewHTTPPublisher(baseURL string) *HTTPPublisher {
	return &HTTPPublisher{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Name implements Publisher
func (p *HTTPPublisher) Name() string { return "http" }

// Publish implements Publisher
func (p *HTTPPublisher) Publish(ctx context.Context, events []LoadEvent) error {
	if len(events) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"events": events,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("events backend returned status %d", resp.StatusCode)
	}
	return nil
}

// RedisPublisher pushes events onto a capped Redis list and keeps
// per-placement fill counters
type RedisPublisher struct {
	client  *redis.Client
	key     string
	maxLen  int64
	statTTL time.Duration
}

// NewRedisPublisher creates a publisher writing to key, capped at maxLen entries
func NewRedisPublisher(client *redis.Client, key string, maxLen int64) *RedisPublisher {
	if key == "" {
		key = config.RedisEventsKey
	}
	if maxLen <= 0 {
		maxLen = config.DefaultEventListMax
	}
	return &RedisPublisher{
		client:  client,
		key:     key,
		maxLen:  maxLen,
		statTTL: 48 * time.Hour,
	}
}

// Name implements Publisher
func (p *RedisPublisher) Name() string { return "redis" }

// StatsKey returns the hash holding fill counters for a placement
func (p *RedisPublisher) StatsKey(placement string) string {
	return p.key + ":stats:" + placement
}

// Publish implements Publisher
func (p *RedisPublisher) Publish(ctx context.Context, events []LoadEvent) error {
	if len(events) == 0 {
		return nil
	}

	values := make([]interface{}, len(events))
	for i, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", e.EventID, err)
		}
		values[i] = data
	}

	if err := p.client.PushCapped(ctx, p.key, p.maxLen, values...); err != nil {
		return fmt.Errorf("failed to push events: %w", err)
	}

	touched := make(map[string]struct{})
	for _, e := range events {
		key := p.StatsKey(e.Placement)
		field := "unfilled"
		if e.Filled {
			field = "filled"
		}
		if err := p.client.HIncrBy(ctx, key, field, 1); err != nil {
			return fmt.Errorf("failed to update placement stats: %w", err)
		}
		touched[key] = struct{}{}
	}
	for key := range touched {
		if err := p.client.Expire(ctx, key, p.statTTL); err != nil {
			return fmt.Errorf("failed to set stats ttl: %w", err)
		}
	}
	return nil
}

// Backlog is a read-back of what the publisher has stored in Redis
type Backlog struct {
	Key    string                      `json:"key"`
	Length int64                       `json:"length"`
	Recent []json.RawMessage           `json:"recent,omitempty"`
	Fill   map[string]map[string]int64 `json:"fill,omitempty"`
}

// Backlog reads the list length, up to recent newest events and the fill
// counters of the given placements
func (p *RedisPublisher) Backlog(ctx context.Context, recent int64, placements []string) (*Backlog, error) {
	length, err := p.client.LLen(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read event list length: %w", err)
	}
	b := &Backlog{Key: p.key, Length: length}

	if recent > 0 {
		items, err := p.client.LRange(ctx, p.key, 0, recent-1)
		if err != nil {
			return nil, fmt.Errorf("failed to read recent events: %w", err)
		}
		b.Recent = make([]json.RawMessage, len(items))
		for i, item := range items {
			b.Recent[i] = json.RawMessage(item)
		}
	}

	for _, placement := range placements {
		fields, err := p.client.HGetAll(ctx, p.StatsKey(placement))
		if err != nil {
			return nil, fmt.Errorf("failed to read stats for %s: %w", placement, err)
		}
		if len(fields) == 0 {
			continue
		}
		counts := make(map[string]int64, len(fields))
		for field, v := range fields {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			counts[field] = n
		}
		if b.Fill == nil {
			b.Fill = make(map[string]map[string]int64)
		}
		b.Fill[placement] = counts
	}
	return b, nil
}
