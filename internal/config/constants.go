// Package config provides shared configuration constants for the mediation service
package config

import "time"

// Server timeout defaults
const (
	// ServerReadTimeout is the maximum duration for reading the entire request
	ServerReadTimeout = 5 * time.Second

	// ServerWriteTimeout is the floor for the write timeout; the harness
	// raises it to cover WaterfallDepth timed-out attempts
	ServerWriteTimeout = 90 * time.Second

	// WaterfallDepth is how many timed-out attempts one harness load is
	// sized for. Deeper waterfalls are aborted before the write deadline.
	WaterfallDepth = 5

	// WriteTimeoutMargin is kept between a load's deadline and the write
	// deadline so the error response can still be written
	WriteTimeoutMargin = 2 * time.Second

	// ServerIdleTimeout is the maximum time to wait for the next request when keep-alives are enabled
	ServerIdleTimeout = 120 * time.Second

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout = 30 * time.Second
)

// Fulfillment defaults
const (
	// FullscreenLoadTimeout bounds one partner attempt for interstitial and rewarded formats
	FullscreenLoadTimeout = 30 * time.Second

	// BannerLoadTimeout bounds one partner attempt for banner formats
	BannerLoadTimeout = 15 * time.Second
)

// Auction client defaults
const (
	// AuctionDefaultTimeout is the default timeout for auction requests
	AuctionDefaultTimeout = 5 * time.Second

	// AuctionMaxResponseSize is the maximum response size from the auction (1MB)
	AuctionMaxResponseSize = 1024 * 1024

	// AuctionMaxConnsPerHost is the maximum connections per host for the auction
	AuctionMaxConnsPerHost = 100

	// AuctionIdleConnTimeout is how long to keep idle connections
	AuctionIdleConnTimeout = 120 * time.Second

	// LoadIDHeader carries the load identifier on auction requests
	LoadIDHeader = "X-Mediation-Load-ID"

	// RateLimitResetHeader carries the load rate-limit window in seconds
	RateLimitResetHeader = "X-Mediation-Load-Rate-Limit-Reset"

	// MaxRateLimitReset caps a server-requested load pause
	MaxRateLimitReset = 24 * time.Hour
)

// Load rate limiting defaults
const (
	// DefaultLoadRPS is the default local loads per second per placement
	DefaultLoadRPS = 5

	// DefaultLoadBurst is the default local burst per placement
	DefaultLoadBurst = 5
)

// Event reporting defaults
const (
	// DefaultEventBufferSize is the default event buffer size
	DefaultEventBufferSize = 100

	// DefaultEventFlushInterval is how often buffered events are flushed
	DefaultEventFlushInterval = 5 * time.Second

	// DefaultEventFlushWorkers bounds concurrent flushes
	DefaultEventFlushWorkers = 10

	// DefaultEventListMax caps the Redis event list length
	DefaultEventListMax = 10000
)

// Redis defaults
const (
	// RedisPoolSize is the default connection pool size
	RedisPoolSize = 100

	// RedisEventsKey is the list events are pushed to
	RedisEventsKey = "mediation:events"
)

// Size limiting defaults
const (
	// DefaultMaxBodySize is the default maximum request body size (1MB)
	DefaultMaxBodySize = 1024 * 1024
)

// DefaultMaxURLLength is the default maximum request URL length (8KB)
const DefaultMaxURLLength = 8192

// Admin authentication
const (
	// AdminAPIKeyHeader carries the admin API key
	AdminAPIKeyHeader = "X-API-Key"
)
