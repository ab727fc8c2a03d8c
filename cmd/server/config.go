package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/internal/config"
	"github.com/thenexusengine/tne_mediation/internal/fulfillment"
	"github.com/thenexusengine/tne_mediation/internal/partner/demo"
	"github.com/thenexusengine/tne_mediation/internal/storage"
)

// ServerConfig holds all server configuration
type ServerConfig struct {
	// Server
	Port       string
	ConfigFile string

	// Auction backend. Empty URL runs the built-in demo auction.
	AuctionURL     string
	AuctionAPIKey  string
	AuctionTimeout time.Duration

	// Events
	EventsURL string
	RedisURL  string

	// Database
	DatabaseConfig *DatabaseConfig

	// Loading
	Fulfillment fulfillment.Config
	LoadRPS     float64
	LoadBurst   int

	// From the config file
	Placements []PlacementConfig
	Partners   []PartnerConfig
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// FileConfig is the YAML config file layout
type FileConfig struct {
	Fulfillment *fulfillment.Config `yaml:"fulfillment"`
	LoadRPS     float64             `yaml:"load_rps"`
	LoadBurst   int                 `yaml:"load_burst"`
	Placements  []PlacementConfig   `yaml:"placements"`
	Partners    []PartnerConfig     `yaml:"partners"`
}

// PlacementConfig declares a placement in the config file
type PlacementConfig struct {
	Name            string                 `yaml:"name"`
	Format          string                 `yaml:"format"`
	Width           float64                `yaml:"width"`
	Height          float64                `yaml:"height"`
	Adaptive        bool                   `yaml:"adaptive"`
	Keywords        map[string]string      `yaml:"keywords"`
	PartnerSettings map[string]interface{} `yaml:"partner_settings"`
	// Waterfall lists partner IDs in bid order for the demo auction
	Waterfall []string `yaml:"waterfall"`
}

// Placement converts the entry to the stored placement shape
func (p PlacementConfig) Placement() *storage.Placement {
	return &storage.Placement{
		Name:            p.Name,
		Format:          ad.Format(p.Format),
		Width:           p.Width,
		Height:          p.Height,
		Adaptive:        p.Adaptive,
		Keywords:        p.Keywords,
		PartnerSettings: p.PartnerSettings,
		Status:          "active",
	}
}

// PartnerConfig declares a simulated partner
type PartnerConfig struct {
	ID         string        `yaml:"id"`
	FillRate   float64       `yaml:"fill_rate"`
	Latency    time.Duration `yaml:"latency"`
	ReportSize bool          `yaml:"report_size"`
	// Price is the clearing price the demo auction attaches to this partner's bids
	Price float64 `yaml:"price"`
}

// DemoConfig converts the entry to a demo adapter config
func (p PartnerConfig) DemoConfig() demo.Config {
	return demo.Config{
		PartnerID:  p.ID,
		FillRate:   p.FillRate,
		Latency:    p.Latency,
		ReportSize: p.ReportSize,
	}
}

// ParseConfig parses configuration from flags, environment variables and
// the optional YAML file. Flags and env win over the file.
func ParseConfig() (*ServerConfig, error) {
	port := flag.String("port", getEnvOrDefault("MEDIATION_PORT", "8000"), "Server port")
	configFile := flag.String("config", os.Getenv("MEDIATION_CONFIG"), "Path to YAML config file")
	auctionURL := flag.String("auction-url", os.Getenv("AUCTION_URL"), "Auction service URL (empty runs the demo auction)")
	auctionTimeout := flag.Duration("auction-timeout", getEnvDurationOrDefault("AUCTION_TIMEOUT", config.AuctionDefaultTimeout), "Auction request timeout")
	eventsURL := flag.String("events-url", os.Getenv("EVENTS_URL"), "Event backend URL")
	fullscreenTimeout := flag.Duration("fullscreen-load-timeout", getEnvDurationOrDefault("FULLSCREEN_LOAD_TIMEOUT", 0), "Per-attempt timeout for fullscreen formats")
	bannerTimeout := flag.Duration("banner-load-timeout", getEnvDurationOrDefault("BANNER_LOAD_TIMEOUT", 0), "Per-attempt timeout for banner formats")
	discard := flag.String("discard-oversized-ads", os.Getenv("DISCARD_OVERSIZED_ADS"), "Discard banners larger than requested (true/false)")
	flag.Parse()

	cfg := &ServerConfig{
		Port:           *port,
		ConfigFile:     *configFile,
		AuctionURL:     *auctionURL,
		AuctionAPIKey:  os.Getenv("AUCTION_API_KEY"),
		AuctionTimeout: *auctionTimeout,
		EventsURL:      *eventsURL,
		RedisURL:       os.Getenv("REDIS_URL"),
		Fulfillment:    fulfillment.DefaultConfig(),
		LoadRPS:        getEnvFloatOrDefault("LOAD_RPS", config.DefaultLoadRPS),
		LoadBurst:      getEnvIntOrDefault("LOAD_BURST", config.DefaultLoadBurst),
	}

	if cfg.ConfigFile != "" {
		file, err := LoadFileConfig(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.applyFile(file)
	}

	if *fullscreenTimeout > 0 {
		cfg.Fulfillment.FullscreenLoadTimeout = *fullscreenTimeout
	}
	if *bannerTimeout > 0 {
		cfg.Fulfillment.BannerLoadTimeout = *bannerTimeout
	}
	if *discard != "" {
		cfg.Fulfillment.DiscardOversizedAds = parseBool(*discard)
	}

	// Parse database config if DB_HOST is set
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		cfg.DatabaseConfig = &DatabaseConfig{
			Host:     dbHost,
			Port:     getEnvOrDefault("DB_PORT", "5432"),
			User:     getEnvOrDefault("DB_USER", "mediation"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			Name:     getEnvOrDefault("DB_NAME", "mediation"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
		}
	}

	if err := cfg.Fulfillment.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fulfillment config: %w", err)
	}
	return cfg, nil
}

// LoadFileConfig reads and validates a YAML config file
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file FileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	seen := make(map[string]bool, len(file.Placements))
	for _, p := range file.Placements {
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate placement %q", p.Name)
		}
		seen[p.Name] = true
		if err := p.Placement().Request("").Validate(); err != nil {
			return nil, fmt.Errorf("placement %q: %w", p.Name, err)
		}
	}
	for _, p := range file.Partners {
		if p.ID == "" {
			return nil, fmt.Errorf("partner without id")
		}
		if p.FillRate < 0 || p.FillRate > 1 {
			return nil, fmt.Errorf("partner %q: fill_rate must be within [0, 1]", p.ID)
		}
	}
	return &file, nil
}

func (c *ServerConfig) applyFile(file *FileConfig) {
	if file.Fulfillment != nil {
		if file.Fulfillment.FullscreenLoadTimeout > 0 {
			c.Fulfillment.FullscreenLoadTimeout = file.Fulfillment.FullscreenLoadTimeout
		}
		if file.Fulfillment.BannerLoadTimeout > 0 {
			c.Fulfillment.BannerLoadTimeout = file.Fulfillment.BannerLoadTimeout
		}
		c.Fulfillment.DiscardOversizedAds = file.Fulfillment.DiscardOversizedAds
	}
	if file.LoadRPS > 0 && os.Getenv("LOAD_RPS") == "" {
		c.LoadRPS = file.LoadRPS
	}
	if file.LoadBurst > 0 && os.Getenv("LOAD_BURST") == "" {
		c.LoadBurst = file.LoadBurst
	}
	c.Placements = file.Placements
	c.Partners = file.Partners
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDurationOrDefault accepts Go durations ("30s") or plain seconds
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f > 0 {
		return f
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func parseBool(value string) bool {
	return value == "true" || value == "1" || value == "yes"
}
