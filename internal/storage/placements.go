// Package storage provides database access for placement configuration
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/thenexusengine/tne_mediation/internal/ad"
)

// Placement is a placement configuration row
type Placement struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Format          ad.Format              `json:"format"`
	Width           float64                `json:"width,omitempty"`
	Height          float64                `json:"height,omitempty"`
	Adaptive        bool                   `json:"adaptive,omitempty"`
	Keywords        map[string]string      `json:"keywords,omitempty"`
	PartnerSettings map[string]interface{} `json:"partner_settings,omitempty"`
	Status          string                 `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Size returns the configured banner size, nil for fullscreen formats
func (p *Placement) Size() *ad.Size {
	if !p.Format.IsBanner() || p.Width <= 0 {
		return nil
	}
	size := ad.FixedSize(p.Width, p.Height)
	if p.Adaptive || p.Format == ad.FormatAdaptiveBanner {
		size = ad.AdaptiveSize(p.Width, p.Height)
	}
	return &size
}

// Request builds a load request for this placement
func (p *Placement) Request(loadID string) ad.Request {
	return ad.Request{
		Format:          p.Format,
		Size:            p.Size(),
		Placement:       p.Name,
		Keywords:        p.Keywords,
		PartnerSettings: p.PartnerSettings,
		LoadID:          loadID,
	}
}

// PlacementStore provides database operations for placements
type PlacementStore struct {
	db *sql.DB
}

// NewPlacementStore creates a new placement store
func NewPlacementStore(db *sql.DB) *PlacementStore {
	return &PlacementStore{db: db}
}

const placementColumns = `id, name, format, width, height, adaptive, keywords, partner_settings,
		       status, created_at, updated_at`

// Get retrieves an active placement by name. Returns nil, nil when the
// placement does not exist or is not active.
func (s *PlacementStore) Get(ctx context.Context, name string) (*Placement, error) {
	query := `
		SELECT ` + placementColumns + `
		FROM placements
		WHERE name = $1 AND status = 'active'
	`

	p, err := scanPlacement(s.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query placement: %w", err)
	}
	return p, nil
}

// List retrieves all active placements
func (s *PlacementStore) List(ctx context.Context) ([]*Placement, error) {
	query := `
		SELECT ` + placementColumns + `
		FROM placements
		WHERE status = 'active'
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query placements: %w", err)
	}
	defer rows.Close()

	placements := make([]*Placement, 0, 16)
	for rows.Next() {
		p, err := scanPlacement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan placement row: %w", err)
		}
		placements = append(placements, p)
	}

	return placements, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlacement(row scanner) (*Placement, error) {
	var p Placement
	var format string
	var width, height sql.NullFloat64
	var keywordsJSON, settingsJSON []byte

	err := row.Scan(
		&p.ID,
		&p.Name,
		&format,
		&width,
		&height,
		&p.Adaptive,
		&keywordsJSON,
		&settingsJSON,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Format = ad.Format(format)
	p.Width = width.Float64
	p.Height = height.Float64

	// JSONB columns
	if len(keywordsJSON) > 0 {
		if err := json.Unmarshal(keywordsJSON, &p.Keywords); err != nil {
			return nil, fmt.Errorf("failed to parse keywords: %w", err)
		}
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &p.PartnerSettings); err != nil {
			return nil, fmt.Errorf("failed to parse partner_settings: %w", err)
		}
	}

	return &p, nil
}

// NewDBConnection creates a new database connection
func NewDBConnection(host, port, user, password, dbname, sslmode string) (*sql.DB, error) {
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Placement lookups are light; loads are rate limited per placement
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
