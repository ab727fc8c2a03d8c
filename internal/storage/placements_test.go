package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/thenexusengine/tne_mediation/internal/ad"
)

var placementCols = []string{
	"id", "name", "format", "width", "height", "adaptive", "keywords", "partner_settings",
	"status", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PlacementStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("unexpected error stubbing DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPlacementStore(db), mock
}

func TestGet_Banner(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows(placementCols).
		AddRow("1", "home_banner", "banner", 320.0, 50.0, false,
			[]byte(`{"level":"5"}`), []byte(`{"app_id":"abc"}`), "active", now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM placements")).
		WithArgs("home_banner").
		WillReturnRows(rows)

	p, err := store.Get(context.Background(), "home_banner")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected placement")
	}
	if p.Format != ad.FormatBanner {
		t.Errorf("expected banner, got %s", p.Format)
	}
	if p.Keywords["level"] != "5" {
		t.Errorf("expected keyword level=5, got %v", p.Keywords)
	}
	if p.PartnerSettings["app_id"] != "abc" {
		t.Errorf("expected partner setting app_id=abc, got %v", p.PartnerSettings)
	}

	req := p.Request("load-1")
	if req.Placement != "home_banner" || req.LoadID != "load-1" {
		t.Errorf("unexpected request identity: %+v", req)
	}
	if req.Size == nil || *req.Size != ad.FixedSize(320, 50) {
		t.Errorf("expected fixed 320x50, got %v", req.Size)
	}
	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGet_FullscreenNullSize(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows(placementCols).
		AddRow("2", "level_complete", "rewarded", nil, nil, false, nil, nil, "active", now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM placements")).
		WithArgs("level_complete").
		WillReturnRows(rows)

	p, err := store.Get(context.Background(), "level_complete")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Size() != nil {
		t.Errorf("expected no size for fullscreen placement, got %v", p.Size())
	}
	if p.Keywords != nil {
		t.Errorf("expected nil keywords, got %v", p.Keywords)
	}
}

func TestGet_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM placements")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(placementCols))

	p, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected nil error for missing placement, got %v", err)
	}
	if p != nil {
		t.Errorf("expected nil placement, got %+v", p)
	}
}

func TestGet_QueryError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM placements")).
		WillReturnError(errors.New("connection reset"))

	if _, err := store.Get(context.Background(), "home_banner"); err == nil {
		t.Error("expected error")
	}
}

func TestGet_BadJSON(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows(placementCols).
		AddRow("1", "home_banner", "banner", 320.0, 50.0, false, []byte(`{bad`), nil, "active", now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM placements")).WillReturnRows(rows)

	if _, err := store.Get(context.Background(), "home_banner"); err == nil {
		t.Error("expected keyword parse error")
	}
}

func TestList(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows(placementCols).
		AddRow("1", "home_banner", "adaptive_banner", 390.0, 0.0, true, nil, nil, "active", now, now).
		AddRow("2", "level_complete", "interstitial", nil, nil, false, nil, nil, "active", now, now)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY name")).WillReturnRows(rows)

	placements, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(placements) != 2 {
		t.Fatalf("expected 2 placements, got %d", len(placements))
	}
	size := placements[0].Size()
	if size == nil || size.Type != ad.SizeTypeAdaptive {
		t.Errorf("expected adaptive size, got %v", size)
	}
	if placements[1].Name != "level_complete" {
		t.Errorf("expected level_complete, got %s", placements[1].Name)
	}
}

func TestPlacementSize(t *testing.T) {
	tests := []struct {
		name string
		p    Placement
		want *ad.Size
	}{
		{"fullscreen", Placement{Format: ad.FormatRewarded, Width: 320, Height: 50}, nil},
		{"banner without width", Placement{Format: ad.FormatBanner}, nil},
		{"fixed banner", Placement{Format: ad.FormatBanner, Width: 300, Height: 250}, &ad.SizeMediumRect},
		{"adaptive flag", Placement{Format: ad.FormatBanner, Width: 390, Adaptive: true}, sizePtr(ad.AdaptiveSize(390, 0))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.p.Size()
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			if got != nil && *got != *tt.want {
				t.Errorf("expected %v, got %v", *tt.want, *got)
			}
		})
	}
}

func sizePtr(s ad.Size) *ad.Size { return &s }
