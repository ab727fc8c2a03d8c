package fulfillment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thenexusengine/tne_mediation/internal/ad"
	"github.com/thenexusengine/tne_mediation/internal/partner"
	"github.com/thenexusengine/tne_mediation/internal/scheduler"
)

type fakeAd struct {
	req  partner.LoadRequest
	view interface{}
}

func (a *fakeAd) Request() partner.LoadRequest { return a.req }
func (a *fakeAd) View() interface{} { return a.view }

type fakeBanner struct {
	fakeAd
	size *ad.Size
}

func (b *fakeBanner) BannerSize() *ad.Size { return b.size }

type loadCall struct {
	req        partner.LoadRequest
	completion func(partner.Ad, error)
	canceled   bool
}

// fakeRouter records every routed load and lets the test complete them
type fakeRouter struct {
	loads       []*loadCall
	invalidated []partner.Ad
	// respond, when set, completes loads synchronously inside RouteLoad
	respond func(req partner.LoadRequest) (partner.Ad, error)
}

func (r *fakeRouter) RouteLoad(req partner.LoadRequest, _ ad.Surface, _ partner.EventDelegate, completion func(partner.Ad, error)) func() {
	call := &loadCall{req: req, completion: completion}
	r.loads = append(r.loads, call)
	if r.respond != nil {
		completion(r.respond(req))
	}
	return func() { call.canceled = true }
}

func (r *fakeRouter) RouteInvalidate(a partner.Ad, completion func(error)) {
	r.invalidated = append(r.invalidated, a)
	completion(nil)
}

func (r *fakeRouter) partners() []string {
	ids := make([]string, len(r.loads))
	for i, c := range r.loads {
		ids[i] = c.req.PartnerID
	}
	return ids
}

type harness struct {
	t        *testing.T
	sched    *scheduler.Manual
	router   *fakeRouter
	engine   *Engine
	outcomes []Outcome
}

func newHarness(t *testing.T, req ad.Request, bids []ad.Bid, cfg Config) *harness {
	h := &harness{
		t:      t,
		sched:  scheduler.NewManual(time.Unix(1700000000, 0)),
		router: &fakeRouter{},
	}
	h.engine = New(req, bids, h.router, h.sched, cfg, nil)
	return h
}

func (h *harness) run(ctx context.Context) {
	h.engine.Run(ctx, func(o Outcome) { h.outcomes = append(h.outcomes, o) })
	h.sched.Drain()
}

func (h *harness) succeed(i int, a partner.Ad) {
	h.router.loads[i].completion(a, nil)
	h.sched.Drain()
}

func (h *harness) fail(i int, err error) {
	h.router.loads[i].completion(nil, err)
	h.sched.Drain()
}

func (h *harness) outcome() Outcome {
	h.t.Helper()
	if len(h.outcomes) != 1 {
		h.t.Fatalf("expected exactly 1 outcome, got %d", len(h.outcomes))
	}
	return h.outcomes[0]
}

func testConfig() Config {
	return Config{
		FullscreenLoadTimeout: 10 * time.Second,
		BannerLoadTimeout:     5 * time.Second,
		DiscardOversizedAds:   true,
	}
}

func interstitialRequest() ad.Request {
	return ad.Request{Format: ad.FormatInterstitial, Placement: "level_complete", LoadID: "load-1"}
}

func bannerRequest(w, h float64) ad.Request {
	size := ad.FixedSize(w, h)
	return ad.Request{Format: ad.FormatBanner, Placement: "home_banner", Size: &size, LoadID: "load-2"}
}

func bids(partnerIDs ...string) []ad.Bid {
	out := make([]ad.Bid, len(partnerIDs))
	for i, id := range partnerIDs {
		out[i] = ad.Bid{ID: "bid-" + id, PartnerID: id, PartnerPlacement: id + "-placement", AuctionID: "auction-1"}
	}
	return out
}

func adFor(call *loadCall) *fakeAd {
	return &fakeAd{req: call.req}
}

func TestRun_FirstSuccessWins(t *testing.T) {
	h := newHarness(t, interstitialRequest(), bids("A", "B", "C"), testConfig())
	h.run(context.Background())

	if len(h.router.loads) != 1 || h.router.loads[0].req.PartnerID != "A" {
		t.Fatalf("expected only A in flight, got %v", h.router.partners())
	}

	h.fail(0, partner.NewNoFillError("A"))
	if len(h.router.loads) != 2 || h.router.loads[1].req.PartnerID != "B" {
		t.Fatalf("expected B after A failed, got %v", h.router.partners())
	}

	winner := adFor(h.router.loads[1])
	h.succeed(1, winner)

	out := h.outcome()
	if out.Err != nil {
		t.Fatalf("expected success, got %v", out.Err)
	}
	if out.Result.Bid.PartnerID != "B" {
		t.Errorf("expected B to win, got %s", out.Result.Bid.PartnerID)
	}
	if out.Result.Ad != winner {
		t.Error("expected the loaded partner ad in the result")
	}
	if out.Result.Size != nil {
		t.Errorf("expected no size for fullscreen, got %v", out.Result.Size)
	}
	if len(out.Attempts) != 2 {
		t.Fatalf("expected 2 attempt records, got %d", len(out.Attempts))
	}
	if out.Attempts[0].PartnerID != "A" || out.Attempts[0].Outcome() != OutcomeNoFill {
		t.Errorf("expected A no_fill first, got %s %s", out.Attempts[0].PartnerID, out.Attempts[0].Outcome())
	}
	if !out.Attempts[1].Succeeded() {
		t.Errorf("expected B attempt to succeed, got %v", out.Attempts[1].Err)
	}
	if len(h.router.loads) != 2 {
		t.Errorf("expected C never attempted, got %v", h.router.partners())
	}
}

func TestRun_OneLoadInFlight(t *testing.T) {
	h := newHarness(t, interstitialRequest(), bids("A", "B", "C"), testConfig())
	h.run(context.Background())

	for i, want := range []string{"A", "B", "C"} {
		if len(h.router.loads) != i+1 {
			t.Fatalf("expected %d routed loads, got %v", i+1, h.router.partners())
		}
		if got := h.router.loads[i].req.PartnerID; got != want {
			t.Fatalf("expected %s at position %d, got %s", want, i, got)
		}
		h.fail(i, partner.NewLoadError(want, errors.New("boom")))
	}
}

func TestRun_ExhaustedCollectsErrorsInOrder(t *testing.T) {
	h := newHarness(t, interstitialRequest(), bids("A", "B", "C"), testConfig())
	h.run(context.Background())

	h.fail(0, partner.NewNoFillError("A"))
	h.sched.Advance(10 * time.Second) // B times out
	h.fail(2, partner.NewLoadError("C", errors.New("sdk crashed")))

	out := h.outcome()
	var exhausted *ExhaustedError
	if !errors.As(out.Err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %T: %v", out.Err, out.Err)
	}
	if len(exhausted.Errors) != 3 {
		t.Fatalf("expected 3 sub-errors, got %d", len(exhausted.Errors))
	}
	if code, _ := partner.CodeOf(exhausted.Errors[0]); code != partner.ErrorCodeNoFill {
		t.Errorf("expected first error NO_FILL, got %v", exhausted.Errors[0])
	}
	var timeout *TimeoutError
	if !errors.As(exhausted.Errors[1], &timeout) || timeout.PartnerID != "B" {
		t.Errorf("expected second error to be B timeout, got %v", exhausted.Errors[1])
	}
	if code, _ := partner.CodeOf(exhausted.Errors[2]); code != partner.ErrorCodeLoadFailure {
		t.Errorf("expected third error LOAD_FAILURE, got %v", exhausted.Errors[2])
	}
	if !errors.Is(out.Err, ErrNoFill) {
		t.Error("expected exhausted error to match ErrNoFill")
	}
	if !errors.Is(out.Err, ErrTimeout) {
		t.Error("expected exhausted error to expose the timeout")
	}
	if out.Result != nil {
		t.Error("expected no result")
	}
	if len(out.Attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(out.Attempts))
	}
}

func TestRun_TimeoutCancelsAndIgnoresLateCallback(t *testing.T) {
	h := newHarness(t, interstitialRequest(), bids("A", "B"), testConfig())
	h.run(context.Background())

	h.sched.Advance(9 * time.Second)
	if h.router.loads[0].canceled {
		t.Fatal("A canceled before its timeout")
	}
	h.sched.Advance(time.Second)

	if !h.router.loads[0].canceled {
		t.Error("expected A's load to be canceled on timeout")
	}
	if len(h.router.loads) != 2 {
		t.Fatalf("expected B to start after A timed out, got %v", h.router.partners())
	}

	// A's partner answers late; the engine must not treat it as B's result
	h.succeed(0, adFor(h.router.loads[0]))
	if len(h.outcomes) != 0 {
		t.Fatal("late callback produced an outcome")
	}

	h.fail(1, partner.NewNoFillError("B"))
	out := h.outcome()
	if len(out.Attempts) != 2 {
		t.Errorf("expected exactly 2 attempt records, got %d", len(out.Attempts))
	}
	if out.Attempts[0].Outcome() != OutcomeTimeout {
		t.Errorf("expected A timeout, got %s", out.Attempts[0].Outcome())
	}
	if out.Attempts[0].Latency() != 10*time.Second {
		t.Errorf("expected 10s latency, got %v", out.Attempts[0].Latency())
	}
}

func TestRun_LateCallbackAfterFinishIgnored(t *testing.T) {
	h := newHarness(t, interstitialRequest(), bids("A"), testConfig())
	h.run(context.Background())
	h.sched.Advance(10 * time.Second)

	h.succeed(0, adFor(h.router.loads[0]))
	h.fail(0, errors.New("again"))

	if len(h.outcomes) != 1 {
		t.Fatalf("expected a single outcome, got %d", len(h.outcomes))
	}
	if !errors.Is(h.outcomes[0].Err, ErrTimeout) {
		t.Errorf("expected timeout, got %v", h.outcomes[0].Err)
	}
}

func TestRun_SuccessCancelsTimeout(t *testing.T) {
	h := newHarness(t, interstitialRequest(), bids("A"), testConfig())
	h.run(context.Background())
	h.sched.Advance(time.Second)
	h.succeed(0, adFor(h.router.loads[0]))

	if h.sched.PendingTimers() != 0 {
		t.Errorf("expected timeout to be canceled, %d timers pending", h.sched.PendingTimers())
	}
	h.sched.Advance(time.Minute)
	if len(h.outcomes) != 1 || h.outcomes[0].Err != nil {
		t.Errorf("expected one successful outcome, got %+v", h.outcomes)
	}
	if h.router.loads[0].canceled {
		t.Error("winning load was canceled")
	}
}

func TestRun_BannerUsesBannerTimeout(t *testing.T) {
	h := newHarness(t, bannerRequest(320, 50), bids("A", "B"), testConfig())
	h.run(context.Background())

	h.sched.Advance(5 * time.Second)
	if len(h.router.loads) != 2 {
		t.Fatalf("expected banner timeout to move to B after 5s, got %v", h.router.partners())
	}
}

func TestRun_NoBids(t *testing.T) {
	h := newHarness(t, interstitialRequest(), nil, testConfig())
	h.engine.Run(context.Background(), func(o Outcome) { h.outcomes = append(h.outcomes, o) })

	if len(h.outcomes) != 0 {
		t.Fatal("completion invoked synchronously")
	}
	h.sched.Drain()

	out := h.outcome()
	if !errors.Is(out.Err, ErrNoBids) {
		t.Errorf("expected ErrNoBids, got %v", out.Err)
	}
	if !errors.Is(out.Err, ErrNoFill) {
		t.Error("expected ErrNoBids to match ErrNoFill")
	}
	var exhausted *ExhaustedError
	if errors.As(out.Err, &exhausted) {
		t.Error("empty bid list must not report exhaustion")
	}
	if len(h.router.loads) != 0 {
		t.Errorf("expected no routed loads, got %d", len(h.router.loads))
	}
}

func TestRun_SecondRunRejected(t *testing.T) {
	h := newHarness(t, interstitialRequest(), bids("A"), testConfig())
	h.run(context.Background())

	var second []Outcome
	h.engine.Run(context.Background(), func(o Outcome) { second = append(second, o) })
	h.sched.Drain()

	if len(second) != 1 || !errors.Is(second[0].Err, ErrAlreadyRun) {
		t.Fatalf("expected ErrAlreadyRun, got %+v", second)
	}
	if len(h.router.loads) != 1 {
		t.Errorf("second run must not route loads, got %d", len(h.router.loads))
	}

	h.succeed(0, adFor(h.router.loads[0]))
	if out := h.outcome(); out.Err != nil {
		t.Errorf("expected first run to complete normally, got %v", out.Err)
	}
}

func TestRun_SynchronousRouterCompletion(t *testing.T) {
	h := newHarness(t, interstitialRequest(), bids("missing", "A"), testConfig())
	h.router.respond = func(req partner.LoadRequest) (partner.Ad, error) {
		if req.PartnerID == "missing" {
			return nil, partner.NewAdapterNotFoundError(req.PartnerID)
		}
		return &fakeAd{req: req}, nil
	}
	h.run(context.Background())

	out := h.outcome()
	if out.Err != nil {
		t.Fatalf("expected success, got %v", out.Err)
	}
	if out.Result.Bid.PartnerID != "A" {
		t.Errorf("expected A to win, got %s", out.Result.Bid.PartnerID)
	}
	if out.Attempts[0].ErrorCode() != string(partner.ErrorCodeAdapterNotFound) {
		t.Errorf("expected ADAPTER_NOT_FOUND, got %s", out.Attempts[0].ErrorCode())
	}
}

func TestRun_NilAdTreatedAsNoFill(t *testing.T) {
	h := newHarness(t, interstitialRequest(), bids("A"), testConfig())
	h.run(context.Background())
	h.router.loads[0].completion(nil, nil)
	h.sched.Drain()

	out := h.outcome()
	if out.Attempts[0].Outcome() != OutcomeNoFill {
		t.Errorf("expected no_fill, got %s", out.Attempts[0].Outcome())
	}
}

func TestRun_AbortOnContextCancel(t *testing.T) {
	h := newHarness(t, interstitialRequest(), bids("A", "B"), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	h.run(ctx)

	cancel()
	// context.AfterFunc posts the abort from its own goroutine
	deadline := time.Now().Add(time.Second)
	for len(h.outcomes) == 0 && time.Now().Before(deadline) {
		h.sched.Drain()
		time.Sleep(time.Millisecond)
	}

	out := h.outcome()
	if !errors.Is(out.Err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", out.Err)
	}
	if !h.router.loads[0].canceled {
		t.Error("expected in-flight load to be canceled")
	}
	if h.sched.PendingTimers() != 0 {
		t.Error("expected timeout to be canceled on abort")
	}

	h.succeed(0, adFor(h.router.loads[0]))
	if len(h.outcomes) != 1 {
		t.Error("late callback after abort produced another outcome")
	}
}

func TestRun_AlreadyCanceledContext(t *testing.T) {
	h := newHarness(t, interstitialRequest(), bids("A"), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.run(ctx)

	out := h.outcome()
	if !errors.Is(out.Err, ErrAborted) {
		t.Errorf("expected ErrAborted, got %v", out.Err)
	}
	if len(h.router.loads) != 0 {
		t.Errorf("expected no loads, got %d", len(h.router.loads))
	}
}

func TestRun_BannerSanitization(t *testing.T) {
	reported := func(w, h float64) *ad.Size {
		s := ad.FixedSize(w, h)
		return &s
	}

	tests := []struct {
		name       string
		discard    bool
		makeAd     func(req partner.LoadRequest) partner.Ad
		wantReason SanitizationReason
		wantSize   *ad.Size
	}{
		{
			name: "no view",
			makeAd: func(req partner.LoadRequest) partner.Ad {
				return &fakeBanner{fakeAd: fakeAd{req: req}, size: reported(320, 50)}
			},
			discard:    true,
			wantReason: ReasonNoView,
		},
		{
			name: "not a banner",
			makeAd: func(req partner.LoadRequest) partner.Ad {
				return &fakeAd{req: req, view: "view"}
			},
			discard:    true,
			wantReason: ReasonUnexpectedType,
		},
		{
			name: "too wide",
			makeAd: func(req partner.LoadRequest) partner.Ad {
				return &fakeBanner{fakeAd: fakeAd{req: req, view: "view"}, size: reported(728, 90)}
			},
			discard:    true,
			wantReason: ReasonTooLarge,
		},
		{
			name: "oversized kept when discard disabled",
			makeAd: func(req partner.LoadRequest) partner.Ad {
				return &fakeBanner{fakeAd: fakeAd{req: req, view: "view"}, size: reported(728, 90)}
			},
			discard:  false,
			wantSize: reported(728, 90),
		},
		{
			name: "missing size falls back to requested",
			makeAd: func(req partner.LoadRequest) partner.Ad {
				return &fakeBanner{fakeAd: fakeAd{req: req, view: "view"}}
			},
			discard:  true,
			wantSize: reported(320, 50),
		},
		{
			name: "smaller ad accepted",
			makeAd: func(req partner.LoadRequest) partner.Ad {
				return &fakeBanner{fakeAd: fakeAd{req: req, view: "view"}, size: reported(300, 50)}
			},
			discard:  true,
			wantSize: reported(300, 50),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.DiscardOversizedAds = tt.discard
			h := newHarness(t, bannerRequest(320, 50), bids("A"), cfg)
			h.run(context.Background())

			loaded := tt.makeAd(h.router.loads[0].req)
			h.succeed(0, loaded)
			out := h.outcome()

			if tt.wantReason != "" {
				var se *SanitizationError
				if !errors.As(out.Err, &se) {
					t.Fatalf("expected SanitizationError, got %v", out.Err)
				}
				if se.Reason != tt.wantReason {
					t.Errorf("expected reason %s, got %s", tt.wantReason, se.Reason)
				}
				if len(h.router.invalidated) != 1 || h.router.invalidated[0] != loaded {
					t.Errorf("expected rejected ad to be invalidated, got %d invalidations", len(h.router.invalidated))
				}
				if out.Attempts[0].Outcome() != OutcomeRejected {
					t.Errorf("expected rejected outcome, got %s", out.Attempts[0].Outcome())
				}
				return
			}

			if out.Err != nil {
				t.Fatalf("expected success, got %v", out.Err)
			}
			if out.Result.Size == nil || *out.Result.Size != *tt.wantSize {
				t.Errorf("expected size %v, got %v", tt.wantSize, out.Result.Size)
			}
			if len(h.router.invalidated) != 0 {
				t.Errorf("expected no invalidations, got %d", len(h.router.invalidated))
			}
		})
	}
}

func TestRun_RejectedBannerMovesToNextBid(t *testing.T) {
	h := newHarness(t, bannerRequest(320, 50), bids("A", "B"), testConfig())
	h.run(context.Background())

	h.succeed(0, &fakeAd{req: h.router.loads[0].req})
	if len(h.router.loads) != 2 {
		t.Fatalf("expected B after A was rejected, got %v", h.router.partners())
	}

	h.succeed(1, &fakeBanner{fakeAd: fakeAd{req: h.router.loads[1].req, view: "view"}})
	out := h.outcome()
	if out.Err != nil || out.Result.Bid.PartnerID != "B" {
		t.Fatalf("expected B to win, got %+v", out)
	}
	if len(out.Attempts) != 2 {
		t.Errorf("expected 2 attempts, got %d", len(out.Attempts))
	}
}

func TestRun_FullscreenSkipsSanitization(t *testing.T) {
	h := newHarness(t, interstitialRequest(), bids("A"), testConfig())
	h.run(context.Background())
	h.succeed(0, &fakeAd{req: h.router.loads[0].req})

	if out := h.outcome(); out.Err != nil {
		t.Errorf("expected fullscreen ad without view to pass, got %v", out.Err)
	}
}

func TestRun_LoadRequestCarriesBidData(t *testing.T) {
	req := interstitialRequest()
	req.Keywords = map[string]string{"level": "3"}
	req.PartnerSettings = map[string]interface{}{"mute": true, "test": false}
	b := ad.Bid{
		ID:               "bid-1",
		PartnerID:        "A",
		PartnerPlacement: "a-123",
		AuctionID:        "auction-9",
		AdMarkup:         "<vast/>",
		PartnerSettings:  map[string]interface{}{"test": true},
	}

	h := newHarness(t, req, []ad.Bid{b}, testConfig())
	h.run(context.Background())

	got := h.router.loads[0].req
	if got.PartnerPlacement != "a-123" || got.AuctionID != "auction-9" || got.LoadID != "load-1" {
		t.Errorf("unexpected load request identity: %+v", got)
	}
	if !got.IsProgrammatic() {
		t.Error("expected programmatic load request")
	}
	if got.Identifier == "" {
		t.Error("expected a unique attempt identifier")
	}
	if got.Keywords["level"] != "3" {
		t.Errorf("expected keywords forwarded, got %v", got.Keywords)
	}
	if got.PartnerSettings["mute"] != true || got.PartnerSettings["test"] != true {
		t.Errorf("expected bid settings to override request settings, got %v", got.PartnerSettings)
	}
}

func TestRun_SerialSchedulerEndToEnd(t *testing.T) {
	sched := scheduler.NewSerial()
	defer sched.Close()

	router := &fakeRouter{respond: func(req partner.LoadRequest) (partner.Ad, error) {
		if req.PartnerID == "A" {
			return nil, partner.NewNoFillError("A")
		}
		return &fakeAd{req: req}, nil
	}}
	engine := New(interstitialRequest(), bids("A", "B", "C"), router, sched, testConfig(), nil)

	done := make(chan Outcome, 1)
	engine.Run(context.Background(), func(o Outcome) { done <- o })

	select {
	case out := <-done:
		if out.Err != nil || out.Result.Bid.PartnerID != "B" {
			t.Errorf("expected B to win, got %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("engine never completed")
	}
}

func TestConfig_LoadTimeout(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.LoadTimeout(ad.FormatBanner) != cfg.BannerLoadTimeout {
		t.Error("expected banner timeout for banner")
	}
	if cfg.LoadTimeout(ad.FormatAdaptiveBanner) != cfg.BannerLoadTimeout {
		t.Error("expected banner timeout for adaptive banner")
	}
	if cfg.LoadTimeout(ad.FormatRewarded) != cfg.FullscreenLoadTimeout {
		t.Error("expected fullscreen timeout for rewarded")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
	cfg.BannerLoadTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected zero banner timeout to fail validation")
	}
}
