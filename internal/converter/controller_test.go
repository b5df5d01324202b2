package converter

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/dalfonso89/exchanger/internal/metrics"
	"github.com/dalfonso89/exchanger/internal/models"
	"github.com/dalfonso89/exchanger/internal/testutils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const tolerance = 1e-9

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) <= tolerance*math.Max(1, math.Abs(b))
}

// rateCall is one GetRate invocation held by a gated source until the test replies
type rateCall struct {
	base   models.CurrencyCode
	target models.CurrencyCode
	ctx    context.Context
	reply  chan rateReply
}

type rateReply struct {
	rate float64
	err  error
}

// fakeSource answers from a fixed table, or hands every call to the test when gated
type fakeSource struct {
	mu           sync.Mutex
	rates        map[[2]models.CurrencyCode]float64
	err          error
	gated        bool
	ignoreCancel bool
	calls        chan *rateCall
	count        int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		rates: map[[2]models.CurrencyCode]float64{
			{models.UAH, models.USD}: 0.024,
			{models.UAH, models.EUR}: 0.022,
			{models.EUR, models.USD}: 1.08,
		},
		calls: make(chan *rateCall, 16),
	}
}

func newGatedSource() *fakeSource {
	s := newFakeSource()
	s.gated = true
	return s
}

func (s *fakeSource) GetRate(ctx context.Context, base, target models.CurrencyCode) (models.RateQuote, error) {
	s.mu.Lock()
	s.count++
	gated, ignoreCancel, err := s.gated, s.ignoreCancel, s.err
	rate, ok := s.rates[[2]models.CurrencyCode{base, target}]
	s.mu.Unlock()

	if !gated {
		if err != nil {
			return models.RateQuote{}, err
		}
		if !ok {
			return models.RateQuote{}, errors.New("no rate")
		}
		return models.RateQuote{BaseCode: base, TargetCode: target, Rate: rate}, nil
	}

	call := &rateCall{base: base, target: target, ctx: ctx, reply: make(chan rateReply, 1)}
	s.calls <- call

	if ignoreCancel {
		r := <-call.reply
		return models.RateQuote{BaseCode: base, TargetCode: target, Rate: r.rate}, r.err
	}
	select {
	case r := <-call.reply:
		return models.RateQuote{BaseCode: base, TargetCode: target, Rate: r.rate}, r.err
	case <-ctx.Done():
		return models.RateQuote{}, ctx.Err()
	}
}

func (s *fakeSource) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *fakeSource) next(t *testing.T) *rateCall {
	t.Helper()
	select {
	case call := <-s.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("no rate request issued")
		return nil
	}
}

func newController(t *testing.T, source RateSource, opts Options) *Controller {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testutils.MockLogger()
	}
	c := New(source, opts)
	t.Cleanup(c.Close)
	return c
}

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func amountOf(t *testing.T, fs FieldState) float64 {
	t.Helper()
	if fs.Amount == nil {
		t.Fatalf("amount of %s is empty", fs.Currency)
	}
	return *fs.Amount
}

func TestController_LeftEditConvertsRight(t *testing.T) {
	source := newFakeSource()
	c := newController(t, source, Options{Left: models.UAH, Right: models.USD})

	if err := c.SetAmount(Left, models.Float(100)); err != nil {
		t.Fatalf("SetAmount() error = %v", err)
	}
	waitIdle(t, c)

	state := c.State()
	if got := amountOf(t, state.Right); !approxEqual(got, 2.4) {
		t.Errorf("right amount = %v, want 2.4", got)
	}
	if state.Right.Origin != OriginSynced || state.Left.Origin != OriginUser {
		t.Errorf("origins = %v/%v, want user/synced", state.Left.Origin, state.Right.Origin)
	}
	if state.Pending() {
		t.Error("state still pending after Wait")
	}
}

func TestController_RightEditConvertsLeft(t *testing.T) {
	source := newFakeSource()
	c := newController(t, source, Options{Left: models.UAH, Right: models.USD})

	if err := c.SetAmount(Right, models.Float(2.4)); err != nil {
		t.Fatalf("SetAmount() error = %v", err)
	}
	waitIdle(t, c)

	if got := amountOf(t, c.State().Left); !approxEqual(got, 100) {
		t.Errorf("left amount = %v, want 100", got)
	}
}

func TestController_RoundTrip(t *testing.T) {
	amounts := []float64{0, 0.01, 1, 100, 12345.678}

	for _, amount := range amounts {
		source := newFakeSource()
		c := newController(t, source, Options{Left: models.UAH, Right: models.USD})

		if err := c.SetAmount(Left, models.Float(amount)); err != nil {
			t.Fatalf("SetAmount() error = %v", err)
		}
		waitIdle(t, c)
		right := amountOf(t, c.State().Right)

		// a fresh form, since re-entering the synced value unchanged is a no-op
		inverse := newController(t, source, Options{Left: models.UAH, Right: models.USD})
		if err := inverse.SetAmount(Right, models.Float(right)); err != nil {
			t.Fatalf("SetAmount() error = %v", err)
		}
		waitIdle(t, inverse)

		if got := amountOf(t, inverse.State().Left); !approxEqual(got, amount) {
			t.Errorf("round trip of %v = %v", amount, got)
		}
	}
}

func TestController_UsesLeftToRightPairForBothSides(t *testing.T) {
	source := newGatedSource()
	c := newController(t, source, Options{Left: models.EUR, Right: models.USD})

	_ = c.SetAmount(Right, models.Float(10))
	call := source.next(t)
	if call.base != models.EUR || call.target != models.USD {
		t.Errorf("request pair = %s->%s, want EUR->USD", call.base, call.target)
	}
	call.reply <- rateReply{rate: 2}
	waitIdle(t, c)

	if got := amountOf(t, c.State().Left); got != 5 {
		t.Errorf("left amount = %v, want 5", got)
	}
}

func TestController_LatestEditWins(t *testing.T) {
	source := newGatedSource()
	source.ignoreCancel = true
	c := newController(t, source, Options{})

	_ = c.SetAmount(Left, models.Float(1))
	first := source.next(t)
	_ = c.SetAmount(Left, models.Float(2))
	second := source.next(t)

	if first.ctx.Err() == nil {
		t.Error("superseded request context was not canceled")
	}
	if second.ctx.Err() != nil {
		t.Error("latest request context canceled")
	}

	second.reply <- rateReply{rate: 3}
	first.reply <- rateReply{rate: 100}
	waitIdle(t, c)

	state := c.State()
	if got := amountOf(t, state.Right); got != 6 {
		t.Errorf("right amount = %v, want 6 from the latest edit", got)
	}
	if state.Left.Generation != 2 {
		t.Errorf("left generation = %d, want 2", state.Left.Generation)
	}
}

func TestController_StaleResponseAfterNewerAppliedIsDropped(t *testing.T) {
	source := newGatedSource()
	source.ignoreCancel = true
	c := newController(t, source, Options{})

	_ = c.SetAmount(Left, models.Float(1))
	first := source.next(t)
	_ = c.SetAmount(Left, models.Float(2))
	second := source.next(t)

	first.reply <- rateReply{rate: 100}
	second.reply <- rateReply{rate: 3}
	waitIdle(t, c)

	if got := amountOf(t, c.State().Right); got != 6 {
		t.Errorf("right amount = %v, want 6", got)
	}
}

func TestController_EmptyInputClearsWithoutRequest(t *testing.T) {
	source := newFakeSource()
	c := newController(t, source, Options{})

	_ = c.SetAmount(Left, models.Float(100))
	waitIdle(t, c)
	before := source.Count()

	if err := c.SetAmount(Left, nil); err != nil {
		t.Fatalf("SetAmount(nil) error = %v", err)
	}

	state := c.State()
	if state.Right.Amount != nil {
		t.Errorf("right amount = %v, want empty", *state.Right.Amount)
	}
	if state.Pending() {
		t.Error("empty input left a pending request")
	}
	if source.Count() != before {
		t.Errorf("requests = %d, want %d", source.Count(), before)
	}
}

func TestController_EmptyInputCancelsPendingRequest(t *testing.T) {
	source := newGatedSource()
	c := newController(t, source, Options{})

	_ = c.SetAmount(Left, models.Float(5))
	call := source.next(t)
	_ = c.SetAmount(Left, nil)

	if call.ctx.Err() == nil {
		t.Error("pending request not canceled by empty input")
	}
	waitIdle(t, c)
	if c.State().Right.Amount != nil {
		t.Error("right amount set after input was emptied")
	}
}

func TestController_ZeroIsAValidAmount(t *testing.T) {
	source := newFakeSource()
	c := newController(t, source, Options{})

	_ = c.SetAmount(Left, models.Float(0))
	waitIdle(t, c)

	if source.Count() != 1 {
		t.Errorf("requests = %d, want 1", source.Count())
	}
	if got := amountOf(t, c.State().Right); got != 0 {
		t.Errorf("right amount = %v, want 0", got)
	}
}

func TestController_FailureLeavesCounterpartUntouched(t *testing.T) {
	source := newFakeSource()

	var mu sync.Mutex
	var errs []error
	var sides []Side
	c := newController(t, source, Options{
		OnError: func(side Side, err error) {
			mu.Lock()
			defer mu.Unlock()
			sides = append(sides, side)
			errs = append(errs, err)
		},
	})

	_ = c.SetAmount(Left, models.Float(100))
	waitIdle(t, c)

	boom := errors.New("upstream down")
	source.mu.Lock()
	source.err = boom
	source.mu.Unlock()

	_ = c.SetAmount(Left, models.Float(200))
	waitIdle(t, c)

	state := c.State()
	if got := amountOf(t, state.Right); !approxEqual(got, 2.4) {
		t.Errorf("right amount = %v, want untouched 2.4", got)
	}
	if got := amountOf(t, state.Left); got != 200 {
		t.Errorf("left amount = %v, want 200", got)
	}
	if state.Left.LastError == "" {
		t.Error("LastError not recorded")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 || !errors.Is(errs[0], boom) || sides[0] != Left {
		t.Errorf("OnError calls = %v %v, want one left failure", sides, errs)
	}
}

func TestController_SameValueRetriesAfterFailure(t *testing.T) {
	source := newFakeSource()
	source.err = errors.New("flaky")
	c := newController(t, source, Options{})

	_ = c.SetAmount(Left, models.Float(100))
	waitIdle(t, c)

	source.mu.Lock()
	source.err = nil
	source.mu.Unlock()

	_ = c.SetAmount(Left, models.Float(100))
	waitIdle(t, c)

	if source.Count() != 2 {
		t.Errorf("requests = %d, want 2", source.Count())
	}
	state := c.State()
	if state.Left.LastError != "" {
		t.Errorf("LastError = %q, want cleared", state.Left.LastError)
	}
	if got := amountOf(t, state.Right); !approxEqual(got, 2.4) {
		t.Errorf("right amount = %v, want 2.4", got)
	}
}

func TestController_InvalidRateIsAFailure(t *testing.T) {
	source := newGatedSource()
	c := newController(t, source, Options{})

	_ = c.SetAmount(Left, models.Float(1))
	source.next(t).reply <- rateReply{rate: 0}
	waitIdle(t, c)

	state := c.State()
	if state.Right.Amount != nil {
		t.Errorf("right amount = %v, want empty", *state.Right.Amount)
	}
	if state.Left.LastError == "" {
		t.Error("zero rate was not reported")
	}
}

func TestController_UnchangedEditIsNoop(t *testing.T) {
	source := newFakeSource()
	c := newController(t, source, Options{})

	_ = c.SetAmount(Left, models.Float(100))
	waitIdle(t, c)
	version := c.State().Version

	_ = c.SetAmount(Left, models.Float(100))
	_ = c.SetCurrency(Left, models.UAH)
	_ = c.Set(Left, models.ConversionField{Amount: models.Float(100), Currency: models.UAH})
	waitIdle(t, c)

	if source.Count() != 1 {
		t.Errorf("requests = %d, want 1", source.Count())
	}
	if c.State().Version != version {
		t.Errorf("version changed on unchanged edit")
	}
}

func TestController_SyncedWriteDoesNotStartCycle(t *testing.T) {
	source := newFakeSource()
	c := newController(t, source, Options{})

	_ = c.SetAmount(Left, models.Float(100))
	waitIdle(t, c)
	time.Sleep(20 * time.Millisecond)

	state := c.State()
	if source.Count() != 1 {
		t.Errorf("requests = %d, want 1", source.Count())
	}
	if state.Right.Generation != 0 {
		t.Errorf("right generation = %d, want 0", state.Right.Generation)
	}
}

func TestController_CurrencyChangeRefetches(t *testing.T) {
	source := newGatedSource()
	c := newController(t, source, Options{Left: models.UAH, Right: models.USD})

	_ = c.SetAmount(Left, models.Float(100))
	source.next(t).reply <- rateReply{rate: 0.024}
	waitIdle(t, c)

	_ = c.SetCurrency(Left, models.EUR)
	call := source.next(t)
	if call.base != models.EUR || call.target != models.USD {
		t.Errorf("request pair = %s->%s, want EUR->USD", call.base, call.target)
	}
	call.reply <- rateReply{rate: 1.08}
	waitIdle(t, c)
	if got := amountOf(t, c.State().Right); !approxEqual(got, 108) {
		t.Errorf("right amount = %v, want 108", got)
	}

	// a right-side currency change recomputes left from the right amount
	_ = c.SetCurrency(Right, models.GBP)
	call = source.next(t)
	if call.base != models.EUR || call.target != models.GBP {
		t.Errorf("request pair = %s->%s, want EUR->GBP", call.base, call.target)
	}
	call.reply <- rateReply{rate: 0.9}
	waitIdle(t, c)
	if got := amountOf(t, c.State().Left); !approxEqual(got, 120) {
		t.Errorf("left amount = %v, want 120", got)
	}
}

func TestController_SidesAreIndependent(t *testing.T) {
	source := newGatedSource()
	c := newController(t, source, Options{})

	_ = c.SetAmount(Left, models.Float(10))
	leftCall := source.next(t)
	_ = c.SetAmount(Right, models.Float(4))
	rightCall := source.next(t)

	if leftCall.ctx.Err() != nil {
		t.Error("right edit canceled the left request")
	}

	rightCall.reply <- rateReply{rate: 2}
	leftCall.reply <- rateReply{rate: 2}
	waitIdle(t, c)

	// each result lands on the opposite side, so the late left result overwrites right
	state := c.State()
	if got := amountOf(t, state.Left); got != 2 {
		t.Errorf("left amount = %v, want 2", got)
	}
	if got := amountOf(t, state.Right); got != 20 {
		t.Errorf("right amount = %v, want 20", got)
	}
}

func TestController_RequestTimeout(t *testing.T) {
	source := newGatedSource()
	errCh := make(chan error, 1)
	c := newController(t, source, Options{
		RequestTimeout: 20 * time.Millisecond,
		OnError:        func(_ Side, err error) { errCh <- err },
	})

	_ = c.SetAmount(Left, models.Float(1))
	source.next(t)

	select {
	case err := <-errCh:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("error = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not reported")
	}
}

func TestController_WaitHonorsContext(t *testing.T) {
	source := newGatedSource()
	c := newController(t, source, Options{})

	_ = c.SetAmount(Left, models.Float(1))
	source.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}
}

func TestController_CloseStopsEverything(t *testing.T) {
	source := newGatedSource()
	source.ignoreCancel = true

	var mu sync.Mutex
	closed := false
	lateCallbacks := 0
	c := New(source, Options{
		Logger: testutils.MockLogger(),
		OnChange: func(State) {
			mu.Lock()
			defer mu.Unlock()
			if closed {
				lateCallbacks++
			}
		},
	})

	_ = c.SetAmount(Left, models.Float(1))
	call := source.next(t)

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()

	// Close waits for the goroutine, which is blocked in the source
	select {
	case <-call.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Error("Close did not cancel the pending request")
	}
	call.reply <- rateReply{rate: 5}
	<-done

	mu.Lock()
	closed = true
	mu.Unlock()

	if err := c.SetAmount(Left, models.Float(2)); !errors.Is(err, ErrClosed) {
		t.Errorf("SetAmount() after Close error = %v, want ErrClosed", err)
	}
	if c.State().Right.Amount != nil {
		t.Error("result applied after Close")
	}

	mu.Lock()
	defer mu.Unlock()
	if lateCallbacks != 0 {
		t.Errorf("callbacks after Close = %d", lateCallbacks)
	}
	c.Close()
}

func TestController_CloseWaitsForEditCallbacks(t *testing.T) {
	var (
		mu      sync.Mutex
		block   bool
		closed  bool
		late    int
		entered = make(chan struct{})
		release = make(chan struct{})
	)
	c := New(newFakeSource(), Options{
		Logger: testutils.MockLogger(),
		OnChange: func(State) {
			mu.Lock()
			shouldBlock := block
			block = false
			if closed {
				late++
			}
			mu.Unlock()
			if shouldBlock {
				close(entered)
				<-release
			}
		},
	})

	_ = c.SetAmount(Left, models.Float(100))
	waitIdle(t, c)

	mu.Lock()
	block = true
	mu.Unlock()
	go func() { _ = c.SetAmount(Left, nil) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("OnChange not called for the cleared amount")
	}

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Error("Close returned while an edit was still delivering OnChange")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the callback finished")
	}

	mu.Lock()
	closed = true
	mu.Unlock()
	if err := c.SetAmount(Left, models.Float(1)); !errors.Is(err, ErrClosed) {
		t.Errorf("SetAmount() after Close error = %v, want ErrClosed", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if late != 0 {
		t.Errorf("callbacks after Close = %d, want 0", late)
	}
}

func TestController_TypingSyncedValueMarksUserOrigin(t *testing.T) {
	source := newFakeSource()
	c := newController(t, source, Options{})

	_ = c.SetAmount(Left, models.Float(100))
	waitIdle(t, c)
	synced := c.State()
	if synced.Right.Origin != OriginSynced {
		t.Fatalf("right origin = %s, want %s", synced.Right.Origin, OriginSynced)
	}

	_ = c.SetAmount(Right, synced.Right.Amount)
	waitIdle(t, c)

	state := c.State()
	if state.Right.Origin != OriginUser {
		t.Errorf("right origin = %s, want %s", state.Right.Origin, OriginUser)
	}
	if state.Version <= synced.Version {
		t.Errorf("Version = %d, want > %d", state.Version, synced.Version)
	}
	if source.Count() != 1 {
		t.Errorf("requests = %d, want 1", source.Count())
	}
	if got := amountOf(t, state.Left); got != 100 {
		t.Errorf("left amount = %v, want 100", got)
	}

	// a second identical edit is a plain no-op
	_ = c.SetAmount(Right, synced.Right.Amount)
	if c.State().Version != state.Version {
		t.Error("version changed on repeated edit")
	}
}

func TestController_Validation(t *testing.T) {
	c := newController(t, newFakeSource(), Options{})

	if err := c.SetCurrency(Left, "XYZ"); !errors.Is(err, models.ErrUnknownCurrency) {
		t.Errorf("SetCurrency() error = %v, want ErrUnknownCurrency", err)
	}
	if err := c.Set(Right, models.ConversionField{Currency: ""}); !errors.Is(err, models.ErrUnknownCurrency) {
		t.Errorf("Set() error = %v, want ErrUnknownCurrency", err)
	}
	if err := c.SetAmount(Left, models.Float(math.NaN())); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("SetAmount(NaN) error = %v, want ErrInvalidAmount", err)
	}
	if err := c.SetAmount(Left, models.Float(math.Inf(1))); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("SetAmount(Inf) error = %v, want ErrInvalidAmount", err)
	}
	if err := c.SetAmount(Side(7), models.Float(1)); err == nil {
		t.Error("SetAmount() with unknown side succeeded")
	}
}

func TestController_DefaultsAndSnapshotCopies(t *testing.T) {
	c := newController(t, newFakeSource(), Options{})

	state := c.State()
	if state.Left.Currency != models.UAH || state.Right.Currency != models.USD {
		t.Errorf("default pair = %s/%s, want UAH/USD", state.Left.Currency, state.Right.Currency)
	}
	if state.Left.Amount != nil || state.Right.Amount != nil {
		t.Error("amounts not empty initially")
	}

	amount := models.Float(100)
	_ = c.SetAmount(Left, amount)
	*amount = 1
	waitIdle(t, c)

	snapshot := c.State()
	*snapshot.Left.Amount = 7
	if got := amountOf(t, c.State().Left); got != 100 {
		t.Errorf("left amount = %v, want 100 despite caller mutation", got)
	}
}

func TestController_Metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	source := newFakeSource()
	c := newController(t, source, Options{Metrics: m})

	_ = c.SetAmount(Left, models.Float(1))
	waitIdle(t, c)
	_ = c.SetAmount(Left, nil)

	if got := testutil.ToFloat64(m.ConversionsTotal.WithLabelValues("left", metrics.ConversionApplied)); got != 1 {
		t.Errorf("applied = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConversionsTotal.WithLabelValues("left", metrics.ConversionCleared)); got != 1 {
		t.Errorf("cleared = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.InFlightRequests.WithLabelValues("left")); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}

func TestParseSide(t *testing.T) {
	tests := []struct {
		input   string
		want    Side
		wantErr bool
	}{
		{"left", Left, false},
		{" RIGHT ", Right, false},
		{"middle", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseSide(tt.input)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSide(%q) = %v, %v", tt.input, got, err)
		}
	}
}
