// Package converter keeps two linked currency amounts consistent.
//
// Each side runs its own sync cycle: a user edit bumps the side's generation, cancels the
// side's previous rate request and issues a new one; a result is applied to the opposite
// side only while its generation is still current. Writes made by a cycle are tagged
// OriginSynced and never start a cycle themselves.
package converter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/dalfonso89/exchanger/internal/logger"
	"github.com/dalfonso89/exchanger/internal/metrics"
	"github.com/dalfonso89/exchanger/internal/models"
)

var (
	// ErrClosed is returned by edits after Close
	ErrClosed = errors.New("converter: closed")
	// ErrInvalidAmount rejects NaN and infinite amounts
	ErrInvalidAmount = errors.New("converter: amount must be a finite number")
	// ErrInvalidRate is reported when a rate source quotes a non-positive rate
	ErrInvalidRate = errors.New("converter: rate must be positive")
)

// RateSource quotes the factor converting base amounts into target amounts
type RateSource interface {
	GetRate(ctx context.Context, base, target models.CurrencyCode) (models.RateQuote, error)
}

// Options configures a Controller
type Options struct {
	Left  models.CurrencyCode
	Right models.CurrencyCode

	// RequestTimeout bounds each rate request; zero means no timeout
	RequestTimeout time.Duration

	Logger  logger.Logger
	Metrics *metrics.Metrics

	// OnChange receives a snapshot after every mutation. Snapshots carry a Version;
	// callbacks from different cycles may run concurrently.
	OnChange func(State)
	// OnError receives failed rate requests of the cycle started by side
	OnError func(Side, error)
}

type sideState struct {
	field      models.ConversionField
	origin     Origin
	generation uint64
	cancel     context.CancelFunc
	lastErr    error
}

// Controller owns the left and right fields of one conversion form.
// Callbacks must not call Close.
type Controller struct {
	source   RateSource
	timeout  time.Duration
	logger   logger.Logger
	metrics  *metrics.Metrics
	onChange func(State)
	onError  func(Side, error)

	mu      sync.Mutex
	sides   [2]sideState
	version uint64
	closed  bool
	running int
	idle    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a controller with both amounts empty
func New(source RateSource, opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = logger.NewWithOutput("error", "json", io.Discard)
	}
	left, right := opts.Left, opts.Right
	if left == "" {
		left = models.UAH
	}
	if right == "" {
		right = models.USD
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		source:   source,
		timeout:  opts.RequestTimeout,
		logger:   log,
		metrics:  opts.Metrics,
		onChange: opts.OnChange,
		onError:  opts.OnError,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.sides[Left].field.Currency = left
	c.sides[Right].field.Currency = right
	return c
}

// SetAmount edits the amount of side; nil empties it
func (c *Controller) SetAmount(side Side, amount *float64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	amount = copyAmount(amount)
	return c.edit(side, func(field models.ConversionField) models.ConversionField {
		field.Amount = amount
		return field
	})
}

// SetCurrency edits the currency of side
func (c *Controller) SetCurrency(side Side, code models.CurrencyCode) error {
	if !code.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownCurrency, code)
	}
	return c.edit(side, func(field models.ConversionField) models.ConversionField {
		field.Currency = code
		return field
	})
}

// Set edits amount and currency of side as one change
func (c *Controller) Set(side Side, field models.ConversionField) error {
	if !field.Currency.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownCurrency, field.Currency)
	}
	if err := checkAmount(field.Amount); err != nil {
		return err
	}
	field.Amount = copyAmount(field.Amount)
	return c.edit(side, func(models.ConversionField) models.ConversionField {
		return field
	})
}

// State returns a snapshot of both fields
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Wait blocks until no rate request is running or ctx is done
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	if c.running == 0 {
		c.mu.Unlock()
		return nil
	}
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every pending request and returns once their goroutines and any edit
// still delivering callbacks have finished. No callback runs after Close returns.
func (c *Controller) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		for i := range c.sides {
			if c.sides[i].cancel != nil {
				c.sides[i].cancel()
				c.sides[i].cancel = nil
			}
		}
		c.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// edit applies a user change to side and starts its sync cycle
func (c *Controller) edit(side Side, mutate func(models.ConversionField) models.ConversionField) error {
	if side != Left && side != Right {
		return fmt.Errorf("converter: invalid side %d", side)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	// Close waits for the callbacks below as well as for running requests
	c.wg.Add(1)
	defer c.wg.Done()

	current := &c.sides[side]
	next := mutate(current.field)
	if next.Equal(current.field) && current.lastErr == nil {
		if current.origin != OriginSynced {
			c.mu.Unlock()
			return nil
		}
		// the user typed the value a cycle wrote; it is theirs now but needs no fetch
		current.origin = OriginUser
		c.version++
		state := c.stateLocked()
		c.mu.Unlock()
		c.emitChange(state)
		return nil
	}

	current.field = next
	current.origin = OriginUser
	current.generation++
	current.lastErr = nil
	if current.cancel != nil {
		current.cancel()
		current.cancel = nil
	}
	c.version++
	generation := current.generation

	log := c.logger.WithFields(logger.Fields{"side": side.String(), "generation": generation})

	if next.Amount == nil {
		counterpart := &c.sides[side.Other()]
		counterpart.field.Amount = nil
		counterpart.origin = OriginSynced
		state := c.stateLocked()
		c.mu.Unlock()

		log.Debug("Empty amount, counterpart cleared")
		c.metrics.ObserveConversion(side.String(), metrics.ConversionCleared)
		c.emitChange(state)
		return nil
	}

	base := c.sides[Left].field.Currency
	target := c.sides[Right].field.Currency
	amount := *next.Amount

	var ctx context.Context
	var cancel context.CancelFunc
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, c.timeout)
	} else {
		ctx, cancel = context.WithCancel(c.ctx)
	}
	current.cancel = cancel

	if c.running == 0 {
		c.idle = make(chan struct{})
	}
	c.running++
	c.wg.Add(1)
	state := c.stateLocked()
	c.mu.Unlock()

	log.Debugf("Requesting rate %s->%s", base, target)
	c.metrics.RequestStarted(side.String())
	c.emitChange(state)

	go c.resolve(ctx, cancel, side, generation, amount, base, target)
	return nil
}

// resolve waits for the rate and applies it to the counterpart if the cycle is still current
func (c *Controller) resolve(ctx context.Context, cancel context.CancelFunc, side Side, generation uint64, amount float64, base, target models.CurrencyCode) {
	defer c.finish()
	defer cancel()
	defer c.metrics.RequestFinished(side.String())

	quote, err := c.source.GetRate(ctx, base, target)
	if err == nil && !(quote.Rate > 0) {
		err = fmt.Errorf("%w: got %v for %s->%s", ErrInvalidRate, quote.Rate, base, target)
	}

	log := c.logger.WithFields(logger.Fields{"side": side.String(), "generation": generation})

	c.mu.Lock()
	current := &c.sides[side]
	if c.closed || current.generation != generation {
		c.mu.Unlock()
		log.Debug("Superseded rate response dropped")
		c.metrics.ObserveConversion(side.String(), metrics.ConversionSuperseded)
		return
	}
	current.cancel = nil

	if err != nil {
		current.lastErr = err
		c.version++
		state := c.stateLocked()
		c.mu.Unlock()

		log.Warnf("Rate request failed: %v", err)
		c.metrics.ObserveConversion(side.String(), metrics.ConversionFailed)
		if c.onError != nil {
			c.onError(side, err)
		}
		c.emitChange(state)
		return
	}

	var value float64
	if side == Left {
		value = amount * quote.Rate
	} else {
		value = amount / quote.Rate
	}
	counterpart := &c.sides[side.Other()]
	counterpart.field.Amount = &value
	counterpart.origin = OriginSynced
	c.version++
	state := c.stateLocked()
	c.mu.Unlock()

	log.WithFields(logger.Fields{"rate": quote.Rate, "value": value}).Debug("Counterpart synchronized")
	c.metrics.ObserveConversion(side.String(), metrics.ConversionApplied)
	c.emitChange(state)
}

func (c *Controller) finish() {
	c.mu.Lock()
	c.running--
	if c.running == 0 {
		close(c.idle)
	}
	c.mu.Unlock()
	c.wg.Done()
}

func (c *Controller) emitChange(state State) {
	if c.onChange != nil {
		c.onChange(state)
	}
}

func (c *Controller) stateLocked() State {
	return State{
		Version: c.version,
		Left:    c.fieldStateLocked(Left),
		Right:   c.fieldStateLocked(Right),
	}
}

func (c *Controller) fieldStateLocked(side Side) FieldState {
	s := c.sides[side]
	fs := FieldState{
		Amount:     copyAmount(s.field.Amount),
		Currency:   s.field.Currency,
		Origin:     s.origin,
		Pending:    s.cancel != nil,
		Generation: s.generation,
	}
	if s.lastErr != nil {
		fs.LastError = s.lastErr.Error()
	}
	return fs
}

func checkAmount(amount *float64) error {
	if amount != nil && (math.IsNaN(*amount) || math.IsInf(*amount, 0)) {
		return ErrInvalidAmount
	}
	return nil
}

func copyAmount(amount *float64) *float64 {
	if amount == nil {
		return nil
	}
	v := *amount
	return &v
}
