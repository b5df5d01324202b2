package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dalfonso89/exchanger/internal/config"
	"github.com/dalfonso89/exchanger/internal/logger"
	"github.com/dalfonso89/exchanger/internal/models"
)

// ErrInvalidRate is returned when the upstream quotes a non-positive rate
var ErrInvalidRate = errors.New("upstream returned a non-positive conversion rate")

const pairResource = "pair"

// Getter is the part of the resource client the facade needs
type Getter interface {
	Get(ctx context.Context, path string, out interface{}) error
}

// CurrenciesService translates currency pairs into pair-resource lookups
type CurrenciesService struct {
	client Getter
	logger logger.Logger

	referenceBase    models.CurrencyCode
	referenceTargets []models.CurrencyCode

	singleFlightGroup singleflight.Group
	// flightTimeout bounds a shared reference round, which outlives its callers' contexts
	flightTimeout time.Duration
	now           func() time.Time
}

// NewCurrenciesService creates the facade. Reference currencies that are not in the
// supported set are logged and skipped.
func NewCurrenciesService(configuration *config.Config, client Getter, log logger.Logger) *CurrenciesService {
	service := &CurrenciesService{
		client:        client,
		logger:        log,
		flightTimeout: configuration.ExchangeRateAPI.Timeout,
		now:           time.Now,
	}

	base, err := models.ParseCurrency(configuration.ReferenceBaseCurrency)
	if err != nil {
		log.Warnf("Reference base currency ignored: %v", err)
		base = models.UAH
	}
	service.referenceBase = base

	for _, code := range configuration.ReferenceTargetCurrencies {
		target, err := models.ParseCurrency(code)
		if err != nil {
			log.Warnf("Reference currency ignored: %v", err)
			continue
		}
		service.referenceTargets = append(service.referenceTargets, target)
	}

	return service
}

// GetRate fetches the current base->target rate. Client errors are wrapped, never replaced.
func (s *CurrenciesService) GetRate(ctx context.Context, base, target models.CurrencyCode) (models.RateQuote, error) {
	if !base.Valid() {
		return models.RateQuote{}, fmt.Errorf("%w: %q", models.ErrUnknownCurrency, base)
	}
	if !target.Valid() {
		return models.RateQuote{}, fmt.Errorf("%w: %q", models.ErrUnknownCurrency, target)
	}

	var pair models.PairResponse
	path := fmt.Sprintf("%s/%s/%s", pairResource, base, target)
	if err := s.client.Get(ctx, path, &pair); err != nil {
		return models.RateQuote{}, fmt.Errorf("get rate %s->%s: %w", base, target, err)
	}

	if pair.ConversionRate <= 0 || math.IsNaN(pair.ConversionRate) || math.IsInf(pair.ConversionRate, 0) {
		return models.RateQuote{}, fmt.Errorf("get rate %s->%s: %w (%v)", base, target, ErrInvalidRate, pair.ConversionRate)
	}

	s.logger.WithFields(logger.Fields{
		"base":   base,
		"target": target,
		"rate":   pair.ConversionRate,
	}).Debug("Fetched conversion rate")

	return models.RateQuote{
		BaseCode:   base,
		TargetCode: target,
		Rate:       pair.ConversionRate,
		FetchedAt:  s.now(),
	}, nil
}

// ReferenceRates fetches the reference base against every reference currency in parallel.
// Concurrent callers share one round of upstream calls; nothing is kept afterwards.
// A caller whose ctx ends stops waiting without cancelling the round for the others.
func (s *CurrenciesService) ReferenceRates(ctx context.Context) ([]models.ReferenceRate, error) {
	resultChan := s.singleFlightGroup.DoChan("reference", func() (interface{}, error) {
		var flightCtx context.Context
		var cancel context.CancelFunc
		detached := context.WithoutCancel(ctx)
		if s.flightTimeout > 0 {
			flightCtx, cancel = context.WithTimeout(detached, s.flightTimeout)
		} else {
			flightCtx, cancel = context.WithCancel(detached)
		}
		defer cancel()
		return s.fetchReferenceRates(flightCtx)
	})

	var result singleflight.Result
	select {
	case result = <-resultChan:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if result.Err != nil {
		return nil, result.Err
	}
	if result.Shared {
		s.logger.Debug("Reference rates shared with a concurrent caller")
	}

	rates := result.Val.([]models.ReferenceRate)
	out := make([]models.ReferenceRate, len(rates))
	copy(out, rates)
	return out, nil
}

func (s *CurrenciesService) fetchReferenceRates(ctx context.Context) ([]models.ReferenceRate, error) {
	rates := make([]models.ReferenceRate, len(s.referenceTargets))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, target := range s.referenceTargets {
		i, target := i, target
		group.Go(func() error {
			quote, err := s.GetRate(groupCtx, s.referenceBase, target)
			if err != nil {
				return err
			}
			rates[i] = models.ReferenceRate{Base: s.referenceBase, Currency: target, Rate: quote.Rate}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		s.logger.Warnf("Reference rates failed: %v", err)
		return nil, err
	}
	return rates, nil
}
