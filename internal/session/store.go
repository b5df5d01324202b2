package session

import (
	"errors"
	"sync"
	"time"

	"github.com/dalfonso89/exchanger/internal/config"
	"github.com/dalfonso89/exchanger/internal/converter"
	"github.com/dalfonso89/exchanger/internal/logger"
	"github.com/dalfonso89/exchanger/internal/metrics"
	"github.com/dalfonso89/exchanger/internal/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrLimitReached = errors.New("session limit reached")
)

// sweepInterval is how often idle sessions are looked for
const sweepInterval = time.Minute

type entry struct {
	controller *converter.Controller
	lastSeen   time.Time
}

// Store keeps one converter controller per client session
type Store struct {
	source       converter.RateSource
	logger       logger.Logger
	metrics      *metrics.Metrics
	timeout      time.Duration
	defaultLeft  models.CurrencyCode
	defaultRight models.CurrencyCode
	maxSessions  int
	idleTTL      time.Duration
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewStore creates a session store backed by source
func NewStore(configuration *config.Config, source converter.RateSource, log logger.Logger, m *metrics.Metrics) *Store {
	left, err := models.ParseCurrency(configuration.DefaultLeftCurrency)
	if err != nil {
		log.Warnf("Invalid default left currency %q, using %s", configuration.DefaultLeftCurrency, models.UAH)
		left = models.UAH
	}
	right, err := models.ParseCurrency(configuration.DefaultRightCurrency)
	if err != nil {
		log.Warnf("Invalid default right currency %q, using %s", configuration.DefaultRightCurrency, models.USD)
		right = models.USD
	}

	store := &Store{
		source:       source,
		logger:       log,
		metrics:      m,
		timeout:      configuration.SyncRequestTimeout,
		defaultLeft:  left,
		defaultRight: right,
		maxSessions:  configuration.MaxSessions,
		idleTTL:      configuration.SessionIdleTTL,
		now:          time.Now,
		sessions:     make(map[string]*entry),
		stopCleanup:  make(chan struct{}),
	}

	// zero TTL keeps sessions until they are deleted
	if store.idleTTL > 0 {
		go store.cleanup(sweepInterval)
	}

	return store
}

// Create starts a controller for the given pair; empty codes fall back to the defaults
func (s *Store) Create(left, right models.CurrencyCode) (string, *converter.Controller, error) {
	if left == "" {
		left = s.defaultLeft
	}
	if right == "" {
		right = s.defaultRight
	}
	for _, code := range []models.CurrencyCode{left, right} {
		if !code.Valid() {
			_, err := models.ParseCurrency(string(code))
			return "", nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		return "", nil, ErrLimitReached
	}

	id := uuid.New().String()
	controller := converter.New(s.source, converter.Options{
		Left:           left,
		Right:          right,
		RequestTimeout: s.timeout,
		Logger:         s.logger.WithFields(logger.Fields{"session": id}),
		Metrics:        s.metrics,
	})
	s.sessions[id] = &entry{controller: controller, lastSeen: s.now()}
	s.metrics.SetActiveSessions(len(s.sessions))

	s.logger.WithFields(logger.Fields{"session": id, "left": left, "right": right}).Info("Session created")
	return id, controller, nil
}

// Get returns the controller of id and marks the session as used
func (s *Store) Get(id string) (*converter.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	e.lastSeen = s.now()
	return e.controller, nil
}

// Delete disposes the controller of id
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		s.metrics.SetActiveSessions(len(s.sessions))
	}
	s.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	e.controller.Close()
	s.logger.WithFields(logger.Fields{"session": id}).Info("Session deleted")
	return nil
}

// Len returns the number of live sessions
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseAll stops the idle sweep and disposes every session
func (s *Store) CloseAll() {
	s.Stop()

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*entry)
	s.metrics.SetActiveSessions(0)
	s.mu.Unlock()

	closeControllers(sessions)

	if len(sessions) > 0 {
		s.logger.Infof("Closed %d sessions", len(sessions))
	}
}

// Stop stops the idle sweep; sessions stay open
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

func (s *Store) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(s.now())
		case <-s.stopCleanup:
			return
		}
	}
}

// sweep disposes sessions unused for longer than the idle TTL.
// A session with a rate request in flight is kept until its next sweep.
func (s *Store) sweep(currentTime time.Time) int {
	if s.idleTTL <= 0 {
		return 0
	}

	s.mu.Lock()
	expired := make(map[string]*entry)
	for id, e := range s.sessions {
		if currentTime.Sub(e.lastSeen) <= s.idleTTL || e.controller.State().Pending() {
			continue
		}
		expired[id] = e
		delete(s.sessions, id)
	}
	if len(expired) > 0 {
		s.metrics.SetActiveSessions(len(s.sessions))
	}
	s.mu.Unlock()

	closeControllers(expired)

	for id := range expired {
		s.logger.WithFields(logger.Fields{"session": id}).Info("Idle session expired")
	}
	return len(expired)
}

func closeControllers(sessions map[string]*entry) {
	var wg sync.WaitGroup
	for _, e := range sessions {
		wg.Add(1)
		go func(c *converter.Controller) {
			defer wg.Done()
			c.Close()
		}(e.controller)
	}
	wg.Wait()
}
