package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// session is one running scan loop.
type session struct {
	mu     sync.Mutex
	info   domain.SessionInfo
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) snapshot() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *session) update(r ScanReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Scans = r.Scans
	s.info.TradesToday = r.TradesToday
	s.info.LastError = r.LastError
}

// Registry owns the per-user scan sessions. A user has at most one session;
// its entry is removed when the loop ends for any reason, including a panic.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	scanner  *Scanner
	defaults domain.ScanSettings
	events   Emitter
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates a Registry. Zero fields of a session's settings are
// filled from defaults. events may be nil.
func NewRegistry(scanner *Scanner, defaults domain.ScanSettings, events Emitter, logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		scanner:  scanner,
		defaults: defaults,
		events:   events,
		logger:   logger.With(slog.String("component", "sessions")),
		now:      time.Now,
	}
}

func (r *Registry) withDefaults(s domain.ScanSettings) (domain.ScanSettings, error) {
	if s.MinProbability == 0 {
		s.MinProbability = r.defaults.MinProbability
	}
	if s.MinLiquidity == 0 {
		s.MinLiquidity = r.defaults.MinLiquidity
	}
	if s.PositionSize.IsZero() {
		s.PositionSize = r.defaults.PositionSize
	}
	if s.MaxDailyTrades == 0 {
		s.MaxDailyTrades = r.defaults.MaxDailyTrades
	}
	if s.Interval == 0 {
		s.Interval = r.defaults.Interval
	}

	switch {
	case s.MinProbability < 0 || s.MinProbability > 1:
		return s, fmt.Errorf("sessions: min_probability %v outside [0, 1]: %w", s.MinProbability, domain.ErrInvalidQuery)
	case s.MinLiquidity < 0:
		return s, fmt.Errorf("sessions: min_liquidity must be >= 0: %w", domain.ErrInvalidQuery)
	case !s.PositionSize.GreaterThan(decimal.Zero):
		return s, fmt.Errorf("sessions: position_size must be positive: %w", domain.ErrInvalidAmount)
	case s.MaxDailyTrades < 1:
		return s, fmt.Errorf("sessions: max_daily_trades must be >= 1: %w", domain.ErrInvalidQuery)
	case s.Interval < time.Second:
		return s, fmt.Errorf("sessions: interval must be >= 1s: %w", domain.ErrInvalidQuery)
	}
	return s, nil
}

// Start launches a scan session for userID. A second start while one is
// running returns domain.ErrSessionActive. The session outlives ctx's
// cancellation; use Stop to end it.
func (r *Registry) Start(ctx context.Context, userID string, settings domain.ScanSettings) (domain.SessionInfo, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.SessionInfo{}, fmt.Errorf("sessions: %w", domain.ErrInvalidUser)
	}
	settings, err := r.withDefaults(settings)
	if err != nil {
		return domain.SessionInfo{}, err
	}

	r.mu.Lock()
	if _, ok := r.sessions[userID]; ok {
		r.mu.Unlock()
		return domain.SessionInfo{}, fmt.Errorf("sessions: start %s: %w", userID, domain.ErrSessionActive)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		info: domain.SessionInfo{
			ID:        uuid.NewString(),
			UserID:    userID,
			Settings:  settings,
			StartedAt: r.now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.sessions[userID] = s
	r.mu.Unlock()

	go r.run(runCtx, s)

	r.logger.InfoContext(ctx, "session started",
		slog.String("user_id", userID),
		slog.String("session_id", s.info.ID),
		slog.Duration("interval", settings.Interval),
	)
	r.emit(ctx, domain.EventSessionStarted, s.info)
	return s.snapshot(), nil
}

func (r *Registry) run(ctx context.Context, s *session) {
	userID := s.info.UserID
	defer close(s.done)
	defer r.remove(userID, s)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("session panicked",
				slog.String("user_id", userID),
				slog.Any("panic", p),
			)
			s.mu.Lock()
			s.info.LastError = fmt.Sprintf("panic: %v", p)
			s.mu.Unlock()
		}
	}()

	err := r.scanner.RunLoop(ctx, userID, s.info.Settings, s.update)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("session ended", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

func (r *Registry) remove(userID string, s *session) {
	s.cancel()
	r.mu.Lock()
	if r.sessions[userID] == s {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()

	r.logger.Info("session stopped", slog.String("user_id", userID), slog.String("session_id", s.info.ID))
	r.emit(context.Background(), domain.EventSessionStopped, s.snapshot())
}

// Stop ends the user's session and waits for its loop to exit.
func (r *Registry) Stop(ctx context.Context, userID string) (domain.SessionInfo, error) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	r.mu.Unlock()
	if !ok {
		return domain.SessionInfo{}, fmt.Errorf("sessions: stop %s: %w", userID, domain.ErrNotFound)
	}

	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return s.snapshot(), fmt.Errorf("sessions: stop %s: %w", userID, ctx.Err())
	}
	return s.snapshot(), nil
}

// Status returns the user's running session.
func (r *Registry) Status(userID string) (domain.SessionInfo, error) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	r.mu.Unlock()
	if !ok {
		return domain.SessionInfo{}, fmt.Errorf("sessions: %s: %w", userID, domain.ErrNotFound)
	}
	return s.snapshot(), nil
}

// List returns all running sessions ordered by user id.
func (r *Registry) List() []domain.SessionInfo {
	r.mu.Lock()
	out := make([]domain.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// StopAll stops every session and waits for the loops to exit or ctx to end.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.cancel()
	}
	for _, s := range all {
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("sessions: stop all: %w", ctx.Err())
		}
	}
	return nil
}

func (r *Registry) emit(ctx context.Context, eventType string, info domain.SessionInfo) {
	if r.events == nil {
		return
	}
	r.events.Emit(ctx, domain.ChannelSessions, eventType, info.UserID, map[string]any{
		"session_id":   info.ID,
		"scans":        info.Scans,
		"trades_today": info.TradesToday,
	})
}
