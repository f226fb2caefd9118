package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ums-aaa/internal/models"
)

const (
	DefaultIdleTimeout     = 600 * time.Second
	DefaultSessionTimeout  = 24 * time.Hour
	DefaultAuthTimeout     = 10 * time.Second
	DefaultCheckInterval   = 30 * time.Second
	DefaultDuplicateWindow = 5 * time.Second
)

// Recorder receives every lifecycle event, in order, per session
type Recorder interface {
	Record(ctx context.Context, ev models.SessionEvent) error
}

// Disconnector tears down the NAS side of a session the engine closed
type Disconnector interface {
	Disconnect(ctx context.Context, s models.Session, cause models.CloseCause) error
}

// Config holds session engine configuration
type Config struct {
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	SessionTimeout       time.Duration `yaml:"session_timeout"`
	AuthTimeout          time.Duration `yaml:"auth_timeout"`
	CheckInterval        time.Duration `yaml:"check_interval"`
	DuplicateWindow      time.Duration `yaml:"duplicate_window"`
	MaxSessions          int           `yaml:"max_sessions"`
	DisconnectOnShutdown bool          `yaml:"disconnect_on_shutdown"`
}

// BeginRequest opens the authentication slot for a MAC
type BeginRequest struct {
	MAC      string
	Username string
	NASID    string
}

// Grant is what authorization attached to a session
type Grant struct {
	Group          string
	Profile        string
	AccountID      string
	SessionTimeout time.Duration
	IdleTimeout    time.Duration
}

// Usage is a counter report from the NAS. Counters are totals since start.
type Usage struct {
	BytesIn       uint64
	BytesOut      uint64
	SessionTime   int64
	FramedIP      string
	AcctSessionID string
}

// FailedAttempt is an authentication failure that never got a slot
type FailedAttempt struct {
	MAC      string
	Username string
	NASID    string
	Reason   string
}

// entry guards one session. Identity and state fields are written with both
// entry.mu and Service.mu held, so either lock is enough to read them.
// Counters, FramedIP, LastActivity and Seq only need entry.mu. entry.mu may
// be held while taking Service.mu, never the other way round.
type entry struct {
	mu       sync.Mutex
	s        models.Session
	reserved bool // counted in Service.devices; guarded by Service.mu
}

func (e *entry) snapshot() models.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s
}

// Service is the session state machine. A MAC owns at most one
// authenticating or active session at a time.
type Service struct {
	ledger     Recorder
	mirror     Mirror
	disconnect Disconnector
	logger     *zap.Logger
	config     Config
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry // id -> entry
	byMAC    map[string]*entry
	byAcct   map[string]*entry // NAS Acct-Session-Id -> entry
	devices  map[string]int    // username -> active or reserved sessions

	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// New creates a new session service. mirror and disconnect may be nil.
func New(ledger Recorder, mirror Mirror, disconnect Disconnector, logger *zap.Logger, config Config) *Service {
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.SessionTimeout == 0 {
		config.SessionTimeout = DefaultSessionTimeout
	}
	if config.AuthTimeout == 0 {
		config.AuthTimeout = DefaultAuthTimeout
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = DefaultCheckInterval
	}
	if config.DuplicateWindow == 0 {
		config.DuplicateWindow = DefaultDuplicateWindow
	}

	return &Service{
		ledger:     ledger,
		mirror:     mirror,
		disconnect: disconnect,
		logger:     logger,
		config:     config,
		now:        time.Now,
		sessions:   make(map[string]*entry),
		byMAC:      make(map[string]*entry),
		byAcct:     make(map[string]*entry),
		devices:    make(map[string]int),
		stopChan:   make(chan struct{}),
	}
}

// SetClock replaces the time source, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetDisconnector wires the NAS teardown path after construction.
func (s *Service) SetDisconnector(d Disconnector) {
	s.disconnect = d
}

// Start restores mirrored sessions and starts the expiry sweep
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting session service",
		zap.Duration("idle_timeout", s.config.IdleTimeout),
		zap.Duration("session_timeout", s.config.SessionTimeout),
		zap.Duration("check_interval", s.config.CheckInterval))

	if err := s.loadExistingSessions(ctx); err != nil {
		s.logger.Error("Failed to load existing sessions", zap.Error(err))
	}

	s.cleanupTicker = time.NewTicker(s.config.CheckInterval)
	s.wg.Add(1)
	go s.cleanupTask()

	return nil
}

// Stop halts the sweep and optionally disconnects every active session
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping session service")

	s.stopOnce.Do(func() { close(s.stopChan) })
	if s.cleanupTicker != nil {
		s.cleanupTicker.Stop()
	}
	s.wg.Wait()

	if s.config.DisconnectOnShutdown {
		s.disconnectAllSessions(ctx)
	}

	s.logger.Info("Session service stopped")
	return nil
}

// Begin moves a client from unauthenticated to authenticating. A retransmit
// of an already accepted request (same MAC, username and NAS inside the
// duplicate window) returns the existing session with existing set.
func (s *Service) Begin(ctx context.Context, req BeginRequest) (sess *models.Session, existing bool, err error) {
	mac, err := models.NormalizeMAC(req.MAC)
	if err != nil {
		return nil, false, err
	}
	now := s.now()

	s.mu.Lock()
	if e, ok := s.byMAC[mac]; ok {
		retransmit := e.s.State == models.StateActive && e.s.Username == req.Username &&
			e.s.NASID == req.NASID && now.Sub(e.s.StartedAt) <= s.config.DuplicateWindow
		id := e.s.ID
		s.mu.Unlock()

		if retransmit {
			snap := e.snapshot()
			return &snap, true, nil
		}
		return nil, false, models.NewConflict(models.CodeAlreadyActive, "%s has session %s", mac, id)
	}
	defer s.mu.Unlock()

	if s.config.MaxSessions > 0 && len(s.sessions) >= s.config.MaxSessions {
		return nil, false, models.NewTransientFailure(models.CodeUnavailable, fmt.Errorf("session table full (%d)", s.config.MaxSessions))
	}

	e := &entry{s: models.Session{
		ID:        uuid.New().String(),
		MAC:       mac,
		NASID:     req.NASID,
		Username:  req.Username,
		State:     models.StateAuthenticating,
		CreatedAt: now,
	}}
	s.sessions[e.s.ID] = e
	s.byMAC[mac] = e

	cp := e.s
	return &cp, false, nil
}

// ReserveDevice counts the session against the user's device limit. A limit
// of zero is unlimited.
func (s *Service) ReserveDevice(id string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return models.NewNotFound("session %s", id)
	}
	if e.s.State != models.StateAuthenticating {
		return models.NewConflict(models.CodeSessionClosed, "session %s is %s", id, e.s.State)
	}
	if e.reserved {
		return nil
	}
	if limit > 0 && s.devices[e.s.Username] >= limit {
		return models.NewPolicyRejection(models.CodeDeviceLimitExceeded, "%s has %d of %d devices", e.s.Username, s.devices[e.s.Username], limit)
	}
	e.reserved = true
	s.devices[e.s.Username]++
	return nil
}

// Activate moves an authenticating session to active and records its start.
// On a ledger failure the session stays authenticating.
func (s *Service) Activate(ctx context.Context, id string, grant Grant) (*models.Session, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, models.NewNotFound("session %s", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != models.StateAuthenticating {
		return nil, models.NewConflict(models.CodeSessionClosed, "session %s is %s", id, e.s.State)
	}

	now := s.now()
	ev := models.SessionEvent{
		SessionID: e.s.ID,
		Seq:       e.s.Seq + 1,
		Type:      models.EventStart,
		At:        now,
		MAC:       e.s.MAC,
		Username:  e.s.Username,
		NASID:     e.s.NASID,
	}
	if err := s.ledger.Record(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to record session start: %w", err)
	}

	if grant.SessionTimeout == 0 {
		grant.SessionTimeout = s.config.SessionTimeout
	}
	if grant.IdleTimeout == 0 {
		grant.IdleTimeout = s.config.IdleTimeout
	}

	s.mu.Lock()
	e.s.State = models.StateActive
	e.s.Status = models.SessionOK
	e.s.Group = grant.Group
	e.s.Profile = grant.Profile
	e.s.AccountID = grant.AccountID
	e.s.StartedAt = now
	e.s.SessionTimeout = grant.SessionTimeout
	e.s.IdleTimeout = grant.IdleTimeout
	if !e.reserved {
		e.reserved = true
		s.devices[e.s.Username]++
	}
	s.mu.Unlock()

	e.s.Seq = ev.Seq
	e.s.LastActivity = now
	snap := e.s

	s.saveToMirror(ctx, &snap)

	s.logger.Info("Session activated",
		zap.String("session_id", snap.ID),
		zap.String("mac", snap.MAC),
		zap.String("username", snap.Username),
		zap.String("nas_id", snap.NASID),
		zap.String("profile", snap.Profile))
	return &snap, nil
}

// Fail closes an authenticating session as failed and releases the MAC.
func (s *Service) Fail(ctx context.Context, id, reason string) error {
	e := s.lookup(id)
	if e == nil {
		return models.NewNotFound("session %s", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != models.StateAuthenticating {
		return models.NewConflict(models.CodeSessionClosed, "session %s is %s", id, e.s.State)
	}
	s.failLocked(ctx, e, reason)
	return nil
}

// failLocked requires e.mu.
func (s *Service) failLocked(ctx context.Context, e *entry, reason string) {
	now := s.now()
	ev := models.SessionEvent{
		SessionID: e.s.ID,
		Seq:       e.s.Seq + 1,
		Type:      models.EventAuthFailed,
		At:        now,
		MAC:       e.s.MAC,
		Username:  e.s.Username,
		NASID:     e.s.NASID,
		Reason:    reason,
	}
	if err := s.ledger.Record(ctx, ev); err != nil {
		s.logger.Warn("Failed to record authentication failure",
			zap.String("session_id", e.s.ID),
			zap.Error(err))
	} else {
		e.s.Seq = ev.Seq
	}

	s.mu.Lock()
	e.s.State = models.StateClosed
	e.s.Status = models.SessionFailed
	e.s.Cause = models.CauseRejected
	e.s.StoppedAt = &now
	s.removeLocked(e)
	s.mu.Unlock()

	s.logger.Info("Authentication failed",
		zap.String("mac", e.s.MAC),
		zap.String("username", e.s.Username),
		zap.String("reason", reason))
}

// RecordFailure logs a rejected request that never owned a slot.
func (s *Service) RecordFailure(ctx context.Context, a FailedAttempt) error {
	ev := models.SessionEvent{
		SessionID: uuid.New().String(),
		Seq:       1,
		Type:      models.EventAuthFailed,
		At:        s.now(),
		MAC:       a.MAC,
		Username:  a.Username,
		NASID:     a.NASID,
		Reason:    a.Reason,
	}
	if err := s.ledger.Record(ctx, ev); err != nil {
		return fmt.Errorf("failed to record authentication failure: %w", err)
	}
	s.logger.Info("Authentication rejected",
		zap.String("mac", a.MAC),
		zap.String("username", a.Username),
		zap.String("reason", a.Reason))
	return nil
}

// Update applies an interim report. Counters never go backwards; traffic
// growth refreshes the idle clock.
func (s *Service) Update(ctx context.Context, id string, u Usage) (*models.Session, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, models.NewNotFound("session %s", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != models.StateActive {
		return nil, models.NewConflict(models.CodeSessionClosed, "session %s is %s", id, e.s.State)
	}

	now := s.now()
	next := s.merge(e.s, u)
	ev := models.SessionEvent{
		SessionID:       e.s.ID,
		Seq:             e.s.Seq + 1,
		Type:            models.EventInterim,
		At:              now,
		MAC:             e.s.MAC,
		Username:        e.s.Username,
		NASID:           e.s.NASID,
		BytesIn:         next.BytesIn,
		BytesOut:        next.BytesOut,
		DurationSeconds: next.DurationSeconds,
		FramedIP:        next.FramedIP,
	}
	if err := s.ledger.Record(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to record interim update: %w", err)
	}

	if next.BytesIn > e.s.BytesIn || next.BytesOut > e.s.BytesOut {
		e.s.LastActivity = now
	}
	e.s.BytesIn = next.BytesIn
	e.s.BytesOut = next.BytesOut
	e.s.DurationSeconds = next.DurationSeconds
	e.s.FramedIP = next.FramedIP
	e.s.Seq = ev.Seq
	if u.AcctSessionID != "" && u.AcctSessionID != e.s.AcctSessionID {
		s.bindAcctLocked(e, u.AcctSessionID)
	}
	snap := e.s

	s.saveToMirror(ctx, &snap)
	return &snap, nil
}

// Close ends an active session with a cause and records exactly one stop.
func (s *Service) Close(ctx context.Context, id string, cause models.CloseCause, u *Usage) (*models.Session, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, models.NewNotFound("session %s", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.s.State != models.StateActive {
		return nil, models.NewConflict(models.CodeSessionClosed, "session %s is %s", id, e.s.State)
	}
	return s.closeLocked(ctx, e, cause, u)
}

// closeLocked requires e.mu.
func (s *Service) closeLocked(ctx context.Context, e *entry, cause models.CloseCause, u *Usage) (*models.Session, error) {
	now := s.now()
	next := e.s
	if u != nil {
		next = s.merge(e.s, *u)
	}
	if elapsed := int64(now.Sub(e.s.StartedAt) / time.Second); u == nil && elapsed > next.DurationSeconds {
		next.DurationSeconds = elapsed
	}

	ev := models.SessionEvent{
		SessionID:       e.s.ID,
		Seq:             e.s.Seq + 1,
		Type:            models.EventStop,
		At:              now,
		MAC:             e.s.MAC,
		Username:        e.s.Username,
		NASID:           e.s.NASID,
		BytesIn:         next.BytesIn,
		BytesOut:        next.BytesOut,
		DurationSeconds: next.DurationSeconds,
		FramedIP:        next.FramedIP,
		Cause:           cause,
	}
	if err := s.ledger.Record(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to record session stop: %w", err)
	}

	e.s.BytesIn = next.BytesIn
	e.s.BytesOut = next.BytesOut
	e.s.DurationSeconds = next.DurationSeconds
	e.s.FramedIP = next.FramedIP
	e.s.Seq = ev.Seq

	s.mu.Lock()
	e.s.State = models.StateClosed
	e.s.Cause = cause
	e.s.StoppedAt = &now
	s.removeLocked(e)
	s.mu.Unlock()

	snap := e.s
	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, &snap); err != nil {
			s.logger.Warn("Failed to remove session mirror", zap.String("session_id", snap.ID), zap.Error(err))
		}
	}

	s.logger.Info("Session closed",
		zap.String("session_id", snap.ID),
		zap.String("mac", snap.MAC),
		zap.String("username", snap.Username),
		zap.String("cause", string(cause)),
		zap.Int64("duration", snap.DurationSeconds),
		zap.Uint64("bytes_in", snap.BytesIn),
		zap.Uint64("bytes_out", snap.BytesOut))
	return &snap, nil
}

// merge folds a usage report into a copy of cur without lowering counters.
func (s *Service) merge(cur models.Session, u Usage) models.Session {
	next := cur
	if u.BytesIn >= cur.BytesIn {
		next.BytesIn = u.BytesIn
	}
	if u.BytesOut >= cur.BytesOut {
		next.BytesOut = u.BytesOut
	}
	if u.BytesIn < cur.BytesIn || u.BytesOut < cur.BytesOut {
		s.logger.Warn("Ignoring decreasing counters",
			zap.String("session_id", cur.ID),
			zap.Uint64("bytes_in", u.BytesIn),
			zap.Uint64("bytes_out", u.BytesOut))
	}
	if u.SessionTime > cur.DurationSeconds {
		next.DurationSeconds = u.SessionTime
	}
	if u.FramedIP != "" {
		next.FramedIP = u.FramedIP
	}
	return next
}

// bindAcctLocked requires e.mu.
func (s *Service) bindAcctLocked(e *entry, acctID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.s.AcctSessionID != "" && s.byAcct[e.s.AcctSessionID] == e {
		delete(s.byAcct, e.s.AcctSessionID)
	}
	e.s.AcctSessionID = acctID
	s.byAcct[acctID] = e
}

// removeLocked requires s.mu.
func (s *Service) removeLocked(e *entry) {
	delete(s.sessions, e.s.ID)
	if s.byMAC[e.s.MAC] == e {
		delete(s.byMAC, e.s.MAC)
	}
	if e.s.AcctSessionID != "" && s.byAcct[e.s.AcctSessionID] == e {
		delete(s.byAcct, e.s.AcctSessionID)
	}
	if e.reserved {
		e.reserved = false
		if s.devices[e.s.Username]--; s.devices[e.s.Username] <= 0 {
			delete(s.devices, e.s.Username)
		}
	}
}

func (s *Service) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

func (s *Service) saveToMirror(ctx context.Context, sess *models.Session) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Save(ctx, sess); err != nil {
		s.logger.Warn("Failed to mirror session", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// ================ QUERIES ================

// Get returns a snapshot of a live session
func (s *Service) Get(id string) (*models.Session, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, models.NewNotFound("session %s", id)
	}
	snap := e.snapshot()
	return &snap, nil
}

// FindByMAC returns the session owning the MAC, if any
func (s *Service) FindByMAC(mac string) *models.Session {
	normalized, err := models.NormalizeMAC(mac)
	if err != nil {
		return nil
	}
	s.mu.RLock()
	e := s.byMAC[normalized]
	s.mu.RUnlock()
	if e == nil {
		return nil
	}
	snap := e.snapshot()
	return &snap
}

// FindByAcctSessionID resolves the NAS accounting id
func (s *Service) FindByAcctSessionID(acctID string) *models.Session {
	s.mu.RLock()
	e := s.byAcct[acctID]
	s.mu.RUnlock()
	if e == nil {
		return nil
	}
	snap := e.snapshot()
	return &snap
}

// ListActive returns snapshots of active sessions
func (s *Service) ListActive() []models.Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		if e.s.State == models.StateActive {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	out := make([]models.Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// ActiveDevices returns the number of active or reserved sessions of a user
func (s *Service) ActiveDevices(username string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[username]
}

// Stats summarises the session table
type Stats struct {
	Active         int            `json:"active_sessions"`
	Authenticating int            `json:"authenticating_sessions"`
	ByNAS          map[string]int `json:"active_by_nas"`
	MaxSessions    int            `json:"max_sessions"`
}

func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{ByNAS: make(map[string]int), MaxSessions: s.config.MaxSessions}
	for _, e := range s.sessions {
		switch e.s.State {
		case models.StateActive:
			st.Active++
			st.ByNAS[e.s.NASID]++
		case models.StateAuthenticating:
			st.Authenticating++
		}
	}
	return st
}

// ================ EXPIRY ================

func (s *Service) cleanupTask() {
	defer s.wg.Done()

	for {
		select {
		case <-s.cleanupTicker.C:
			s.Sweep(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// Sweep closes idle and expired sessions, drops stale authentication slots
// and returns the sessions it closed.
func (s *Service) Sweep(ctx context.Context) []models.Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var closed []models.Session
	for _, e := range entries {
		if sess := s.expire(ctx, e); sess != nil {
			closed = append(closed, *sess)
		}
	}

	for _, sess := range closed {
		if s.disconnect == nil {
			continue
		}
		if err := s.disconnect.Disconnect(ctx, sess, sess.Cause); err != nil {
			s.logger.Warn("Failed to disconnect expired session",
				zap.String("session_id", sess.ID),
				zap.String("mac", sess.MAC),
				zap.Error(err))
		}
	}
	return closed
}

func (s *Service) expire(ctx context.Context, e *entry) *models.Session {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now()
	switch e.s.State {
	case models.StateAuthenticating:
		if now.Sub(e.s.CreatedAt) >= s.config.AuthTimeout {
			s.failLocked(ctx, e, models.CodeTimeout)
		}
		return nil
	case models.StateActive:
		var cause models.CloseCause
		switch {
		case e.s.HardExpired(now):
			cause = models.CauseSessionTimeout
		case e.s.IdleExpired(now):
			cause = models.CauseIdleTimeout
		default:
			return nil
		}
		sess, err := s.closeLocked(ctx, e, cause, nil)
		if err != nil {
			s.logger.Error("Failed to expire session", zap.String("session_id", e.s.ID), zap.Error(err))
			return nil
		}
		return sess
	}
	return nil
}

func (s *Service) loadExistingSessions(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	sessions, err := s.mirror.Load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, sess := range sessions {
		if sess.State != models.StateActive {
			continue
		}
		if _, taken := s.byMAC[sess.MAC]; taken {
			continue
		}
		e := &entry{s: *sess, reserved: true}
		s.sessions[sess.ID] = e
		s.byMAC[sess.MAC] = e
		if sess.AcctSessionID != "" {
			s.byAcct[sess.AcctSessionID] = e
		}
		s.devices[sess.Username]++
		restored++
	}

	s.logger.Info("Loaded existing sessions", zap.Int("count", restored))
	return nil
}

func (s *Service) disconnectAllSessions(ctx context.Context) {
	active := s.ListActive()
	for _, sess := range active {
		closed, err := s.Close(ctx, sess.ID, models.CauseAdminDisconnect, nil)
		if err != nil {
			s.logger.Warn("Failed to close session on shutdown", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		if s.disconnect == nil {
			continue
		}
		// The disconnector sees the closed snapshot so charging hooks settle it.
		if err := s.disconnect.Disconnect(ctx, *closed, models.CauseAdminDisconnect); err != nil {
			s.logger.Error("Failed to disconnect session on shutdown",
				zap.String("username", closed.Username),
				zap.Error(err))
		}
	}

	s.logger.Info("Disconnected all active sessions", zap.Int("count", len(active)))
}
