package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"ums-aaa/internal/metrics"
	"ums-aaa/internal/models"
	"ums-aaa/internal/services/billing"
	"ums-aaa/internal/services/ledger"
	"ums-aaa/internal/services/policy"
	"ums-aaa/internal/services/session"
)

const (
	DefaultRequestTimeout    = 800 * time.Millisecond
	DefaultDisconnectTimeout = 5 * time.Second
	DefaultInterimInterval   = 5 * time.Minute
)

// Config holds gateway configuration
type Config struct {
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	InterimInterval   time.Duration `yaml:"interim_interval"`
}

// Service answers AAA requests by running them through MAC policy, the
// session engine, credentials, device limits and balance.
type Service struct {
	policy     *policy.Service
	sessions   *session.Service
	billing    *billing.Service
	ledger     *ledger.Service
	disconnect session.Disconnector
	logger     *zap.Logger
	config     Config
	metrics    *metrics.Metrics

	flight singleflight.Group
	mu     sync.Mutex
	calls  map[string]*authCall
	wg     sync.WaitGroup
	now    func() time.Time
}

// authCall counts the callers still waiting on one shared evaluation.
type authCall struct {
	waiters  int
	finished bool
}

// evaluation is what one run of authenticate produced. started is set when
// this run activated the session, voucher when it also redeemed a code.
type evaluation struct {
	result  *models.AuthResult
	started bool
	voucher bool
}

// New creates a new gateway
func New(policySvc *policy.Service, sessions *session.Service, billingSvc *billing.Service, ledgerSvc *ledger.Service, disconnect session.Disconnector, logger *zap.Logger, config Config) *Service {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.DisconnectTimeout == 0 {
		config.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if config.InterimInterval == 0 {
		config.InterimInterval = DefaultInterimInterval
	}

	return &Service{
		policy:     policySvc,
		sessions:   sessions,
		billing:    billingSvc,
		ledger:     ledgerSvc,
		disconnect: disconnect,
		logger:     logger,
		config:     config,
		calls:      make(map[string]*authCall),
		now:        time.Now,
	}
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// InterimInterval is what the NAS is told to use for interim updates
func (s *Service) InterimInterval() time.Duration {
	return s.config.InterimInterval
}

// Wait blocks until background disconnects started by accounting finish
func (s *Service) Wait() {
	s.wg.Wait()
}

// ================ AUTHENTICATION ================

// Authenticate decides an Access-Request. Identical concurrent requests
// share one evaluation. When the request timeout expires first the caller
// gets Reject{Timeout} and the NAS is expected to retry. An evaluation that
// still accepts after every caller gave up is rolled back.
func (s *Service) Authenticate(ctx context.Context, req models.AuthRequest) *models.AuthResult {
	key := strings.Join([]string{strings.ToUpper(req.MAC), req.Username, req.NASID}, "|")

	s.mu.Lock()
	call := s.calls[key]
	if call == nil {
		call = &authCall{}
		s.calls[key] = call
	}
	call.waiters++
	ch := s.flight.DoChan(key, func() (interface{}, error) {
		// Shared by every caller of this key, so it must outlive any one of them.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.RequestTimeout)
		defer cancel()
		ev := s.authenticate(runCtx, req)
		if s.finish(key, call) && ev.started {
			return s.abandon(ctx, req, ev), nil
		}
		return ev.result, nil
	})
	s.mu.Unlock()

	timer := time.NewTimer(s.config.RequestTimeout)
	defer timer.Stop()

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-timer.C:
		if s.giveUp(call) {
			s.logger.Warn("Authentication timed out",
				zap.String("mac", req.MAC),
				zap.String("username", req.Username),
				zap.String("nas_id", req.NASID))
			s.metrics.RecordReject(models.CodeTimeout)
			return models.Reject(models.CodeTimeout)
		}
		res = <-ch
	case <-ctx.Done():
		if s.giveUp(call) {
			s.metrics.RecordReject(models.CodeTimeout)
			return models.Reject(models.CodeTimeout)
		}
		res = <-ch
	}
	s.leave(key, call)

	result := res.Val.(*models.AuthResult)
	if !result.Accepted() {
		s.metrics.RecordReject(result.Reason)
	}
	return result
}

// finish marks the evaluation done and reports whether nobody is left to
// receive its result.
func (s *Service) finish(key string, call *authCall) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	call.finished = true
	if s.calls[key] == call {
		delete(s.calls, key)
	}
	return call.waiters == 0
}

// giveUp withdraws a timed out waiter. It fails once the evaluation has
// finished, in which case the waiter must take the result already on its
// way.
func (s *Service) giveUp(call *authCall) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call.finished {
		return false
	}
	call.waiters--
	return true
}

func (s *Service) leave(key string, call *authCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call.waiters--
	// A call that got a result without finishing joined an older flight.
	if call.waiters == 0 && !call.finished && s.calls[key] == call {
		delete(s.calls, key)
	}
}

// abandon undoes an accept nobody will deliver: the session is closed and
// a voucher it redeemed goes back to unused, so the NAS retry starts clean.
func (s *Service) abandon(ctx context.Context, req models.AuthRequest, ev evaluation) *models.AuthResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.DisconnectTimeout)
	defer cancel()

	s.logger.Warn("Rolling back session accepted after the request timed out",
		zap.String("session_id", ev.result.SessionID),
		zap.String("mac", req.MAC),
		zap.String("username", req.Username))

	closed, err := s.sessions.Close(ctx, ev.result.SessionID, models.CauseRejected, nil)
	if err != nil {
		s.logger.Error("Failed to roll back late session",
			zap.String("session_id", ev.result.SessionID),
			zap.Error(err))
	} else if ev.voucher {
		s.releaseVoucher(ctx, closed.Username, closed.MAC)
	}
	s.publishStats()
	return models.Reject(models.CodeTimeout)
}

// releaseVoucher returns a code redeemed by mac to unused after its session
// failed to start.
func (s *Service) releaseVoucher(ctx context.Context, username, mac string) {
	if err := s.policy.ReleaseAccessCode(ctx, username, mac); err != nil {
		s.logger.Error("Voucher redeemed but could not be released",
			zap.String("username", username),
			zap.String("mac", mac),
			zap.Error(err))
	}
}

func (s *Service) authenticate(ctx context.Context, req models.AuthRequest) evaluation {
	mac, err := models.NormalizeMAC(req.MAC)
	if err != nil {
		return evaluation{result: s.rejectUnslotted(ctx, req, err)}
	}
	req.MAC = mac
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		return evaluation{result: s.rejectUnslotted(ctx, req, models.NewValidationError(models.CodeInvalidRequest, "username is required"))}
	}

	action, found, err := s.policy.CheckMAC(ctx, mac)
	if err != nil {
		return evaluation{result: s.rejectUnslotted(ctx, req, err)}
	}
	if found && action == models.MacBlock {
		return evaluation{result: s.rejectUnslotted(ctx, req, models.NewPolicyRejection(models.CodeMacBlocked, "%s", mac))}
	}

	sess, existing, err := s.sessions.Begin(ctx, session.BeginRequest{MAC: mac, Username: req.Username, NASID: req.NASID})
	if err != nil {
		return evaluation{result: s.rejectUnslotted(ctx, req, err)}
	}
	if existing {
		s.logger.Info("Retransmitted Access-Request answered from active session",
			zap.String("session_id", sess.ID),
			zap.String("mac", mac))
		return evaluation{result: s.accept(ctx, sess)}
	}

	grant, code, err := s.authorize(ctx, sess.ID, req)
	if err != nil {
		return evaluation{result: s.rejectSlot(ctx, sess.ID, req, err)}
	}

	if err = ctx.Err(); err == nil {
		var active *models.Session
		if active, err = s.sessions.Activate(ctx, sess.ID, grant); err == nil {
			return evaluation{result: s.accept(ctx, active), started: true, voucher: code != nil}
		}
	}
	if code != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.DisconnectTimeout)
		defer cancel()
		s.releaseVoucher(cleanupCtx, code.Username, mac)
	}
	return evaluation{result: s.rejectSlot(ctx, sess.ID, req, err)}
}

// authorize runs the checks that need a session slot: credentials, device
// limit, balance and finally voucher redemption, which is the only one with
// a side effect.
func (s *Service) authorize(ctx context.Context, id string, req models.AuthRequest) (session.Grant, *models.AccessCode, error) {
	var (
		grant session.Grant
		code  *models.AccessCode
	)

	sub, err := s.policy.Subscriber(ctx, req.Username)
	if err != nil {
		return grant, nil, err
	}
	if sub != nil {
		if sub, err = s.policy.VerifySubscriber(ctx, req.Username, req.Password); err != nil {
			return grant, nil, err
		}
		grant.Group = sub.Group
		grant.Profile = sub.Profile
		grant.AccountID = sub.AccountID
	} else {
		if code, err = s.policy.VerifyAccessCode(ctx, req.Username, req.Password); err != nil {
			return grant, nil, err
		}
		grant.Group = code.Group
		grant.Profile = code.Profile
		grant.SessionTimeout = code.ExpiresAt.Sub(s.now())
		if grant.SessionTimeout <= 0 {
			return grant, nil, models.NewPolicyRejection(models.CodeVoucherExpired, "%s", code.Username)
		}
	}

	group, err := s.policy.UserGroup(ctx, grant.Group)
	if err != nil {
		return grant, nil, err
	}
	if err := s.sessions.ReserveDevice(id, group.DeviceLimit); err != nil {
		return grant, nil, err
	}

	if grant.AccountID != "" {
		if err := s.billing.CanStartSession(ctx, grant.AccountID); err != nil {
			return grant, nil, err
		}
	}

	if code != nil {
		if err := ctx.Err(); err != nil {
			return grant, nil, err
		}
		if code, err = s.policy.RedeemAccessCode(ctx, req.Username, req.MAC); err != nil {
			return grant, nil, err
		}
	}
	return grant, code, nil
}

func (s *Service) accept(ctx context.Context, sess *models.Session) *models.AuthResult {
	result := &models.AuthResult{
		Decision:       models.DecisionAccept,
		SessionID:      sess.ID,
		Profile:        sess.Profile,
		SessionTimeout: sess.SessionTimeout,
		IdleTimeout:    sess.IdleTimeout,
	}
	if sess.Profile != "" {
		profile, err := s.policy.Profile(ctx, sess.Profile)
		if err != nil {
			s.logger.Warn("Failed to load bandwidth profile",
				zap.String("profile", sess.Profile),
				zap.Error(err))
		} else if profile != nil && profile.Active {
			result.RateLimit = profile.RateLimit()
		}
	}
	s.publishStats()
	return result
}

// rejectUnslotted records a failure that happened before a slot was taken.
func (s *Service) rejectUnslotted(ctx context.Context, req models.AuthRequest, err error) *models.AuthResult {
	reason := reasonOf(err)
	if models.CodeOf(err) != models.CodeAlreadyActive {
		if recErr := s.sessions.RecordFailure(ctx, session.FailedAttempt{
			MAC:      req.MAC,
			Username: req.Username,
			NASID:    req.NASID,
			Reason:   reason,
		}); recErr != nil {
			s.logger.Warn("Failed to record rejected login", zap.Error(recErr))
		}
	}
	s.logReject(req.MAC, req.Username, err)
	return models.Reject(reason)
}

// rejectSlot fails the session that owns the MAC slot.
func (s *Service) rejectSlot(ctx context.Context, id string, req models.AuthRequest, err error) *models.AuthResult {
	reason := reasonOf(err)
	if failErr := s.sessions.Fail(ctx, id, reason); failErr != nil {
		s.logger.Warn("Failed to release session slot", zap.String("session_id", id), zap.Error(failErr))
	}
	s.logReject(req.MAC, req.Username, err)
	return models.Reject(reason)
}

func (s *Service) logReject(mac, username string, err error) {
	fields := []zap.Field{zap.String("mac", mac), zap.String("username", username), zap.String("reason", reasonOf(err))}
	switch models.KindOf(err) {
	case models.KindPolicy, models.KindValidation, models.KindConflict:
		s.logger.Info("Access rejected", fields...)
	default:
		s.logger.Error("Access rejected by internal failure", append(fields, zap.Error(err))...)
	}
}

// reasonOf is the code the NAS sees. Internal failures never leak detail.
func reasonOf(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.CodeTimeout
	}
	switch models.KindOf(err) {
	case models.KindPolicy, models.KindValidation, models.KindConflict:
		return models.CodeOf(err)
	case models.KindNotFound:
		return models.CodeInvalidCredentials
	default:
		return models.CodeUnavailable
	}
}

// ================ ACCOUNTING ================

// Accounting applies an Accounting-Request. A nil error means the NAS gets
// an Accounting-Response. Transient errors mean it should retry.
func (s *Service) Accounting(ctx context.Context, req models.AcctRequest) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	sess := s.resolve(req)
	if sess == nil {
		if req.Status == models.AcctStop {
			return s.chargeLate(ctx, req)
		}
		s.logger.Warn("Accounting for unknown session",
			zap.String("acct_session_id", req.AcctSessionID),
			zap.String("mac", req.MAC),
			zap.String("status", string(req.Status)))
		return models.NewNotFound("session for %s", req.AcctSessionID)
	}

	usage := session.Usage{
		BytesIn:       req.BytesIn,
		BytesOut:      req.BytesOut,
		SessionTime:   req.SessionTime,
		FramedIP:      req.FramedIP,
		AcctSessionID: req.AcctSessionID,
	}

	switch req.Status {
	case models.AcctStart, models.AcctInterim:
		updated, err := s.sessions.Update(ctx, sess.ID, usage)
		if err != nil {
			return err
		}
		if req.Status == models.AcctInterim {
			s.enforceBalance(ctx, updated)
		}
		return nil

	case models.AcctStop:
		closed, err := s.sessions.Close(ctx, sess.ID, TerminateCause(req.TerminateCause), &usage)
		if err != nil {
			if models.CodeOf(err) == models.CodeSessionClosed {
				return s.chargeLate(ctx, req)
			}
			return err
		}
		s.sessionClosed(closed)
		return s.chargeSession(ctx, closed.ID, closed.AccountID)

	default:
		return models.NewValidationError(models.CodeInvalidRequest, "unknown Acct-Status-Type %q", req.Status)
	}
}

// resolve finds the session by Class, then Acct-Session-Id, then MAC.
func (s *Service) resolve(req models.AcctRequest) *models.Session {
	if req.SessionID != "" {
		if sess, err := s.sessions.Get(req.SessionID); err == nil {
			return sess
		}
	}
	if req.AcctSessionID != "" {
		if sess := s.sessions.FindByAcctSessionID(req.AcctSessionID); sess != nil {
			return sess
		}
	}
	if mac, err := models.NormalizeMAC(req.MAC); err == nil {
		if sess := s.sessions.FindByMAC(mac); sess != nil && sess.IsActive() {
			return sess
		}
	}
	return nil
}

// enforceBalance disconnects a session whose usage so far costs more than
// the account can still pay.
func (s *Service) enforceBalance(ctx context.Context, sess *models.Session) {
	if sess.AccountID == "" {
		return
	}
	acct, err := s.billing.Account(ctx, sess.AccountID)
	if err != nil {
		s.logger.Warn("Failed to load account for balance check",
			zap.String("session_id", sess.ID),
			zap.Error(err))
		return
	}
	cost := s.billing.Quote(acct, sess.DurationSeconds, sess.BytesIn+sess.BytesOut, sess.StartedAt)
	headroom := s.billing.Headroom(acct)
	if cost <= headroom {
		return
	}

	s.logger.Info("Balance exhausted, disconnecting session",
		zap.String("session_id", sess.ID),
		zap.String("account_id", sess.AccountID),
		zap.Int64("cost", cost),
		zap.Int64("headroom", headroom))

	closed, err := s.sessions.Close(ctx, sess.ID, models.CauseBalanceExhausted, nil)
	if err != nil {
		s.logger.Warn("Failed to close exhausted session", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	s.sessionClosed(closed)
	if err := s.chargeSession(ctx, closed.ID, closed.AccountID); err != nil {
		s.logger.Warn("Failed to charge exhausted session", zap.String("session_id", closed.ID), zap.Error(err))
	}
	s.disconnectAsync(*closed, models.CauseBalanceExhausted)
}

// chargeLate handles a Stop for a session the engine already closed, so a
// retried Stop still gets billed.
func (s *Service) chargeLate(ctx context.Context, req models.AcctRequest) error {
	id := req.SessionID
	if id == "" {
		return nil
	}
	rec, err := s.ledger.SessionRecord(ctx, id)
	if err != nil || rec == nil || !rec.Closed() {
		return err
	}
	sub, err := s.policy.Subscriber(ctx, rec.Username)
	if err != nil {
		return err
	}
	if sub == nil || sub.AccountID == "" {
		return nil
	}
	return s.chargeSession(ctx, id, sub.AccountID)
}

func (s *Service) chargeSession(ctx context.Context, sessionID, accountID string) error {
	if accountID == "" {
		return nil
	}
	rec, err := s.ledger.SessionRecord(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session record: %w", err)
	}
	if rec == nil {
		return models.NewNotFound("session record %s", sessionID)
	}
	if _, err := s.billing.ChargeSession(ctx, accountID, *rec); err != nil {
		return err
	}
	return nil
}

func (s *Service) sessionClosed(sess *models.Session) {
	s.metrics.RecordSessionClosed(string(sess.Cause), sess.DurationSeconds, sess.BytesIn, sess.BytesOut)
	s.publishStats()
}

func (s *Service) publishStats() {
	if s.metrics == nil {
		return
	}
	st := s.sessions.Stats()
	s.metrics.SetSessions(string(models.StateActive), st.Active)
	s.metrics.SetSessions(string(models.StateAuthenticating), st.Authenticating)
}

// TerminateCause maps Acct-Terminate-Cause names to close causes
func TerminateCause(name string) models.CloseCause {
	switch name {
	case "Idle-Timeout":
		return models.CauseIdleTimeout
	case "Session-Timeout":
		return models.CauseSessionTimeout
	case "Admin-Reset", "Admin-Reboot":
		return models.CauseAdminDisconnect
	default:
		return models.CauseNaturalLogout
	}
}

// ================ DISCONNECT ================

// Disconnect closes a session on operator request and asks the NAS to drop
// it. The NAS side is best effort; the session is closed either way.
func (s *Service) Disconnect(ctx context.Context, sessionID, reason string) (*models.Session, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	if s.disconnect != nil {
		dctx, cancel := context.WithTimeout(ctx, s.config.DisconnectTimeout)
		err := s.disconnect.Disconnect(dctx, *sess, models.CauseAdminDisconnect)
		cancel()
		if err != nil {
			s.logger.Warn("NAS did not confirm disconnect",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}

	closed, err := s.sessions.Close(ctx, sessionID, models.CauseAdminDisconnect, nil)
	if err != nil {
		return nil, err
	}
	s.sessionClosed(closed)
	if err := s.chargeSession(ctx, closed.ID, closed.AccountID); err != nil {
		s.logger.Warn("Failed to charge disconnected session", zap.String("session_id", closed.ID), zap.Error(err))
	}

	s.logger.Info("Session disconnected by administrator",
		zap.String("session_id", sessionID),
		zap.String("username", closed.Username),
		zap.String("reason", reason))
	return closed, nil
}

func (s *Service) disconnectAsync(sess models.Session, cause models.CloseCause) {
	if s.disconnect == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.DisconnectTimeout)
		defer cancel()
		if err := s.disconnect.Disconnect(ctx, sess, cause); err != nil {
			s.logger.Warn("NAS did not confirm disconnect",
				zap.String("session_id", sess.ID),
				zap.String("cause", string(cause)),
				zap.Error(err))
		}
	}()
}

// ExpiryHandler is handed to the session engine's sweep: it bills sessions
// the engine expired and then tears them down on the NAS.
func (s *Service) ExpiryHandler() session.Disconnector {
	return expiryHandler{s}
}

type expiryHandler struct {
	s *Service
}

func (h expiryHandler) Disconnect(ctx context.Context, sess models.Session, cause models.CloseCause) error {
	if sess.State == models.StateClosed {
		h.s.sessionClosed(&sess)
		if err := h.s.chargeSession(ctx, sess.ID, sess.AccountID); err != nil {
			h.s.logger.Warn("Failed to charge expired session", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	if h.s.disconnect == nil {
		return nil
	}
	return h.s.disconnect.Disconnect(ctx, sess, cause)
}
