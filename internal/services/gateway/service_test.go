package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"ums-aaa/internal/models"
	"ums-aaa/internal/services/billing"
	"ums-aaa/internal/services/ledger"
	"ums-aaa/internal/services/policy"
	"ums-aaa/internal/services/session"
)

const (
	macA = "AA:BB:CC:DD:EE:01"
	macB = "AA:BB:CC:DD:EE:02"
)

type recordingDisconnector struct {
	mu    sync.Mutex
	calls []models.CloseCause
}

func (d *recordingDisconnector) Disconnect(ctx context.Context, s models.Session, cause models.CloseCause) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, cause)
	return nil
}

func (d *recordingDisconnector) causes() []models.CloseCause {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.CloseCause(nil), d.calls...)
}

// slowRecorder delays every ledger write
type slowRecorder struct {
	inner session.Recorder
	delay time.Duration
}

func (r slowRecorder) Record(ctx context.Context, ev models.SessionEvent) error {
	time.Sleep(r.delay)
	return r.inner.Record(ctx, ev)
}

// flakyRecorder fails session starts while failStart is set
type flakyRecorder struct {
	inner     session.Recorder
	failStart atomic.Bool
}

func (r *flakyRecorder) Record(ctx context.Context, ev models.SessionEvent) error {
	if ev.Type == models.EventStart && r.failStart.Load() {
		return models.NewTransientFailure(models.CodeUnavailable, errors.New("ledger unavailable"))
	}
	return r.inner.Record(ctx, ev)
}

type fixture struct {
	gw         *Service
	policy     *policy.Service
	sessions   *session.Service
	billing    *billing.Service
	ledger     *ledger.Service
	disconnect *recordingDisconnector
	accountID  string
}

func newFixture(t *testing.T, balance int64, recorderDelay time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	f := &fixture{disconnect: &recordingDisconnector{}}
	f.policy = policy.New(policy.NewMemoryStore(), logger, policy.Config{BcryptCost: bcrypt.MinCost})
	f.ledger = ledger.New(ledger.NewMemoryStore(), logger)
	f.billing = billing.New(billing.NewMemoryStore(), logger, billing.Config{
		DefaultTariff: billing.Tariff{PerMinute: 10},
	})

	var rec session.Recorder = f.ledger
	if recorderDelay > 0 {
		rec = slowRecorder{inner: f.ledger, delay: recorderDelay}
	}
	f.sessions = session.New(rec, nil, f.disconnect, logger, session.Config{})
	f.gw = New(f.policy, f.sessions, f.billing, f.ledger, f.disconnect, logger, Config{})

	_, err := f.policy.UpsertBandwidthProfile(ctx, models.BandwidthProfile{
		Name: "basic", DownloadRate: "2M", UploadRate: "1M", Priority: 5, Active: true,
	})
	require.NoError(t, err)
	_, err = f.policy.SaveUserGroup(ctx, models.UserGroup{Name: "home", DeviceLimit: 1, Active: true})
	require.NoError(t, err)

	acct, err := f.billing.CreateAccount(ctx, models.BalanceAccount{Customer: "Alice", Type: models.Prepaid, Balance: balance})
	require.NoError(t, err)
	f.accountID = acct.ID

	_, err = f.policy.SaveSubscriber(ctx, models.Subscriber{
		Username: "alice", Group: "home", Profile: "basic", AccountID: acct.ID, Active: true,
	}, "wonderland")
	require.NoError(t, err)
	return f
}

func (f *fixture) auth(mac, user, pass string) *models.AuthResult {
	return f.gw.Authenticate(context.Background(), models.AuthRequest{MAC: mac, Username: user, Password: pass, NASID: "hq-ap"})
}

func (f *fixture) voucher(t *testing.T) models.AccessCode {
	t.Helper()
	ctx := context.Background()
	_, err := f.policy.CreateVoucherType(ctx, models.VoucherType{Name: "hour", Duration: "1 hour", Profile: "basic", Active: true})
	require.NoError(t, err)
	codes, err := f.policy.GenerateAccessCodes(ctx, "hour", 1)
	require.NoError(t, err)
	return codes[0]
}

func (f *fixture) codeStatus(t *testing.T, username string) models.AccessCodeStatus {
	t.Helper()
	code, err := f.policy.AccessCode(context.Background(), username)
	require.NoError(t, err)
	require.NotNil(t, code)
	return code.Status
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	acct, err := f.billing.Account(context.Background(), f.accountID)
	require.NoError(t, err)
	return acct.Balance
}

func TestSubscriberAccept(t *testing.T) {
	f := newFixture(t, 1000, 0)

	res := f.auth("aa-bb-cc-dd-ee-01", "alice", "wonderland")
	require.True(t, res.Accepted(), res.Reason)
	assert.Equal(t, "basic", res.Profile)
	assert.Equal(t, "1M/2M", res.RateLimit)
	assert.Equal(t, session.DefaultSessionTimeout, res.SessionTimeout)

	sess := f.sessions.FindByMAC(macA)
	require.NotNil(t, sess)
	assert.Equal(t, res.SessionID, sess.ID)
	assert.Equal(t, models.StateActive, sess.State)
	assert.Equal(t, f.accountID, sess.AccountID)
}

func TestBlockedMACAlwaysRejected(t *testing.T) {
	f := newFixture(t, 1000, 0)
	ctx := context.Background()
	_, err := f.policy.UpsertMacRule(ctx, models.MacRule{MACAddress: macA, Action: models.MacBlock, Active: true})
	require.NoError(t, err)

	res := f.auth(macA, "alice", "wonderland")
	assert.False(t, res.Accepted())
	assert.Equal(t, models.CodeMacBlocked, res.Reason)
	assert.Nil(t, f.sessions.FindByMAC(macA))

	failed, err := f.ledger.FailedLogins(ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, models.CodeMacBlocked, failed[0].Reason)
}

func TestBadCredentialsReleaseTheMAC(t *testing.T) {
	f := newFixture(t, 1000, 0)

	res := f.auth(macA, "alice", "wrong")
	assert.Equal(t, models.CodeInvalidCredentials, res.Reason)

	res = f.auth(macA, "nobody", "whatever")
	assert.Equal(t, models.CodeInvalidCredentials, res.Reason)

	res = f.auth(macA, "alice", "wonderland")
	assert.True(t, res.Accepted())

	res = f.auth("not-a-mac", "alice", "wonderland")
	assert.Equal(t, models.CodeInvalidMacFormat, res.Reason)
}

func TestRetransmitReturnsSameSession(t *testing.T) {
	f := newFixture(t, 1000, 0)

	first := f.auth(macA, "alice", "wonderland")
	require.True(t, first.Accepted())
	second := f.auth(macA, "alice", "wonderland")
	require.True(t, second.Accepted())
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Len(t, f.sessions.ListActive(), 1)
}

func TestConcurrentRequestsForOneMAC(t *testing.T) {
	f := newFixture(t, 1000, 0)
	ctx := context.Background()
	_, err := f.policy.SaveSubscriber(ctx, models.Subscriber{Username: "bob", Group: "home", Active: true}, "builder1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*models.AuthResult, 40)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user, pass := "alice", "wonderland"
			if i%2 == 1 {
				user, pass = "bob", "builder1"
			}
			results[i] = f.auth(macA, user, pass)
		}(i)
	}
	wg.Wait()

	sessionIDs := map[string]bool{}
	for _, r := range results {
		if r.Accepted() {
			sessionIDs[r.SessionID] = true
			continue
		}
		assert.Equal(t, models.CodeAlreadyActive, r.Reason)
	}
	assert.Len(t, sessionIDs, 1, "one MAC never gets two sessions")
	assert.Len(t, f.sessions.ListActive(), 1)
}

func TestDeviceLimit(t *testing.T) {
	f := newFixture(t, 1000, 0)

	require.True(t, f.auth(macA, "alice", "wonderland").Accepted())
	res := f.auth(macB, "alice", "wonderland")
	assert.Equal(t, models.CodeDeviceLimitExceeded, res.Reason)
	assert.Nil(t, f.sessions.FindByMAC(macB))
}

func TestBalanceGate(t *testing.T) {
	f := newFixture(t, 0, 0)
	ctx := context.Background()

	assert.Equal(t, models.CodeInsufficientBalance, f.auth(macA, "alice", "wonderland").Reason)

	_, err := f.billing.ApplyTopUp(ctx, f.accountID, 500, models.MethodCash, "r1")
	require.NoError(t, err)
	_, err = f.billing.Suspend(ctx, f.accountID)
	require.NoError(t, err)
	assert.Equal(t, models.CodeAccountSuspended, f.auth(macA, "alice", "wonderland").Reason)

	_, err = f.billing.Activate(ctx, f.accountID)
	require.NoError(t, err)
	assert.True(t, f.auth(macA, "alice", "wonderland").Accepted())
}

func TestVoucherIsSingleUse(t *testing.T) {
	f := newFixture(t, 1000, 0)
	ctx := context.Background()

	_, err := f.policy.CreateVoucherType(ctx, models.VoucherType{Name: "half-hour", Duration: "30 minutes", Profile: "basic", Active: true})
	require.NoError(t, err)
	codes, err := f.policy.GenerateAccessCodes(ctx, "half-hour", 1)
	require.NoError(t, err)
	code := codes[0]

	res := f.auth(macA, code.Username, code.Password)
	require.True(t, res.Accepted(), res.Reason)
	assert.InDelta(t, float64(30*time.Minute), float64(res.SessionTimeout), float64(time.Second))

	stored, err := f.policy.AccessCode(ctx, code.Username)
	require.NoError(t, err)
	assert.Equal(t, models.AccessCodeUsed, stored.Status)
	assert.Equal(t, macA, stored.UsedByMAC)

	res = f.auth(macB, code.Username, code.Password)
	assert.Equal(t, models.CodeVoucherUsed, res.Reason)
}

func TestStopChargesOnce(t *testing.T) {
	f := newFixture(t, 1000, 0)
	ctx := context.Background()

	res := f.auth(macA, "alice", "wonderland")
	require.True(t, res.Accepted())

	require.NoError(t, f.gw.Accounting(ctx, models.AcctRequest{
		SessionID: res.SessionID, AcctSessionID: "81a0", Status: models.AcctStart, FramedIP: "10.5.0.20",
	}))
	require.NotNil(t, f.sessions.FindByAcctSessionID("81a0"))

	stop := models.AcctRequest{
		SessionID: res.SessionID, AcctSessionID: "81a0", Status: models.AcctStop,
		BytesIn: 1000, BytesOut: 2000, SessionTime: 120, TerminateCause: "User-Request",
	}
	require.NoError(t, f.gw.Accounting(ctx, stop))
	assert.Equal(t, int64(980), f.balance(t))

	require.NoError(t, f.gw.Accounting(ctx, stop), "a retried Stop is acknowledged")
	assert.Equal(t, int64(980), f.balance(t))

	rec, err := f.ledger.SessionRecord(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.CauseNaturalLogout, rec.Cause)
	assert.Equal(t, "10.5.0.20", rec.IP)
}

func TestInterimDisconnectsWhenBalanceRunsOut(t *testing.T) {
	f := newFixture(t, 15, 0)
	ctx := context.Background()

	res := f.auth(macA, "alice", "wonderland")
	require.True(t, res.Accepted())

	require.NoError(t, f.gw.Accounting(ctx, models.AcctRequest{
		SessionID: res.SessionID, Status: models.AcctInterim, SessionTime: 120, BytesIn: 10,
	}))
	f.gw.Wait()

	assert.Nil(t, f.sessions.FindByMAC(macA))
	assert.Equal(t, []models.CloseCause{models.CauseBalanceExhausted}, f.disconnect.causes())
	assert.Equal(t, int64(0), f.balance(t), "charge stops at the floor")

	rec, err := f.ledger.SessionRecord(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.CauseBalanceExhausted, rec.Cause)
}

func TestAdminDisconnect(t *testing.T) {
	f := newFixture(t, 1000, 0)
	ctx := context.Background()

	res := f.auth(macA, "alice", "wonderland")
	require.True(t, res.Accepted())

	closed, err := f.gw.Disconnect(ctx, res.SessionID, "abuse")
	require.NoError(t, err)
	assert.Equal(t, models.CauseAdminDisconnect, closed.Cause)
	assert.Equal(t, []models.CloseCause{models.CauseAdminDisconnect}, f.disconnect.causes())

	_, err = f.gw.Disconnect(ctx, res.SessionID, "again")
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestAccountingForUnknownSession(t *testing.T) {
	f := newFixture(t, 1000, 0)
	err := f.gw.Accounting(context.Background(), models.AcctRequest{AcctSessionID: "nope", Status: models.AcctInterim})
	assert.True(t, models.IsKind(err, models.KindNotFound))

	err = f.gw.Accounting(context.Background(), models.AcctRequest{AcctSessionID: "nope", Status: models.AcctStop})
	assert.NoError(t, err)
}

func TestSlowBackendRejectsWithTimeout(t *testing.T) {
	f := newFixture(t, 1000, 0)
	logger := zap.NewNop()
	slow := session.New(slowRecorder{inner: f.ledger, delay: 50 * time.Millisecond}, nil, nil, logger, session.Config{})
	gw := New(f.policy, slow, f.billing, f.ledger, nil, logger, Config{RequestTimeout: 20 * time.Millisecond})

	res := gw.Authenticate(context.Background(), models.AuthRequest{MAC: macA, Username: "alice", Password: "wonderland", NASID: "hq-ap"})
	assert.False(t, res.Accepted())
	assert.Equal(t, models.CodeTimeout, res.Reason)
}

func TestTimedOutVoucherLoginIsRolledBack(t *testing.T) {
	f := newFixture(t, 1000, 0)
	ctx := context.Background()
	logger := zap.NewNop()
	slow := session.New(slowRecorder{inner: f.ledger, delay: 50 * time.Millisecond}, nil, nil, logger, session.Config{})
	gw := New(f.policy, slow, f.billing, f.ledger, nil, logger, Config{RequestTimeout: 20 * time.Millisecond})
	code := f.voucher(t)
	req := models.AuthRequest{MAC: macA, Username: code.Username, Password: code.Password, NASID: "hq-ap"}

	res := gw.Authenticate(ctx, req)
	require.False(t, res.Accepted())
	assert.Equal(t, models.CodeTimeout, res.Reason)

	// The shared evaluation keeps running; once it lands it must not hold
	// the MAC or the voucher.
	require.Eventually(t, func() bool {
		stored, err := f.policy.AccessCode(ctx, code.Username)
		return err == nil && slow.FindByMAC(macA) == nil && stored.Status == models.AccessCodeUnused
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, slow.Stats().Active)

	records, err := f.ledger.Collect(ctx, ledger.Filter{MAC: macA})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.CauseRejected, records[0].Cause)

	patient := New(f.policy, slow, f.billing, f.ledger, nil, logger, Config{RequestTimeout: time.Second})
	res = patient.Authenticate(ctx, req)
	require.True(t, res.Accepted(), res.Reason)
	assert.Equal(t, models.AccessCodeUsed, f.codeStatus(t, code.Username))
}

func TestVoucherReleasedWhenSessionCannotStart(t *testing.T) {
	f := newFixture(t, 1000, 0)
	ctx := context.Background()
	logger := zap.NewNop()
	rec := &flakyRecorder{inner: f.ledger}
	rec.failStart.Store(true)
	sessions := session.New(rec, nil, nil, logger, session.Config{})
	gw := New(f.policy, sessions, f.billing, f.ledger, nil, logger, Config{})
	code := f.voucher(t)
	req := models.AuthRequest{MAC: macA, Username: code.Username, Password: code.Password, NASID: "hq-ap"}

	res := gw.Authenticate(ctx, req)
	require.False(t, res.Accepted())
	assert.Equal(t, models.CodeUnavailable, res.Reason)
	assert.Nil(t, sessions.FindByMAC(macA))
	assert.Equal(t, models.AccessCodeUnused, f.codeStatus(t, code.Username))

	rec.failStart.Store(false)
	res = gw.Authenticate(ctx, req)
	require.True(t, res.Accepted(), res.Reason)
	assert.Equal(t, models.AccessCodeUsed, f.codeStatus(t, code.Username))
}

func TestShutdownDisconnectChargesSessions(t *testing.T) {
	f := newFixture(t, 1000, 0)
	ctx := context.Background()
	logger := zap.NewNop()
	sessions := session.New(f.ledger, nil, nil, logger, session.Config{DisconnectOnShutdown: true})
	gw := New(f.policy, sessions, f.billing, f.ledger, f.disconnect, logger, Config{})
	sessions.SetDisconnector(gw.ExpiryHandler())

	res := gw.Authenticate(ctx, models.AuthRequest{MAC: macA, Username: "alice", Password: "wonderland", NASID: "hq-ap"})
	require.True(t, res.Accepted(), res.Reason)
	require.NoError(t, gw.Accounting(ctx, models.AcctRequest{SessionID: res.SessionID, Status: models.AcctInterim, SessionTime: 120}))

	require.NoError(t, sessions.Stop(ctx))

	txs, err := f.billing.Transactions(ctx, f.accountID, 0)
	require.NoError(t, err)
	var refs []string
	for _, tx := range txs {
		refs = append(refs, tx.Reference)
	}
	assert.Contains(t, refs, "session:"+res.SessionID)
	assert.Equal(t, int64(980), f.balance(t))
	assert.Equal(t, []models.CloseCause{models.CauseAdminDisconnect}, f.disconnect.causes())
}

func TestExpiryHandlerChargesSweptSessions(t *testing.T) {
	f := newFixture(t, 1000, 0)
	ctx := context.Background()

	res := f.auth(macA, "alice", "wonderland")
	require.True(t, res.Accepted())
	require.NoError(t, f.gw.Accounting(ctx, models.AcctRequest{SessionID: res.SessionID, Status: models.AcctInterim, SessionTime: 60}))

	closed, err := f.sessions.Close(ctx, res.SessionID, models.CauseIdleTimeout, nil)
	require.NoError(t, err)
	require.NoError(t, f.gw.ExpiryHandler().Disconnect(ctx, *closed, models.CauseIdleTimeout))

	assert.Less(t, f.balance(t), int64(1000))
	assert.Equal(t, []models.CloseCause{models.CauseIdleTimeout}, f.disconnect.causes())
}

func TestTerminateCause(t *testing.T) {
	assert.Equal(t, models.CauseIdleTimeout, TerminateCause("Idle-Timeout"))
	assert.Equal(t, models.CauseSessionTimeout, TerminateCause("Session-Timeout"))
	assert.Equal(t, models.CauseAdminDisconnect, TerminateCause("Admin-Reset"))
	assert.Equal(t, models.CauseNaturalLogout, TerminateCause("Lost-Carrier"))
}
