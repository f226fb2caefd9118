package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ums-aaa/internal/models"
	"ums-aaa/internal/services/ledger"
)

const testMAC = "AA:BB:CC:DD:EE:FF"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingDisconnector struct {
	mu     sync.Mutex
	calls  []models.CloseCause
	states []models.SessionState
}

func (d *recordingDisconnector) Disconnect(ctx context.Context, s models.Session, cause models.CloseCause) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, cause)
	d.states = append(d.states, s.State)
	return nil
}

func newEngine(t *testing.T, cfg Config) (*Service, *ledger.Service, *clock, *recordingDisconnector) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), zap.NewNop())
	d := &recordingDisconnector{}
	s := New(l, nil, d, zap.NewNop(), cfg)
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.SetClock(c.Now)
	return s, l, c, d
}

func activate(t *testing.T, s *Service, mac, user string) *models.Session {
	t.Helper()
	ctx := context.Background()
	sess, existing, err := s.Begin(ctx, BeginRequest{MAC: mac, Username: user, NASID: "ap-1"})
	require.NoError(t, err)
	require.False(t, existing)
	active, err := s.Activate(ctx, sess.ID, Grant{Profile: "basic"})
	require.NoError(t, err)
	return active
}

func TestBeginNormalizesAndOwnsMAC(t *testing.T) {
	s, _, _, _ := newEngine(t, Config{})
	ctx := context.Background()

	sess, _, err := s.Begin(ctx, BeginRequest{MAC: "aa-bb-cc-dd-ee-ff", Username: "alice", NASID: "ap-1"})
	require.NoError(t, err)
	assert.Equal(t, testMAC, sess.MAC)
	assert.Equal(t, models.StateAuthenticating, sess.State)

	_, _, err = s.Begin(ctx, BeginRequest{MAC: "aabbccddeeff", Username: "bob", NASID: "ap-1"})
	assert.Equal(t, models.CodeAlreadyActive, models.CodeOf(err))

	_, _, err = s.Begin(ctx, BeginRequest{MAC: "not-a-mac"})
	assert.Equal(t, models.CodeInvalidMacFormat, models.CodeOf(err))
}

func TestBeginRetransmitIsIdempotent(t *testing.T) {
	s, _, c, _ := newEngine(t, Config{})
	ctx := context.Background()
	active := activate(t, s, testMAC, "alice")

	again, existing, err := s.Begin(ctx, BeginRequest{MAC: testMAC, Username: "alice", NASID: "ap-1"})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, active.ID, again.ID)

	c.Advance(time.Minute)
	_, _, err = s.Begin(ctx, BeginRequest{MAC: testMAC, Username: "alice", NASID: "ap-1"})
	assert.Equal(t, models.CodeAlreadyActive, models.CodeOf(err))
}

func TestConcurrentBeginSameMAC(t *testing.T) {
	s, _, _, _ := newEngine(t, Config{})
	ctx := context.Background()

	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Begin(ctx, BeginRequest{MAC: testMAC, Username: "alice", NASID: "ap-1"})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else if models.CodeOf(err) == models.CodeAlreadyActive {
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(49), conflicts)
}

func TestDeviceLimit(t *testing.T) {
	s, _, _, _ := newEngine(t, Config{})
	ctx := context.Background()

	first, _, err := s.Begin(ctx, BeginRequest{MAC: "AA:AA:AA:AA:AA:01", Username: "alice"})
	require.NoError(t, err)
	require.NoError(t, s.ReserveDevice(first.ID, 1))

	second, _, err := s.Begin(ctx, BeginRequest{MAC: "AA:AA:AA:AA:AA:02", Username: "alice"})
	require.NoError(t, err)
	err = s.ReserveDevice(second.ID, 1)
	assert.Equal(t, models.CodeDeviceLimitExceeded, models.CodeOf(err))
	assert.True(t, models.IsKind(err, models.KindPolicy))

	require.NoError(t, s.Fail(ctx, first.ID, models.CodeInvalidCredentials))
	assert.Equal(t, 0, s.ActiveDevices("alice"))
	assert.NoError(t, s.ReserveDevice(second.ID, 1))
}

func TestFailReleasesMACAndRecords(t *testing.T) {
	s, l, _, _ := newEngine(t, Config{})
	ctx := context.Background()

	sess, _, err := s.Begin(ctx, BeginRequest{MAC: testMAC, Username: "alice"})
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, sess.ID, models.CodeInvalidCredentials))

	assert.Nil(t, s.FindByMAC(testMAC))
	rec, err := l.SessionRecord(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.SessionFailed, rec.Status)
	assert.Equal(t, models.CodeInvalidCredentials, rec.Reason)

	_, _, err = s.Begin(ctx, BeginRequest{MAC: testMAC, Username: "alice"})
	assert.NoError(t, err)
}

func TestUpdateCountersAreMonotonic(t *testing.T) {
	s, _, c, _ := newEngine(t, Config{})
	ctx := context.Background()
	sess := activate(t, s, testMAC, "alice")

	c.Advance(time.Minute)
	up, err := s.Update(ctx, sess.ID, Usage{BytesIn: 1000, BytesOut: 500, SessionTime: 60, AcctSessionID: "acct-1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), up.BytesIn)
	assert.Equal(t, c.Now(), up.LastActivity)

	c.Advance(time.Minute)
	up, err = s.Update(ctx, sess.ID, Usage{BytesIn: 10, BytesOut: 5, SessionTime: 120})
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), up.BytesIn)
	assert.Equal(t, uint64(500), up.BytesOut)
	assert.Equal(t, int64(120), up.DurationSeconds)
	assert.True(t, up.LastActivity.Before(c.Now()), "no growth, no activity")

	found := s.FindByAcctSessionID("acct-1")
	require.NotNil(t, found)
	assert.Equal(t, sess.ID, found.ID)
}

func TestCloseExactlyOnce(t *testing.T) {
	s, l, _, _ := newEngine(t, Config{})
	ctx := context.Background()
	sess := activate(t, s, testMAC, "alice")

	var ok, closed int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Close(ctx, sess.ID, models.CauseNaturalLogout, &Usage{BytesIn: 42})
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case models.CodeOf(err) == models.CodeSessionClosed || models.IsKind(err, models.KindNotFound):
				atomic.AddInt32(&closed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(9), closed)

	events, err := l.Events(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventStop, events[1].Type)
	assert.Equal(t, uint64(42), events[1].BytesIn)
	assert.Equal(t, 0, s.ActiveDevices("alice"))
}

func TestSweepTimeouts(t *testing.T) {
	s, l, c, d := newEngine(t, Config{IdleTimeout: 10 * time.Minute, SessionTimeout: time.Hour, AuthTimeout: 10 * time.Second})
	ctx := context.Background()

	idle := activate(t, s, "AA:AA:AA:AA:AA:01", "alice")
	busy := activate(t, s, "AA:AA:AA:AA:AA:02", "bob")
	pending, _, err := s.Begin(ctx, BeginRequest{MAC: "AA:AA:AA:AA:AA:03", Username: "carol"})
	require.NoError(t, err)

	c.Advance(5 * time.Minute)
	_, err = s.Update(ctx, busy.ID, Usage{BytesIn: 1})
	require.NoError(t, err)

	c.Advance(6 * time.Minute)
	closed := s.Sweep(ctx)
	require.Len(t, closed, 1)
	assert.Equal(t, idle.ID, closed[0].ID)
	assert.Equal(t, models.CauseIdleTimeout, closed[0].Cause)
	assert.Nil(t, s.FindByMAC("AA:AA:AA:AA:AA:03"), "stale authentication dropped")

	pendingRec, err := l.SessionRecord(ctx, pending.ID)
	require.NoError(t, err)
	require.NotNil(t, pendingRec)
	assert.Equal(t, models.CodeTimeout, pendingRec.Reason)

	for i := 0; i < 6; i++ {
		c.Advance(9 * time.Minute)
		_, err = s.Update(ctx, busy.ID, Usage{BytesIn: uint64(i + 2)})
		require.NoError(t, err)
	}
	closed = s.Sweep(ctx)
	require.Len(t, closed, 1)
	assert.Equal(t, models.CauseSessionTimeout, closed[0].Cause)

	assert.Equal(t, []models.CloseCause{models.CauseIdleTimeout, models.CauseSessionTimeout}, d.calls)
	assert.Equal(t, 0, s.Stats().Active)
}

func TestStats(t *testing.T) {
	s, _, _, _ := newEngine(t, Config{})
	activate(t, s, "AA:AA:AA:AA:AA:01", "alice")
	activate(t, s, "AA:AA:AA:AA:AA:02", "bob")
	_, _, err := s.Begin(context.Background(), BeginRequest{MAC: "AA:AA:AA:AA:AA:03", Username: "carol", NASID: "ap-2"})
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, 1, st.Authenticating)
	assert.Equal(t, 2, st.ByNAS["ap-1"])
	assert.Len(t, s.ListActive(), 2)
}

func TestStopDisconnectsClosedSessions(t *testing.T) {
	s, l, _, d := newEngine(t, Config{DisconnectOnShutdown: true})
	ctx := context.Background()
	a := activate(t, s, "AA:AA:AA:AA:AA:01", "alice")
	activate(t, s, "AA:AA:AA:AA:AA:02", "bob")

	require.NoError(t, s.Stop(ctx))

	assert.Equal(t, []models.CloseCause{models.CauseAdminDisconnect, models.CauseAdminDisconnect}, d.calls)
	assert.Equal(t, []models.SessionState{models.StateClosed, models.StateClosed}, d.states)
	assert.Equal(t, 0, s.Stats().Active)

	rec, err := l.SessionRecord(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotNil(t, rec.Logout)
}
