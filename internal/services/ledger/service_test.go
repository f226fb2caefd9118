package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ums-aaa/internal/models"
)

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

func newLedger() *Service {
	return New(NewMemoryStore(), zap.NewNop())
}

func recordSession(t *testing.T, l *Service, id, user, mac, ap string, login time.Time, bytes uint64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, l.Record(ctx, models.SessionEvent{SessionID: id, Seq: 1, Type: models.EventStart, At: login, Username: user, MAC: mac, NASID: ap}))
	require.NoError(t, l.Record(ctx, models.SessionEvent{SessionID: id, Seq: 2, Type: models.EventStop, At: login.Add(10 * time.Minute), BytesIn: bytes, BytesOut: bytes / 2, DurationSeconds: 600, Cause: models.CauseNaturalLogout}))
}

func TestRecordRejectsOutOfOrder(t *testing.T) {
	l := newLedger()
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, models.SessionEvent{SessionID: "s1", Seq: 1, Type: models.EventStart, At: t0}))
	require.NoError(t, l.Record(ctx, models.SessionEvent{SessionID: "s1", Seq: 2, Type: models.EventInterim, At: t0.Add(time.Minute), BytesIn: 10}))

	err := l.Record(ctx, models.SessionEvent{SessionID: "s1", Seq: 2, Type: models.EventInterim, At: t0.Add(2 * time.Minute)})
	assert.Equal(t, models.CodeOutOfOrder, models.CodeOf(err))
	assert.True(t, models.IsKind(err, models.KindConflict))

	events, err := l.Events(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestClosedRecordIsImmutable(t *testing.T) {
	l := newLedger()
	ctx := context.Background()
	recordSession(t, l, "s1", "alice", "AA:BB:CC:DD:EE:FF", "ap-1", t0, 1000)

	err := l.Record(ctx, models.SessionEvent{SessionID: "s1", Seq: 3, Type: models.EventInterim, At: t0.Add(time.Hour), BytesIn: 999999})
	assert.Equal(t, models.CodeSessionClosed, models.CodeOf(err))

	rec, err := l.SessionRecord(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(1000), rec.BytesIn)
	assert.True(t, rec.Closed())
}

func TestRecordValidation(t *testing.T) {
	l := newLedger()
	ctx := context.Background()

	assert.True(t, models.IsKind(l.Record(ctx, models.SessionEvent{Seq: 1, Type: models.EventStart}), models.KindValidation))
	assert.True(t, models.IsKind(l.Record(ctx, models.SessionEvent{SessionID: "x", Type: models.EventStart}), models.KindValidation))
	assert.True(t, models.IsKind(l.Record(ctx, models.SessionEvent{SessionID: "x", Seq: 1, Type: "bogus"}), models.KindValidation))
}

func TestQueryFilters(t *testing.T) {
	l := newLedger()
	ctx := context.Background()

	recordSession(t, l, "s1", "alice", "AA:AA:AA:AA:AA:01", "ap-1", t0, 100)
	recordSession(t, l, "s2", "bob", "AA:AA:AA:AA:AA:02", "ap-2", t0.Add(time.Hour), 200)
	recordSession(t, l, "s3", "alice", "AA:AA:AA:AA:AA:03", "ap-2", t0.Add(2*time.Hour), 300)
	require.NoError(t, l.Record(ctx, models.SessionEvent{SessionID: "f1", Seq: 1, Type: models.EventAuthFailed, At: t0.Add(3 * time.Hour), Username: "mallory", Reason: models.CodeMacBlocked}))

	byUser, err := l.Collect(ctx, Filter{Username: "alice"})
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, "s3", byUser[0].SessionID, "newest first")

	byAP, err := l.Collect(ctx, Filter{AccessPoint: "ap-2"})
	require.NoError(t, err)
	assert.Len(t, byAP, 2)

	byMAC, err := l.Collect(ctx, Filter{MAC: "AA:AA:AA:AA:AA:02"})
	require.NoError(t, err)
	require.Len(t, byMAC, 1)
	assert.Equal(t, "bob", byMAC[0].Username)

	window, err := l.Collect(ctx, Filter{From: t0.Add(30 * time.Minute), To: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "s2", window[0].SessionID)

	failed, err := l.FailedLogins(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, models.CodeMacBlocked, failed[0].Reason)

	page, err := l.Collect(ctx, Filter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "s3", page[0].SessionID)
	assert.Equal(t, "s2", page[1].SessionID)
}

func TestQueryIsRestartable(t *testing.T) {
	l := newLedger()
	ctx := context.Background()
	recordSession(t, l, "s1", "alice", "AA:AA:AA:AA:AA:01", "ap-1", t0, 100)
	recordSession(t, l, "s2", "alice", "AA:AA:AA:AA:AA:01", "ap-1", t0.Add(time.Hour), 100)

	seq := l.Query(ctx, Filter{Username: "alice"})
	count := func() int {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		return n
	}
	assert.Equal(t, 2, count())
	assert.Equal(t, 2, count())

	// early break stops iteration without error
	for rec, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, "s2", rec.SessionID)
		break
	}
}

func TestUsage(t *testing.T) {
	l := newLedger()
	ctx := context.Background()
	recordSession(t, l, "s1", "alice", "AA:AA:AA:AA:AA:01", "ap-1", t0, 1000)
	recordSession(t, l, "s2", "alice", "AA:AA:AA:AA:AA:01", "ap-1", t0.Add(time.Hour), 3000)
	recordSession(t, l, "s3", "bob", "AA:AA:AA:AA:AA:02", "ap-1", t0, 5000)

	u, err := l.Usage(ctx, "alice", t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, u.Sessions)
	assert.Equal(t, uint64(4000), u.BytesIn)
	assert.Equal(t, uint64(2000), u.BytesOut)
	assert.Equal(t, int64(1200), u.DurationSeconds)
}

func TestConcurrentSessionsKeepPerSessionOrder(t *testing.T) {
	l := newLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			for seq := uint64(1); seq <= 10; seq++ {
				typ := models.EventInterim
				if seq == 1 {
					typ = models.EventStart
				}
				assert.NoError(t, l.Record(ctx, models.SessionEvent{SessionID: id, Seq: seq, Type: typ, At: t0, BytesIn: seq}))
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		events, err := l.Events(ctx, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		require.Len(t, events, 10)
		for j, ev := range events {
			assert.Equal(t, uint64(j+1), ev.Seq)
		}
	}
}
