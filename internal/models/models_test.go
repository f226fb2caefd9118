package models

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF"},
		{"AA-BB-CC-DD-EE-FF", "AA:BB:CC:DD:EE:FF"},
		{"aabb.ccdd.eeff", "AA:BB:CC:DD:EE:FF"},
		{"aabbccddeeff", "AA:BB:CC:DD:EE:FF"},
		{" 00:11:22:33:44:55 ", "00:11:22:33:44:55"},
	}
	for _, tt := range tests {
		got, err := NormalizeMAC(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNormalizeMACRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "aa:bb:cc:dd:ee", "aa:bb-cc:dd:ee:ff", "gg:bb:cc:dd:ee:ff", "aabbccddeef"} {
		_, err := NormalizeMAC(in)
		require.Error(t, err, in)
		assert.True(t, IsKind(err, KindValidation))
		assert.Equal(t, CodeInvalidMacFormat, CodeOf(err))
	}
}

func TestErrorWrapping(t *testing.T) {
	base := NewPolicyRejection(CodeMacBlocked, "AA:BB:CC:DD:EE:FF")
	wrapped := fmt.Errorf("authenticate: %w", base)

	assert.Equal(t, KindPolicy, KindOf(wrapped))
	assert.Equal(t, CodeMacBlocked, CodeOf(wrapped))
	assert.Contains(t, wrapped.Error(), "MacBlocked")

	nf := NewNotFound("router %s", "r1")
	assert.ErrorIs(t, nf, ErrNotFound)
	assert.Equal(t, ErrorKind(""), KindOf(fmt.Errorf("plain")))
}

func TestBandwidthProfileRateLimit(t *testing.T) {
	p := BandwidthProfile{DownloadRate: "10M", UploadRate: "2M", Priority: 3}
	assert.Equal(t, "2M/10M", p.RateLimit())

	p.BurstLimit = "20M"
	p.BurstThreshold = "8M"
	p.BurstTime = 10
	assert.Equal(t, "2M/10M 20M/20M 8M/8M 10/10 3", p.RateLimit())
}

func TestSessionRecordApply(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	var rec SessionRecord

	rec.Apply(SessionEvent{SessionID: "s1", Seq: 1, Type: EventStart, At: t0, MAC: "AA:BB:CC:DD:EE:FF", Username: "alice", NASID: "ap-1"})
	rec.Apply(SessionEvent{SessionID: "s1", Seq: 2, Type: EventInterim, At: t0.Add(time.Minute), BytesIn: 100, BytesOut: 50, DurationSeconds: 60, FramedIP: "10.0.0.5"})
	rec.Apply(SessionEvent{SessionID: "s1", Seq: 3, Type: EventInterim, At: t0.Add(2 * time.Minute), BytesIn: 80, BytesOut: 70, DurationSeconds: 120})
	assert.False(t, rec.Closed())

	rec.Apply(SessionEvent{SessionID: "s1", Seq: 4, Type: EventStop, At: t0.Add(3 * time.Minute), BytesIn: 300, BytesOut: 90, DurationSeconds: 180, Cause: CauseNaturalLogout})

	require.True(t, rec.Closed())
	assert.Equal(t, SessionOK, rec.Status)
	assert.Equal(t, uint64(300), rec.BytesIn)
	assert.Equal(t, uint64(90), rec.BytesOut)
	assert.Equal(t, int64(180), rec.DurationSeconds)
	assert.Equal(t, "10.0.0.5", rec.IP)
	assert.Equal(t, uint64(4), rec.LastSeq)
	assert.Equal(t, CauseNaturalLogout, rec.Cause)
}

func TestSessionRedisHashRoundTrip(t *testing.T) {
	start := time.UnixMilli(1767261600000)
	s := &Session{
		ID:             "0b7c",
		MAC:            "AA:BB:CC:DD:EE:FF",
		Username:       "alice",
		State:          StateActive,
		StartedAt:      start,
		LastActivity:   start.Add(time.Minute),
		BytesIn:        1 << 33,
		SessionTimeout: 30 * time.Minute,
		IdleTimeout:    10 * time.Minute,
		Seq:            7,
	}

	hash := make(map[string]string)
	for k, v := range s.ToRedisHash() {
		hash[k] = fmt.Sprint(v)
	}

	var restored Session
	require.NoError(t, restored.FromRedisHash(hash))
	assert.Equal(t, s.ID, restored.ID)
	assert.Equal(t, s.State, restored.State)
	assert.True(t, s.StartedAt.Equal(restored.StartedAt))
	assert.Equal(t, s.BytesIn, restored.BytesIn)
	assert.Equal(t, s.SessionTimeout, restored.SessionTimeout)
	assert.Equal(t, s.Seq, restored.Seq)
}
