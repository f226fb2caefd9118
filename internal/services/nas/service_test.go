package nas

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ums-aaa/internal/models"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newRegistry(t *testing.T) *Service {
	t.Helper()
	sealer, err := NewSealerFromHex(testKey)
	require.NoError(t, err)
	return New(NewMemoryStore(), sealer, zap.NewNop(), Config{})
}

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealerFromHex(testKey)
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("testing123"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, []byte("testing123")))

	again, err := sealer.Seal([]byte("testing123"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "fresh nonce per seal")

	plain, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "testing123", string(plain))

	sealed[len(sealed)-1] ^= 0xff
	_, err = sealer.Open(sealed)
	assert.ErrorIs(t, err, ErrSecretCorrupt)

	_, err = NewSealerFromHex("abcd")
	assert.Error(t, err)
}

func TestCreateRouterHidesSecret(t *testing.T) {
	s := newRegistry(t)
	ctx := context.Background()

	r, err := s.Create(ctx, RouterInput{Name: "hq-ap", IPAddress: "10.0.0.1", MACAddress: "aa-bb-cc-dd-ee-ff", Secret: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, DefaultCoAPort, r.Port)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", r.MACAddress)

	raw, err := json.Marshal(r)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")

	view, err := json.Marshal(r.View())
	require.NoError(t, err)
	assert.Contains(t, string(view), models.RedactedSecret)
	assert.NotContains(t, string(view), "s3cret")

	secret, err := s.RADIUSSecret(ctx, &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 40000})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(secret))
}

func TestUnknownNASHasNoSecret(t *testing.T) {
	s := newRegistry(t)
	_, err := s.RADIUSSecret(context.Background(), &net.UDPAddr{IP: net.ParseIP("192.0.2.9"), Port: 1812})
	assert.Equal(t, models.CodeUnknownNAS, models.CodeOf(err))
}

func TestRouterValidationAndUniqueness(t *testing.T) {
	s := newRegistry(t)
	ctx := context.Background()

	_, err := s.Create(ctx, RouterInput{Name: "ap", IPAddress: "not-an-ip", Secret: "x"})
	assert.True(t, models.IsKind(err, models.KindValidation))
	_, err = s.Create(ctx, RouterInput{Name: "ap", IPAddress: "10.0.0.1"})
	assert.True(t, models.IsKind(err, models.KindValidation))

	_, err = s.Create(ctx, RouterInput{Name: "ap", IPAddress: "10.0.0.1", Secret: "x"})
	require.NoError(t, err)
	_, err = s.Create(ctx, RouterInput{Name: "AP", IPAddress: "10.0.0.2", Secret: "x"})
	assert.Equal(t, models.CodeDuplicateName, models.CodeOf(err))
	_, err = s.Create(ctx, RouterInput{Name: "other", IPAddress: "10.0.0.1", Secret: "x"})
	assert.Equal(t, models.CodeDuplicateName, models.CodeOf(err))
}

func TestUpdateKeepsSecretWhenEmpty(t *testing.T) {
	s := newRegistry(t)
	ctx := context.Background()

	r, err := s.Create(ctx, RouterInput{Name: "ap", IPAddress: "10.0.0.1", Secret: "first"})
	require.NoError(t, err)

	_, err = s.Update(ctx, r.ID, RouterInput{Name: "ap", IPAddress: "10.0.0.5", Description: "moved"})
	require.NoError(t, err)
	addr, secret, err := s.DisconnectTarget(ctx, "ap")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:3799", addr)
	assert.Equal(t, "first", string(secret))

	_, err = s.Update(ctx, r.ID, RouterInput{Name: "ap", IPAddress: "10.0.0.5", Secret: "second"})
	require.NoError(t, err)
	_, secret, err = s.DisconnectTarget(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "second", string(secret))
}

func TestStatusFollowsLastSeen(t *testing.T) {
	s := newRegistry(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	r, err := s.Create(ctx, RouterInput{Name: "ap", IPAddress: "10.0.0.1", Secret: "x"})
	require.NoError(t, err)

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RouterOffline, got.Status)

	s.MarkSeen(ctx, r.ID)
	got, err = s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RouterOnline, got.Status)

	now = now.Add(time.Hour)
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.RouterOffline, list[0].Status)
}
