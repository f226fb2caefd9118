package admin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"ums-aaa/internal/models"
)

func newAdmins() *Service {
	return New(NewMemoryStore(), zap.NewNop(), Config{JWTSecret: "test-secret", BcryptCost: bcrypt.MinCost})
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	s := newAdmins()
	ctx := context.Background()

	created, err := s.Create(ctx, AdminInput{Username: "ops", Password: "correct-horse", Role: models.RoleAdmin})
	require.NoError(t, err)
	assert.NotEqual(t, "correct-horse", created.PasswordHash)

	token, a, err := s.Login(ctx, "ops", "correct-horse")
	require.NoError(t, err)
	require.NotNil(t, a.LastLogin)

	claims, err := s.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, created.ID, claims.AdminID)
	assert.Equal(t, models.RoleAdmin, claims.Role)

	_, _, err = s.Login(ctx, "ops", "wrong-password")
	assert.Equal(t, models.CodeInvalidCredentials, models.CodeOf(err))
	_, _, err = s.Login(ctx, "nobody", "whatever1")
	assert.Equal(t, models.CodeInvalidCredentials, models.CodeOf(err))
}

func TestTokenExpiryAndForgery(t *testing.T) {
	s := newAdmins()
	ctx := context.Background()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	_, err := s.Create(ctx, AdminInput{Username: "ops", Password: "correct-horse"})
	require.NoError(t, err)
	token, _, err := s.Login(ctx, "ops", "correct-horse")
	require.NoError(t, err)

	other := New(NewMemoryStore(), zap.NewNop(), Config{JWTSecret: "different"})
	_, err = other.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	now = now.Add(25 * time.Hour)
	_, err = s.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.ParseToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBlockedAdminCannotLogin(t *testing.T) {
	s := newAdmins()
	ctx := context.Background()

	_, err := s.Create(ctx, AdminInput{Username: "root", Password: "super-secret", Role: models.RoleSuperAdmin})
	require.NoError(t, err)
	ops, err := s.Create(ctx, AdminInput{Username: "ops", Password: "correct-horse"})
	require.NoError(t, err)

	_, err = s.Update(ctx, ops.ID, AdminInput{Status: models.AdminBlocked})
	require.NoError(t, err)
	_, _, err = s.Login(ctx, "ops", "correct-horse")
	assert.Equal(t, models.CodeInvalidCredentials, models.CodeOf(err))
}

func TestLastSuperAdminIsProtected(t *testing.T) {
	s := newAdmins()
	ctx := context.Background()

	created, err := s.Bootstrap(ctx, "root", "super-secret")
	require.NoError(t, err)
	assert.True(t, created)
	again, err := s.Bootstrap(ctx, "root2", "super-secret")
	require.NoError(t, err)
	assert.False(t, again)

	admins, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, admins, 1)
	root := admins[0]

	assert.True(t, models.IsKind(s.Delete(ctx, root.ID), models.KindConflict))
	_, err = s.Update(ctx, root.ID, AdminInput{Role: models.RoleAdmin})
	assert.True(t, models.IsKind(err, models.KindConflict))

	second, err := s.Create(ctx, AdminInput{Username: "root2", Password: "super-secret", Role: models.RoleSuperAdmin})
	require.NoError(t, err)
	assert.NoError(t, s.Delete(ctx, root.ID))
	assert.True(t, models.IsKind(s.Delete(ctx, second.ID), models.KindConflict))
}

func TestCreateValidation(t *testing.T) {
	s := newAdmins()
	ctx := context.Background()

	_, err := s.Create(ctx, AdminInput{Username: "ops", Password: "short"})
	assert.True(t, models.IsKind(err, models.KindValidation))
	_, err = s.Create(ctx, AdminInput{Username: "ops", Password: "long-enough", Role: "god"})
	assert.True(t, models.IsKind(err, models.KindValidation))

	_, err = s.Create(ctx, AdminInput{Username: "ops", Password: "long-enough"})
	require.NoError(t, err)
	_, err = s.Create(ctx, AdminInput{Username: "OPS", Password: "long-enough"})
	assert.Equal(t, models.CodeDuplicateName, models.CodeOf(err))
}

func TestChangePassword(t *testing.T) {
	s := newAdmins()
	ctx := context.Background()
	a, err := s.Create(ctx, AdminInput{Username: "ops", Password: "correct-horse"})
	require.NoError(t, err)

	assert.Equal(t, models.CodeInvalidCredentials, models.CodeOf(s.ChangePassword(ctx, a.ID, "wrong", "battery-staple")))
	require.NoError(t, s.ChangePassword(ctx, a.ID, "correct-horse", "battery-staple"))
	_, _, err = s.Login(ctx, "ops", "battery-staple")
	assert.NoError(t, err)
}
