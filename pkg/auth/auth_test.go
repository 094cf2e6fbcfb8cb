package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_RoundTrip(t *testing.T) {
	svc, err := NewJWTService(DefaultJWTConfig("s3cret"))
	require.NoError(t, err)

	token, err := svc.GenerateToken("user-42", "")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.UserID)
	assert.True(t, claims.Role.HasPermission(RoleUser))
	assert.False(t, claims.Role.HasPermission(RoleAdmin))
}

func TestJWT_SiteTokenShape(t *testing.T) {
	// Tokens issued by the site carry only {"id", "iat", "exp"}.
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  "65f0c0ffee",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := raw.SignedString([]byte("s3cret"))
	require.NoError(t, err)

	svc, _ := NewJWTService(DefaultJWTConfig("s3cret"))
	claims, err := svc.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "65f0c0ffee", claims.UserID)
}

func TestJWT_Rejections(t *testing.T) {
	svc, _ := NewJWTService(DefaultJWTConfig("s3cret"))
	other, _ := NewJWTService(DefaultJWTConfig("different"))

	forged, err := other.GenerateToken("user-1", RoleAdmin)
	require.NoError(t, err)
	_, err = svc.ValidateToken(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expiredCfg := DefaultJWTConfig("s3cret")
	expiredCfg.TokenExpiry = -time.Minute
	expiredSvc, _ := NewJWTService(expiredCfg)
	expired, err := expiredSvc.GenerateToken("user-1", "")
	require.NoError(t, err)
	_, err = svc.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = svc.ValidateToken("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = svc.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	anonymous, err := svc.GenerateToken("", "")
	require.NoError(t, err)
	_, err = svc.ValidateToken(anonymous)
	assert.ErrorIs(t, err, ErrInvalidClaims)
}

func TestNewJWTService_RequiresSecret(t *testing.T) {
	_, err := NewJWTService(DefaultJWTConfig(""))
	assert.Error(t, err)
}

func TestStaticKey(t *testing.T) {
	key := NewStaticKey("worker-key")
	ctx := context.Background()

	info, err := key.ValidateKey(ctx, "worker-key")
	require.NoError(t, err)
	assert.Equal(t, RoleService, info.Role)

	_, err = key.ValidateKey(ctx, "worker-kez")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = key.ValidateKey(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)
}

type failingValidator struct{ err error }

func (f failingValidator) ValidateKey(context.Context, string) (*APIKeyInfo, error) {
	return nil, f.err
}

func TestAnyKey(t *testing.T) {
	ctx := context.Background()
	chain := AnyKey{nil, failingValidator{ErrInvalidToken}, NewStaticKey("k")}

	info, err := chain.ValidateKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "static", info.ID)

	_, err = chain.ValidateKey(ctx, "nope")
	assert.ErrorIs(t, err, ErrInvalidToken)

	backendDown := errors.New("redis: connection refused")
	_, err = AnyKey{failingValidator{backendDown}}.ValidateKey(ctx, "k")
	assert.ErrorIs(t, err, backendDown)
}

func TestRoleHierarchy(t *testing.T) {
	assert.True(t, RoleAdmin.HasPermission(RoleService))
	assert.True(t, RoleService.HasPermission(RoleUser))
	assert.False(t, RoleUser.HasPermission(RoleService))
}
