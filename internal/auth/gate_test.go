package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/livestage/sfu-gateway/internal/apperr"
	"github.com/livestage/sfu-gateway/internal/config"
)

const testSecret = "test-shared-secret"

func newTestGate(t *testing.T, allowedOrigins []string) (*Gate, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	gate := New(config.AuthConfig{SharedSecret: testSecret, MaxTokenAge: time.Hour}, allowedOrigins, client, zap.NewNop())
	return gate, client
}

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestGate_Authenticate_ValidToken(t *testing.T) {
	gate, _ := newTestGate(t, nil)
	token := signToken(t, Claims{
		UserID:      42,
		DisplayName: "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	})

	identity, err := gate.Authenticate(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	require.Equal(t, int64(42), identity.UserID)
	require.Equal(t, "viewer", identity.DisplayName)
}

func TestGate_Authenticate_EmptyToken(t *testing.T) {
	gate, _ := newTestGate(t, nil)
	_, err := gate.Authenticate(context.Background(), "")
	require.Error(t, err)
	require.Equal(t, apperr.AuthRequired, apperr.CodeOf(err))
}

func TestGate_Authenticate_RevokedToken(t *testing.T) {
	gate, _ := newTestGate(t, nil)
	token := signToken(t, Claims{
		UserID:           1,
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(time.Now())},
	})

	require.NoError(t, gate.Revoke(context.Background(), token, time.Hour))

	_, err := gate.Authenticate(context.Background(), token)
	require.Error(t, err)
	require.Equal(t, apperr.InvalidCredentials, apperr.CodeOf(err))
}

func TestGate_Authenticate_WrongSigningSecret(t *testing.T) {
	gate, _ := newTestGate(t, nil)
	otherToken := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:           1,
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(time.Now())},
	})
	signed, err := otherToken.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	_, err = gate.Authenticate(context.Background(), signed)
	require.Error(t, err)
	require.Equal(t, apperr.InvalidCredentials, apperr.CodeOf(err))
}

func TestGate_Authenticate_TokenTooOld(t *testing.T) {
	gate, _ := newTestGate(t, nil)
	token := signToken(t, Claims{
		UserID:           1,
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))},
	})

	_, err := gate.Authenticate(context.Background(), token)
	require.Error(t, err)
	require.Equal(t, apperr.InvalidCredentials, apperr.CodeOf(err))
}

func TestGate_Authenticate_MissingUserID(t *testing.T) {
	gate, _ := newTestGate(t, nil)
	token := signToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(time.Now())},
	})

	_, err := gate.Authenticate(context.Background(), token)
	require.Error(t, err)
	require.Equal(t, apperr.InvalidCredentials, apperr.CodeOf(err))
}

func TestGate_CheckOrigin_WildcardAllowsAny(t *testing.T) {
	gate, _ := newTestGate(t, []string{"*"})
	require.NoError(t, gate.CheckOrigin("https://evil.example"))
}

func TestGate_CheckOrigin_EmptyOriginAlwaysAllowed(t *testing.T) {
	gate, _ := newTestGate(t, []string{"https://good.example"})
	require.NoError(t, gate.CheckOrigin(""))
}

func TestGate_CheckOrigin_RejectsUnlisted(t *testing.T) {
	gate, _ := newTestGate(t, []string{"https://good.example"})
	err := gate.CheckOrigin("https://evil.example")
	require.Error(t, err)
	require.Equal(t, apperr.OriginNotAllowed, apperr.CodeOf(err))
}

func TestGate_CheckOrigin_AllowsListed(t *testing.T) {
	gate, _ := newTestGate(t, []string{"https://good.example"})
	require.NoError(t, gate.CheckOrigin("https://good.example"))
}
