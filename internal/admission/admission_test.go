package admission

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabstir/llm-node/internal/apperrors"
)

func TestAllowWithinBudget(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, Burst: 5})
	for i := 0; i < 5; i++ {
		_, err := l.Allow("1.2.3.4")
		require.NoError(t, err)
	}
}

func TestAllowExceedsBudget(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, Burst: 1})
	_, err := l.Allow("1.2.3.4")
	require.NoError(t, err)

	_, err = l.Allow("1.2.3.4")
	require.Error(t, err)
	assert.Equal(t, apperrors.RateLimited, apperrors.KindOf(err))
}

func TestSeparateKeysIndependentBuckets(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, Burst: 1})
	_, err := l.Allow("ip-a")
	require.NoError(t, err)
	_, err = l.Allow("ip-b")
	require.NoError(t, err)
}

func TestKeyDerivationWithValidJWT(t *testing.T) {
	secret := []byte("test-secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "client-42"})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	key := Key("1.2.3.4", signed, secret)
	assert.Equal(t, "1.2.3.4|client-42", key)
}

func TestKeyDerivationFallsBackOnBadToken(t *testing.T) {
	key := Key("1.2.3.4", "not-a-jwt", []byte("secret"))
	assert.Equal(t, "1.2.3.4", key)
}

func TestKeyDerivationNoTokenSupplied(t *testing.T) {
	key := Key("1.2.3.4", "", nil)
	assert.Equal(t, "1.2.3.4", key)
}

func TestForget(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, Burst: 1})
	_, err := l.Allow("ip-a")
	require.NoError(t, err)
	l.Forget("ip-a")

	_, err = l.Allow("ip-a")
	require.NoError(t, err)
}
