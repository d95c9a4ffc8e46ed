package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokmz/chatd/internal/model"
)

// TestHashVerify_RoundTrip 散列后能校验，错误密码不通过
func TestHashVerify_RoundTrip(t *testing.T) {
	encoded, err := HashPassword("s3cret")
	require.NoError(t, err)

	ok, err := VerifyPassword("s3cret", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestHashPassword_SaltUnique 同一密码两次散列不同
func TestHashPassword_SaltUnique(t *testing.T) {
	h1, err := HashPassword("same")
	require.NoError(t, err)
	h2, err := HashPassword("same")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

// TestVerifyPassword_Malformed 非法散列串
func TestVerifyPassword_Malformed(t *testing.T) {
	_, err := VerifyPassword("x", "not-a-hash")
	assert.ErrorIs(t, err, ErrHashFormat)

	_, err = VerifyPassword("x", "$bcrypt$v=19$m=1,t=1,p=1$AAAA$BBBB")
	assert.ErrorIs(t, err, ErrHashFormat)
}

// TestToken_IssueVerify 签发后可校验出用户身份
func TestToken_IssueVerify(t *testing.T) {
	m, err := NewTokenManager("test-secret", nil)
	require.NoError(t, err)

	user := &model.User{ID: 42, Username: "alice"}
	token, err := m.Issue(user)
	require.NoError(t, err)

	claims, err := m.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), claims.ID)
	assert.Equal(t, "alice", claims.Username)
}

// TestToken_WrongSecret 错误密钥签出的令牌不通过
func TestToken_WrongSecret(t *testing.T) {
	m1, err := NewTokenManager("secret-one", nil)
	require.NoError(t, err)
	m2, err := NewTokenManager("secret-two", nil)
	require.NoError(t, err)

	token, err := m1.Issue(&model.User{ID: 1, Username: "u"})
	require.NoError(t, err)

	_, err = m2.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// TestToken_Expired 过期令牌不通过
func TestToken_Expired(t *testing.T) {
	now := time.Now()
	clock := now

	m, err := NewTokenManager("test-secret", nil,
		WithTTL(time.Minute),
		WithNow(func() time.Time { return clock }))
	require.NoError(t, err)

	token, err := m.Issue(&model.User{ID: 7, Username: "u"})
	require.NoError(t, err)

	_, err = m.Verify(context.Background(), token)
	require.NoError(t, err)

	clock = now.Add(2 * time.Minute)
	_, err = m.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// TestToken_Garbage 非法令牌串
func TestToken_Garbage(t *testing.T) {
	m, err := NewTokenManager("test-secret", nil)
	require.NoError(t, err)

	_, err = m.Verify(context.Background(), "not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// TestNewTokenManager_EmptySecret 空密钥拒绝创建
func TestNewTokenManager_EmptySecret(t *testing.T) {
	_, err := NewTokenManager("", nil)
	assert.Error(t, err)
}
