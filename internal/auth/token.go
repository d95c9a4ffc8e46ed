package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tokmz/chatd/internal/model"
)

const (
	tokenIssuer     = "chatd"
	defaultTokenTTL = 7 * 24 * time.Hour

	revokedKeyPrefix = "chatd:token:revoked:"
)

var (
	// ErrInvalidToken 令牌非法或过期
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTokenRevoked 令牌已被吊销
	ErrTokenRevoked = errors.New("auth: token revoked")
)

// tokenClaims JWT 载荷
type tokenClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenManager 签发与校验访问令牌
// redis 客户端可选，提供时支持令牌吊销
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	rdb    redis.UniversalClient
	logger *zap.Logger
	now    func() time.Time
}

// TokenOption 配置选项函数
type TokenOption func(*TokenManager)

// WithTTL 设置令牌有效期
func WithTTL(ttl time.Duration) TokenOption {
	return func(m *TokenManager) {
		m.ttl = ttl
	}
}

// WithRedis 启用基于 Redis 的令牌吊销
func WithRedis(rdb redis.UniversalClient) TokenOption {
	return func(m *TokenManager) {
		m.rdb = rdb
	}
}

// WithNow 注入时钟，用于测试
func WithNow(now func() time.Time) TokenOption {
	return func(m *TokenManager) {
		m.now = now
	}
}

// NewTokenManager 创建令牌管理器
func NewTokenManager(secret string, logger *zap.Logger, opts ...TokenOption) (*TokenManager, error) {
	if secret == "" {
		return nil, errors.New("auth: empty jwt secret")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &TokenManager{
		secret: []byte(secret),
		ttl:    defaultTokenTTL,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue 为用户签发令牌
func (m *TokenManager) Issue(user *model.User) (string, error) {
	now := m.now()
	claims := tokenClaims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatUint(user.ID, 10),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify 校验令牌并还原用户身份
func (m *TokenManager) Verify(ctx context.Context, tokenStr string) (*model.UserClaims, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	uid, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}

	if m.rdb != nil {
		revoked, err := m.rdb.Exists(ctx, revokedKeyPrefix+claims.ID).Result()
		if err != nil {
			// Redis 不可用时放行，吊销是尽力而为
			m.logger.Warn("token revocation check failed", zap.Error(err))
		} else if revoked > 0 {
			return nil, ErrTokenRevoked
		}
	}

	return &model.UserClaims{ID: uid, Username: claims.Username}, nil
}

// Revoke 吊销令牌，记录保留到令牌自然过期
// 未配置 Redis 时为空操作
func (m *TokenManager) Revoke(ctx context.Context, tokenStr string) error {
	if m.rdb == nil {
		return nil
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	return m.rdb.Set(ctx, revokedKeyPrefix+claims.ID, 1, ttl).Err()
}
