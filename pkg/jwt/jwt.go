package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
)

// Audience 实时通道 Token 的受众
const Audience = "parkdog-realtime"

// Platform 客户端平台
type Platform string

const (
	PlatformUnknown Platform = "unknown"
	PlatformCLI     Platform = "cli"     // 终端客户端
	PlatformWeb     Platform = "web"     // Web 网页
	PlatformMobile  Platform = "mobile"  // 移动端
)

// RealtimeClaims 实时通道 Token 声明
type RealtimeClaims struct {
	UserID   string   `json:"user_id"`
	DeviceID string   `json:"device_id,omitempty"`
	Platform Platform `json:"platform,omitempty"`
	jwt.RegisteredClaims
}

// RealtimeToken 签发结果
type RealtimeToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service 实时 Token 签发与校验
type Service struct {
	secretKey []byte
	expire    time.Duration
	now       func() time.Time
}

// NewService 创建 JWT 服务
func NewService(secretKey string, expire time.Duration) *Service {
	return &Service{
		secretKey: []byte(secretKey),
		expire:    expire,
		now:       time.Now,
	}
}

// Issue 为用户签发短期实时 Token
func (s *Service) Issue(userID, deviceID string, platform Platform) (*RealtimeToken, error) {
	now := s.now()
	expiresAt := now.Add(s.expire)

	claims := &RealtimeClaims{
		UserID:   userID,
		DeviceID: deviceID,
		Platform: platform,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{Audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "parkdog",
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		return nil, err
	}

	return &RealtimeToken{Token: signed, ExpiresAt: expiresAt.Truncate(time.Second)}, nil
}

// Validate 校验实时 Token
func (s *Service) Validate(tokenString string) (*RealtimeClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RealtimeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return s.secretKey, nil
	}, jwt.WithAudience(Audience))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*RealtimeClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// Expire 获取 Token 有效时长
func (s *Service) Expire() time.Duration {
	return s.expire
}

// ParseTokenExpireTime 解析 Token 获取过期时间（不验证签名，客户端用于缓存判断）
func ParseTokenExpireTime(tokenString string) (time.Time, error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &jwt.RegisteredClaims{})
	if err != nil {
		return time.Time{}, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.ExpiresAt == nil {
		return time.Time{}, ErrTokenInvalid
	}

	return claims.ExpiresAt.Time, nil
}
