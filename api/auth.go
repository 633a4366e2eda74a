package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"
)

const (
	tokenIssuer = "autotrader"
	otpHeader   = "X-OTP"
	claimsKey   = "claims"
)

var (
	ErrMissingToken = errors.New("缺少访问令牌")
	ErrInvalidToken = errors.New("访问令牌无效")
	ErrInvalidOTP   = errors.New("动态验证码错误")
)

// Authenticator 签发/校验 JWT，并对高危操作做 TOTP 二次确认
type Authenticator struct {
	secret    []byte
	otpSecret string
	ttl       time.Duration
	now       func() time.Time
}

// NewAuthenticator otpSecret 为空时不启用二次确认
func NewAuthenticator(jwtSecret, otpSecret string, ttl time.Duration) (*Authenticator, error) {
	if jwtSecret == "" {
		return nil, errors.New("jwt secret 不能为空")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		secret:    []byte(jwtSecret),
		otpSecret: otpSecret,
		ttl:       ttl,
		now:       time.Now,
	}, nil
}

// IssueToken 为 subject 签发 HS256 令牌
func (a *Authenticator) IssueToken(subject string) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken 校验签名、签发方与有效期
func (a *Authenticator) ParseToken(raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// VerifyOTP 未配置 OTP 密钥时直接通过
func (a *Authenticator) VerifyOTP(code string) error {
	if a.otpSecret == "" {
		return nil
	}
	if code == "" || !totp.Validate(strings.TrimSpace(code), a.otpSecret) {
		return ErrInvalidOTP
	}
	return nil
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// 浏览器的 websocket 无法设置请求头
	return c.Query("token")
}

// RequireToken 校验 Bearer 令牌
func (a *Authenticator) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrMissingToken.Error()})
			return
		}
		claims, err := a.ParseToken(raw)
		if err != nil {
			log.Warn().Err(err).Str("path", c.FullPath()).Msg("⚠️ [API] 令牌校验失败")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidToken.Error()})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireOTP 高危操作的二次确认
func (a *Authenticator) RequireOTP() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := a.VerifyOTP(c.GetHeader(otpHeader)); err != nil {
			log.Warn().Str("path", c.FullPath()).Msg("⚠️ [API] 动态验证码校验失败")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// GenerateOTPSecret 生成新的 TOTP 密钥，返回密钥与 otpauth:// 链接
func GenerateOTPSecret(account string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tokenIssuer,
		AccountName: account,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate otp: %w", err)
	}
	return key.Secret(), key.URL(), nil
}
