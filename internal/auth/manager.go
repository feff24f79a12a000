// Package auth は API キー認証とリクエストのレート制限を提供します。
package auth

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const apiKeyHeader = "X-API-Key"

var (
	failureWindow = 15 * time.Minute
	lockDuration  = 10 * time.Minute
	maxFailures   = 5
)

// Manager は API キーの検証と IP ごとの失敗回数を管理します。
type Manager struct {
	hash    []byte
	lockout *lockout
	now     func() time.Time
}

// NewManager は認証マネージャーを作成します。apiKeyHash は bcrypt ハッシュです。
// 空の場合は認証を行いません（開発用）。
func NewManager(apiKeyHash string) *Manager {
	return &Manager{
		hash:    []byte(strings.TrimSpace(apiKeyHash)),
		lockout: newLockout(failureWindow, lockDuration, maxFailures),
		now:     time.Now,
	}
}

// Enabled は API キーが設定されているかを返します。
func (m *Manager) Enabled() bool {
	return len(m.hash) > 0
}

// RequireAPIKey は X-API-Key ヘッダー（または Bearer トークン）を検証するミドルウェアを返します。
func (m *Manager) RequireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if retryAfter := m.lockout.blockedFor(ip, m.now()); retryAfter > 0 {
			// Retry-After は秒数で返す
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds())+1, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_ATTEMPTS",
				"message": "一定時間後に再度お試しください",
			})
			return
		}

		key := presentedKey(c.Request)
		if key == "" || bcrypt.CompareHashAndPassword(m.hash, []byte(key)) != nil {
			remaining := m.lockout.fail(ip, m.now())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":              "UNAUTHORIZED",
				"message":           "API キーが正しくありません",
				"remainingAttempts": remaining,
			})
			return
		}

		m.lockout.clear(ip)
		c.Next()
	}
}

func presentedKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); key != "" {
		return key
	}
	if v := r.Header.Get("Authorization"); len(v) > 7 && strings.EqualFold(v[:7], "Bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}
