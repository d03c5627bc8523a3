package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/math12studio/assistant/pkg/utils"
)

// TokenCookie 是携带会话令牌的 cookie 名。
const TokenCookie = "token"

type identityKey struct{}

// Identity 从 cookie "token" 或 Authorization: Bearer 中取出令牌，
// 缺失时返回 401。令牌本身不落库，身份是它的摘要。
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := tokenFrom(r)
		if token == "" {
			utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), IdentityOf(token))))
	})
}

// IdentityOf 返回令牌对应的身份。
func IdentityOf(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}

// WithIdentity 把身份放入 context。
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom 取出 Identity 中间件写入的身份。
func IdentityFrom(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(identityKey{}).(string)
	return identity, ok && identity != ""
}

func tokenFrom(r *http.Request) string {
	if cookie, err := r.Cookie(TokenCookie); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token
		}
	}

	auth := r.Header.Get("Authorization")
	if len(auth) > len("Bearer ") && strings.EqualFold(auth[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}
