package api

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"leadex/auction"
	"leadex/models"
)

// JWT 為存取憑證的宣告內容
// 簽發由外部系統負責，這裡只做驗證與身分萃取
type JWT struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	Wallet   string `json:"wallet"`
	jwt.RegisteredClaims
}

// ParseAndValidateJWT 以Ed25519公鑰驗證存取憑證並解析宣告內容
func ParseAndValidateJWT(tokenString string, privateKey ed25519.PrivateKey, issuer, audience string) (*JWT, error) {
	const op = "ParseAndValidateJWT"
	claims := &JWT{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return privateKey.Public(), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse token, err=%w", op, err)
	}
	return claims, nil
}

// accessToken 從請求中取出存取憑證，優先使用cookie
func accessToken(c *gin.Context) string {
	if token, err := c.Cookie("AccessToken"); err == nil && token != "" {
		return token
	}
	authorization := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(authorization, "Bearer "); ok {
		return after
	}
	return ""
}

// authenticate 驗證請求的存取憑證並組出不可變更的呼叫者身分
// 憑證對應的連線階段紀錄必須存在，登出後的憑證即使尚未過期也會被拒絕
func (impl *ServerImpl) authenticate(c *gin.Context) (auction.Identity, error) {
	const op = "authenticate"

	tokenString := accessToken(c)
	if tokenString == "" {
		return auction.Identity{}, auction.ErrAuthenticationRequired
	}
	token, err := ParseAndValidateJWT(tokenString, impl.config.Auth.PrivateKey, impl.config.Auth.Issuer, impl.config.Auth.Audience)
	if err != nil {
		slog.Debug("Fail to parse and validate JWT", slog.String("op", op), slog.Any("error", err))
		return auction.Identity{}, auction.ErrAuthenticationRequired
	}

	userID, err := uuid.Parse(token.Subject)
	if err != nil {
		return auction.Identity{}, auction.ErrAuthenticationRequired
	}

	// 檢查連線階段紀錄，紀錄不存在代表已登出或外部簽發系統未登錄
	record, err := impl.sessionStore.Load(c.Request.Context(), token.ID)
	if err != nil {
		return auction.Identity{}, fmt.Errorf("[%s] Fail to load session record, err=%w", op, err)
	}
	if len(record) == 0 {
		return auction.Identity{}, auction.ErrAuthenticationRequired
	}
	record["last_seen"] = time.Now().Format(time.RFC3339)
	if err := impl.sessionStore.Save(c.Request.Context(), token.ID, record); err != nil {
		// 紀錄更新失敗不影響這次請求
		slog.Warn("Fail to update session record", slog.String("op", op), slog.Any("error", err))
	}

	return auction.Identity{
		UserID:   userID,
		Username: token.Username,
		Role:     models.UserRole(token.Role),
		Wallet:   token.Wallet,
	}, nil
}

// Revoke authentication token
// (GET /auth/logout)
func (impl *ServerImpl) GetAuthLogout(c *gin.Context) {
	const op = "GetAuthLogout"
	tokenString := accessToken(c)
	if tokenString == "" {
		c.Status(http.StatusNoContent)
		return
	}
	token, err := ParseAndValidateJWT(tokenString, impl.config.Auth.PrivateKey, impl.config.Auth.Issuer, impl.config.Auth.Audience)
	if err != nil {
		c.Status(http.StatusNoContent)
		return
	}
	// 刪除連線階段紀錄，這枚憑證從此失效
	if err := impl.sessionStore.Delete(c.Request.Context(), token.ID); err != nil {
		slog.Error("Fail to delete session record", slog.String("op", op), slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}
