package gateway

import (
	"database/sql"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/PavSher76/AI-NK-sub002/pkg/middleware"
)

// handleDevToken は開発用JWTトークンを発行するハンドラを返す。
// 本番環境では無効化すべき。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		user, err := s.store.GetUserByProvider(ctx, "dev", "dev-user")
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// 開発用ユーザーが存在しなければ作成
			user = User{
				ID:             uuid.New().String(),
				Provider:       "dev",
				ProviderUserID: "dev-user",
				Email:          "dev@localhost",
				DisplayName:    "開発ユーザー",
			}
			if err := s.store.CreateUser(ctx, user); err != nil {
				log.Printf("[Gateway] 開発ユーザー作成エラー: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー作成に失敗しました"})
				return
			}
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー取得に失敗しました"})
			return
		default:
			_ = s.store.UpdateLastLogin(ctx, user.ID)
		}

		token, err := middleware.GenerateJWT(s.cfg.JWTSecret, user.ID, user.Email)
		if err != nil {
			log.Printf("[Gateway] JWT生成エラー: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":   token,
			"user_id": user.ID,
		})
	}
}

// handleGetCurrentUser は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleGetCurrentUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		user, err := s.store.GetUserByID(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":           user.ID,
			"email":        user.Email,
			"display_name": user.DisplayName,
			"provider":     user.Provider,
		})
	}
}
