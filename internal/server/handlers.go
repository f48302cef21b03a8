package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"pairing_engine/internal/logger"
	"pairing_engine/internal/model"
	"pairing_engine/internal/session"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	})
}

// handleStartSession 开始（或重新开始）当前用户的会话，异步加载目录和偏好
// POST /api/v1/session
func (s *Server) handleStartSession(c *gin.Context) {
	u := currentUser(c)
	if u == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	if s.store != nil {
		if err := s.store.PutUser(c.Request.Context(), u); err != nil {
			logger.Warn("Failed to write profile for user %s: %v", u.ID, err)
		}
	}

	sess := s.sessions.Start(u)
	t := s.tasks.Go("hydrate", u.ID, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.hydrateTimeout)
		defer cancel()
		return sess.Hydrate(ctx)
	})

	logger.Info("session started for user %s, hydration task %s", u.ID, t.ID)
	c.JSON(http.StatusAccepted, gin.H{"task": t})
}

// handleGetTask 查询加载任务
// GET /api/v1/tasks/:id
func (s *Server) handleGetTask(c *gin.Context) {
	u := currentUser(c)
	t, err := s.tasks.GetTask(c.Param("id"))
	if err != nil || u == nil || t.UserID != u.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleNextPair 下发下一对图片
// GET /api/v1/pair
func (s *Server) handleNextPair(c *gin.Context) {
	u, sess, ok := s.activeSession(c)
	if !ok {
		return
	}

	pair, err := sess.NextPair()
	if err != nil {
		writeError(c, err)
		return
	}

	// 异步保存历史
	if s.historyStore != nil {
		go func() {
			if err := s.historyStore.SavePair(u.ID, pair); err != nil {
				logger.Error("Failed to save history async: %v", err)
			}
		}()
	}

	c.JSON(http.StatusOK, pair)
}

// handleSubmit 提交一轮比较
// POST /api/v1/comparisons
func (s *Server) handleSubmit(c *gin.Context) {
	_, sess, ok := s.activeSession(c)
	if !ok {
		return
	}

	var req session.Comparison
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	score, err := sess.Submit(c.Request.Context(), req)
	if err != nil {
		// 记录已经计算出来，内存中的偏好也已更新，只是写入失败
		if errors.Is(err, model.ErrPersistence) {
			c.JSON(http.StatusCreated, gin.H{"score": score, "warning": err.Error()})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"score": score})
}

// handleScores 按时间倒序列出比较记录
// GET /api/v1/scores?limit=
func (s *Server) handleScores(c *gin.Context) {
	_, sess, ok := s.activeSession(c)
	if !ok {
		return
	}

	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	scores, err := sess.Scores(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scores": scores})
}

// GET /api/v1/preferences
func (s *Server) handlePreferences(c *gin.Context) {
	_, sess, ok := s.activeSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"preferences": sess.Preferences()})
}

// GET /api/v1/session/stats
func (s *Server) handleStats(c *gin.Context) {
	_, sess, ok := s.activeSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hydrated": sess.Hydrated(),
		"stats":    sess.Stats(),
	})
}

// POST /api/v1/session/reset
func (s *Server) handleReset(c *gin.Context) {
	_, sess, ok := s.activeSession(c)
	if !ok {
		return
	}
	sess.Reset()
	c.JSON(http.StatusOK, gin.H{"stats": sess.Stats()})
}

// handleSignOut 退出登录：清空偏好、关闭推送并移除会话
// DELETE /api/v1/session
func (s *Server) handleSignOut(c *gin.Context) {
	u := currentUser(c)
	if u == nil || !s.sessions.End(u.ID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	// 会话没有配置推送时也要断开订阅
	s.hub.CloseUser(u.ID)
	c.Status(http.StatusNoContent)
}

// handleHistory 最近下发过的组合键
// GET /api/v1/history?category=&days=
func (s *Server) handleHistory(c *gin.Context) {
	u := currentUser(c)
	if s.historyStore == nil {
		c.JSON(http.StatusOK, gin.H{"pairs": []string{}})
		return
	}

	category := c.Query("category")
	if category != "" && !model.Category(category).Valid(model.DefaultCategories) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category: " + category})
		return
	}
	days := 7
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		days = n
	}

	keys, err := s.historyStore.RecentPairs(u.ID, category, days)
	if err != nil {
		writeError(c, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"pairs": keys})
}

// GET /api/v1/common-pairs
func (s *Server) handleCommonPairs(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusOK, gin.H{"pairs": []model.CommonPair{}})
		return
	}
	pairs, err := s.store.CommonPairs(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if pairs == nil {
		pairs = []model.CommonPair{}
	}
	c.JSON(http.StatusOK, gin.H{"pairs": pairs})
}
