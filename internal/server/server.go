package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"pairing_engine/internal/feed"
	"pairing_engine/internal/history"
	"pairing_engine/internal/logger"
	"pairing_engine/internal/model"
	"pairing_engine/internal/session"
	"pairing_engine/internal/task"
	"pairing_engine/internal/user"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Store 服务器直接访问的文档存储操作
type Store interface {
	PutUser(ctx context.Context, u *model.User) error
	CommonPairs(ctx context.Context) ([]model.CommonPair, error)
}

// Options 服务器依赖
type Options struct {
	Users          user.Provider
	Sessions       *session.Manager
	Store          Store
	History        history.Store
	Hub            *feed.Hub
	Tasks          *task.Manager
	HydrateTimeout time.Duration
	RateLimit      float64 // 每个用户每秒允许的请求数，0 表示不限流
	RateBurst      int
}

// Server 代表 HTTP API 服务器
type Server struct {
	router         *gin.Engine
	userProvider   user.Provider
	sessions       *session.Manager
	store          Store
	historyStore   history.Store
	hub            *feed.Hub
	tasks          *task.Manager
	hydrateTimeout time.Duration
	upgrader       websocket.Upgrader
	limiter        *rateLimiter
}

// NewServer 创建新的 HTTP 服务器
func NewServer(opts Options) *Server {
	if opts.Tasks == nil {
		opts.Tasks = task.NewManager()
	}
	if opts.Hub == nil {
		opts.Hub = feed.NewHub()
	}
	if opts.HydrateTimeout <= 0 {
		opts.HydrateTimeout = 30 * time.Second
	}

	s := &Server{
		router:         gin.New(),
		userProvider:   opts.Users,
		sessions:       opts.Sessions,
		store:          opts.Store,
		historyStore:   opts.History,
		hub:            opts.Hub,
		tasks:          opts.Tasks,
		hydrateTimeout: opts.HydrateTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true }, // 与 CORS 策略一致
		},
	}
	if opts.RateLimit > 0 {
		s.limiter = newRateLimiter(opts.RateLimit, opts.RateBurst)
	}
	s.router.Use(gin.Recovery(), requestLogger(), s.corsMiddleware())
	s.setupRoutes()
	return s
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// requestLogger 用 zap 记录每个请求
func requestLogger() gin.HandlerFunc {
	l := logger.L().WithOptions(zap.AddCallerSkip(-1))
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		l.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// Handler 返回 http.Handler，供外部的 http.Server 使用
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")

	// 中间件：Token 鉴权，然后按用户限流
	v1.Use(s.authMiddleware(), s.rateLimitMiddleware())

	v1.POST("/session", s.handleStartSession)
	v1.DELETE("/session", s.handleSignOut)
	v1.GET("/session/stats", s.handleStats)
	v1.POST("/session/reset", s.handleReset)
	v1.GET("/tasks/:id", s.handleGetTask)

	v1.GET("/pair", s.handleNextPair)
	v1.POST("/comparisons", s.handleSubmit)
	v1.GET("/scores", s.handleScores)
	v1.GET("/scores/feed", s.handleScoreFeed)
	v1.GET("/preferences", s.handlePreferences)

	v1.GET("/history", s.handleHistory)
	v1.GET("/common-pairs", s.handleCommonPairs)
}

// authMiddleware 鉴权中间件
// 浏览器的 websocket 无法设置请求头，此时允许通过 token 查询参数传递
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var token string
		switch {
		case authHeader != "":
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
				return
			}
			token = parts[1]
		case c.Query("token") != "":
			token = c.Query("token")
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		u, err := s.userProvider.GetUserByToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		// 将用户信息存入 Context
		c.Set("user", u)
		c.Next()
	}
}

func currentUser(c *gin.Context) *model.User {
	uVal, exists := c.Get("user")
	if !exists {
		return nil
	}
	u, _ := uVal.(*model.User)
	return u
}

// activeSession 取出当前用户的会话，不存在时直接写 404
func (s *Server) activeSession(c *gin.Context) (*model.User, *session.Session, bool) {
	u := currentUser(c)
	if u == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return nil, nil, false
	}
	sess, ok := s.sessions.Get(u.ID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session, POST /api/v1/session first"})
		return u, nil, false
	}
	return u, sess, true
}
