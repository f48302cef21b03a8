package server

import (
	"time"

	"pairing_engine/internal/logger"
	"pairing_engine/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// feedMessage websocket 上推送的消息
type feedMessage struct {
	Type   string        `json:"type"`
	Scores []model.Score `json:"scores"`
}

// handleScoreFeed 通过 websocket 推送比较记录的变更
// 连接建立后先推送一次当前列表，之后每次提交都推送完整的最新列表
// GET /api/v1/scores/feed
func (s *Server) handleScoreFeed(c *gin.Context) {
	u, sess, ok := s.activeSession(c)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade for user %s failed: %v", u.ID, err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	sub := s.hub.Subscribe(u.ID)
	defer sub.Close()

	initial, err := sess.Scores(c.Request.Context(), 0)
	if err != nil {
		logger.Error("load scores for feed of user %s failed: %v", u.ID, err)
		initial = []model.Score{}
	}
	if err := writeFeed(conn, initial); err != nil {
		return
	}

	// 读取只用于处理 pong 和感知客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug("score feed of user %s closed: %v", u.ID, err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case scores, ok := <-sub.Updates():
			if !ok {
				// 退出登录
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "signed out"))
				return
			}
			if err := writeFeed(conn, scores); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func writeFeed(conn *websocket.Conn, scores []model.Score) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if scores == nil {
		scores = []model.Score{}
	}
	if err := conn.WriteJSON(feedMessage{Type: "scores", Scores: scores}); err != nil {
		logger.Debug("write score feed failed: %v", err)
		return err
	}
	return nil
}
