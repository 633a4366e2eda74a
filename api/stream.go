package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// statusMessage websocket 推送格式
type statusMessage struct {
	Type        string `json:"type"`
	Status      any    `json:"status"`
	Performance any    `json:"performance"`
	Timestamp   int64  `json:"timestamp"`
}

func (s *Server) statusMessage() statusMessage {
	return statusMessage{
		Type:        "status",
		Status:      s.deps.Trader.GetStatus(),
		Performance: s.deps.Trader.GetPerformanceSummary(),
		Timestamp:   time.Now().UnixMilli(),
	}
}

// handleStatusStream 连接建立后立即推送一次状态，之后按 StatusPush 周期推送
func (s *Server) handleStatusStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ [API] websocket 升级失败")
		return
	}
	defer conn.Close()
	log.Info().Str("client", c.ClientIP()).Msg("🔌 [API] 状态订阅已连接")

	// 读循环只用来感知断开与处理 pong
	closed := make(chan struct{})
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	push := time.NewTicker(s.cfg.StatusPush)
	defer push.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	write := func() bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(s.statusMessage()); err != nil {
			log.Debug().Err(err).Msg("[API] 状态推送失败")
			return false
		}
		return true
	}

	if !write() {
		return
	}
	for {
		select {
		case <-closed:
			log.Info().Msg("🔌 [API] 状态订阅已断开")
			return
		case <-c.Request.Context().Done():
			return
		case <-push.C:
			if !write() {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
