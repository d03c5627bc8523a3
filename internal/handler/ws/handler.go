package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/math12studio/assistant/internal/middleware"
	"github.com/math12studio/assistant/internal/service/engine"
	"github.com/math12studio/assistant/internal/service/quota"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second

	// 每个连接每秒最多处理 5 帧，允许 20 帧的突发。
	frameRate  = rate.Limit(5)
	frameBurst = 20
)

// EngineFactory 为一个连接创建会话引擎，observer 接收该引擎的事件。
type EngineFactory func(ctx context.Context, identity string, observer engine.Observer) (*engine.Engine, error)

// Handler 在服务端托管会话：每个 WebSocket 连接对应一个引擎。
type Handler struct {
	newEngine EngineFactory
	upgrader  websocket.Upgrader
}

// New 创建WebSocket处理器
func New(factory EngineFactory, allowedOrigins []string) *Handler {
	return &Handler{
		newEngine: factory,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由，调用方需先挂载 Identity 中间件。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string `json:"type"`
	Prompt    string `json:"prompt,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// connection 串行化对 conn 的写入：所有帧都经由 out 交给 writeLoop。
type connection struct {
	conn *websocket.Conn
	out  chan outgoingMessage
	ctx  context.Context
}

func (c *connection) send(msgType string, data any) {
	msg := outgoingMessage{Type: msgType, Data: data, Timestamp: time.Now().Unix()}
	select {
	case c.out <- msg:
	case <-c.ctx.Done():
	}
}

func (c *connection) sendError(code, message string) {
	c.send("error", map[string]string{"code": code, "message": message})
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &connection{conn: conn, out: make(chan outgoingMessage, 64), ctx: ctx}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeLoop(ctx, c)
	}()

	eng, err := h.newEngine(ctx, identity, func(ev engine.Event) { c.send("event", ev) })
	if err != nil {
		log.Printf("[websocket] create session failed: %v", err)
		c.sendError("unavailable", "session unavailable")
		cancel()
		<-writerDone
		return
	}

	var inflight sync.WaitGroup
	defer func() {
		eng.Close()
		inflight.Wait()
		cancel()
		<-writerDone
	}()

	log.Printf("[websocket] new connection for identity: %s", identity)
	c.send("connected", map[string]any{
		"messages": eng.Messages(),
		"quota":    eng.Quota(),
	})

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	limiter := rate.NewLimiter(frameRate, frameBurst)
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if !limiter.Allow() {
			c.sendError("rate_limited", "too many messages")
			continue
		}
		h.handleMessage(ctx, c, eng, &inflight, msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, c *connection, eng *engine.Engine, inflight *sync.WaitGroup, msg inboundMessage) {
	switch msg.Type {
	case "send", "regenerate":
		// Sends run in the background so a later "new" or "send" can supersede them.
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			var err error
			if msg.Type == "regenerate" {
				_, err = eng.Regenerate(ctx, msg.MessageID)
			} else {
				_, err = eng.Send(ctx, msg.Prompt)
			}
			h.reportSendError(c, eng, err)
		}()
	case "input":
		eng.SetInput(msg.Prompt)
	case "new":
		if err := eng.NewChat(ctx); err != nil {
			log.Printf("[websocket] new chat not persisted: %v", err)
			c.sendError("persistence", "new chat was not saved")
		}
	case "quota":
		c.send("quota", eng.Quota())
	default:
		c.sendError("bad_request", "unknown message type")
	}
}

func (h *Handler) reportSendError(c *connection, eng *engine.Engine, err error) {
	switch {
	case err == nil, errors.Is(err, engine.ErrAborted), errors.Is(err, engine.ErrTransient):
		// failures already reached the client as a turn_failed event
	case errors.Is(err, quota.ErrQuotaExceeded):
		state := eng.Quota()
		c.send("error", map[string]any{
			"code":    "quota_exceeded",
			"message": "request limit reached",
			"resetAt": state.ResetAt(),
		})
	case errors.Is(err, engine.ErrEmptyPrompt):
		c.sendError("bad_request", "Prompt is required")
	default:
		log.Printf("[websocket] send failed: %v", err)
		c.sendError("internal", "Internal server error")
	}
}

// writeLoop 是连接唯一的写者，同时定期发送 ping。写失败时关闭连接，读循环随之退出。
func (h *Handler) writeLoop(ctx context.Context, c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// drain frames queued before shutdown
			for {
				select {
				case msg := <-c.out:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteJSON(msg); err != nil {
						return
					}
				default:
					return
				}
			}
		case msg := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("[websocket] write failed: %v", err)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == origin {
				return true
			}
		}
		return false
	}
}
