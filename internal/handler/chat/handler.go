package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/math12studio/assistant/internal/middleware"
	"github.com/math12studio/assistant/internal/model/chat"
	chatService "github.com/math12studio/assistant/internal/service/chat"
	"github.com/math12studio/assistant/pkg/utils"
)

// Answerer 产生模型回答；*ai.Service 实现了它。
type Answerer interface {
	GenerateResponse(ctx context.Context, history []chat.Message, prompt string) (string, error)
	OpenTextStream(ctx context.Context, history []chat.Message, prompt string) (io.ReadCloser, error)
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	ai      Answerer
}

// New 创建聊天处理器。ai 为 nil 时发送接口返回 503。
func New(chatSvc *chatService.Service, ai Answerer) *Handler {
	return &Handler{chatSvc: chatSvc, ai: ai}
}

// RegisterRoutes 注册聊天相关的路由，调用方需先挂载 Identity 中间件。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/history", h.handleHistory)
	r.Post("/new", h.handleNewChat)
	r.Post("/", h.handleSend)
	r.Post("/stream", h.handleStream)
}

type promptPayload struct {
	Prompt string `json:"prompt"`
}

// handleHistory 返回当前会话的历史消息
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFrom(r.Context())

	messages, err := h.chatSvc.History(r.Context(), identity)
	if err != nil {
		log.Printf("[chat] load history failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	utils.RespondJSON(w, http.StatusOK, chat.History{History: messages})
}

// handleNewChat 开启新会话
func (h *Handler) handleNewChat(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFrom(r.Context())

	if _, err := h.chatSvc.NewConversation(r.Context(), identity); err != nil {
		log.Printf("[chat] new chat failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	utils.RespondOK(w)
}

// handleSend 一次性返回完整回答
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	identity, prompt, history, ok := h.prepare(w, r)
	if !ok {
		return
	}

	text, err := h.ai.GenerateResponse(r.Context(), history, prompt)
	if err != nil {
		log.Printf("[chat] generate failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.recordTurn(r.Context(), identity, prompt, text)
	utils.RespondJSON(w, http.StatusOK, map[string]string{"text": text})
}

// handleStream 以分块纯文本的形式流式返回回答。
// 回答中途失败时直接中断连接，客户端据此区分失败与正常结束。
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	identity, prompt, history, ok := h.prepare(w, r)
	if !ok {
		return
	}

	body, err := h.ai.OpenTextStream(r.Context(), history, prompt)
	if err != nil {
		log.Printf("[chat] open stream failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	defer body.Close()

	utils.SetupTextStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var answer strings.Builder
	if err := utils.CopyTextStream(w, flusher, body, func(chunk string) { answer.WriteString(chunk) }); err != nil {
		if r.Context().Err() != nil {
			log.Printf("[chat] client went away during stream")
			return
		}
		log.Printf("[chat] stream failed after %d bytes: %v", answer.Len(), err)
		panic(http.ErrAbortHandler)
	}

	h.recordTurn(r.Context(), identity, prompt, answer.String())
}

// prepare 解析请求体并加载历史；失败时已写好错误响应。
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (string, string, []chat.Message, bool) {
	var payload promptPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return "", "", nil, false
	}

	prompt := strings.TrimSpace(payload.Prompt)
	if prompt == "" {
		utils.RespondError(w, http.StatusBadRequest, "Prompt is required")
		return "", "", nil, false
	}

	if h.ai == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "AI service unavailable")
		return "", "", nil, false
	}

	identity, _ := middleware.IdentityFrom(r.Context())
	history, err := h.chatSvc.History(r.Context(), identity)
	if err != nil {
		log.Printf("[chat] load history failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "Internal server error")
		return "", "", nil, false
	}

	return identity, prompt, history, true
}

// recordTurn 保存一问一答。保存失败只记日志，回答已经送达。
func (h *Handler) recordTurn(ctx context.Context, identity, prompt, answer string) {
	now := time.Now().UTC()
	err := h.chatSvc.SaveMessages(context.WithoutCancel(ctx), identity,
		chat.Message{Role: chat.RoleUser, Content: prompt, CreatedAt: now},
		chat.Message{Role: chat.RoleAssistant, Content: answer, CreatedAt: now},
	)
	if err != nil {
		log.Printf("[chat] save turn failed: %v", err)
	}
}
