package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/math12studio/assistant/internal/handler/chat"
	"github.com/math12studio/assistant/internal/handler/ws"
	middlewarePkg "github.com/math12studio/assistant/internal/middleware"
	chatService "github.com/math12studio/assistant/internal/service/chat"
	"github.com/math12studio/assistant/pkg/utils"
)

// Services 汇总路由依赖的服务。AI 为 nil 时发送接口返回 503，Sessions 为 nil 时不挂载 WebSocket。
type Services struct {
	Chat           *chatService.Service
	AI             chat.Answerer
	Sessions       ws.EngineFactory
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(svc Services) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(svc.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondOK(w)
	})

	chatHandler := chat.New(svc.Chat, svc.AI)

	r.Route("/api/chat", func(api chi.Router) {
		api.Use(middlewarePkg.Identity)

		chatHandler.RegisterRoutes(api)

		if svc.Sessions != nil {
			ws.New(svc.Sessions, svc.AllowedOrigins).RegisterRoutes(api)
		}
	})

	return r
}
