package server

import (
	"net/http"
	"strings"
	"time"

	"interestchat/internal/auth"
	"interestchat/internal/config"
	clog "interestchat/internal/log"
	"interestchat/internal/metrics"
	"interestchat/internal/mw"
	"interestchat/internal/service"
	"interestchat/internal/storage"
	"interestchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Deps 是路由依赖的全部组件。Realtime 为 nil 时不挂载 /ws。
type Deps struct {
	Verifier  *auth.Verifier
	Users     *service.UserService
	Interests *service.InterestService
	Chats     *service.ChatService
	Messages  *service.MessageService
	Realtime  *ws.Server
	Presence  Presence
}

// Router 包装 gin.Engine，并持有需要在停服时释放的限速器。
type Router struct {
	*gin.Engine
	limiters []*mw.RL
}

// Close 停止限速器的 GC goroutine。
func (r *Router) Close() {
	for _, rl := range r.limiters {
		rl.Stop()
	}
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *Router {
	r := gin.New()
	r.MaxMultipartMemory = 8 << 20
	r.Use(gin.Recovery())
	r.Use(clog.GinMiddleware())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))

	// 控制单个 IP+路由的速率。
	global := mw.NewRateLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	// 上传按用户限速。
	uploads := mw.NewRateLimiter(rate.Every(2*time.Second), 5, 5*time.Minute)
	r.Use(global.Middleware(mw.ByIPAndRoute))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(d, cfg.Blob.MaxUploadBytes)
	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(d.Verifier))
	limitUploads := uploads.Middleware(mw.ByUserOrIP)

	authed.GET("/interests", h.ListInterests)
	authed.GET("/users/me", h.Profile)
	authed.PUT("/users/me", h.UpdateProfile)
	authed.POST("/users/me/avatar", limitUploads, h.UpdateAvatar)

	authed.POST("/chats", h.CreateChat)
	authed.POST("/chats/join/:interestId", h.JoinChat)
	authed.GET("/chats/current", h.CurrentChat)
	authed.GET("/chats/:id", h.ChatDetails)
	authed.POST("/chats/:id/leave", h.LeaveChat)
	authed.GET("/chats/:id/messages", h.ListMessages)
	authed.POST("/chats/:id/messages/image", limitUploads, h.SendImage)

	if d.Realtime != nil {
		r.GET("/ws", d.Realtime.Handle)
	}

	if (cfg.Blob.Driver == storage.DriverLocal || cfg.Blob.Driver == "") && cfg.Blob.Dir != "" {
		prefix := strings.TrimSuffix(cfg.Blob.PublicPrefix, "/")
		if prefix == "" {
			prefix = "/static/images"
		}
		r.Static(prefix, cfg.Blob.Dir)
	}
	return &Router{Engine: r, limiters: []*mw.RL{global, uploads}}
}
