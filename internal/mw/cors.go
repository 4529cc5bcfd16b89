package mw

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
)

// OriginAllowed 返回来源校验函数：dev 环境允许所有来源，
// 其余环境只允许同源与 allowed 中列出的来源。websocket 升级复用同一规则。
func OriginAllowed(env string, allowed []string) func(r *http.Request) bool {
	allow := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allow[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || env == "dev" || allow[origin] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host != "" && u.Host == r.Host
	}
}

// CORS 返回一个支持跨域请求的中间件。
func CORS(env string, allowed []string) gin.HandlerFunc {
	check := OriginAllowed(env, allowed)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if check(c.Request) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
