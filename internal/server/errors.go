package server

import (
	"errors"
	"net/http"

	"interestchat/internal/service"

	"github.com/gin-gonic/gin"
)

var kindStatus = map[service.Kind]int{
	service.KindNotFound:   http.StatusNotFound,
	service.KindConflict:   http.StatusConflict,
	service.KindBadRequest: http.StatusBadRequest,
	service.KindForbidden:  http.StatusForbidden,
	service.KindTransient:  http.StatusServiceUnavailable,
	service.KindFatal:      http.StatusInternalServerError,
}

// writeError 是业务错误到 HTTP 响应的唯一映射点。
func writeError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrInvalidCredentials) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials", "code": "UNAUTHORIZED"})
		return
	}
	kind := service.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{"error": service.Message(err), "code": kind.String()})
}

func badRequest(c *gin.Context, msg string) {
	writeError(c, service.BadRequest(msg))
}
