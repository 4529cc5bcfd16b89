package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"interestchat/internal/auth"
	clog "interestchat/internal/log"
	"interestchat/internal/service"

	"github.com/gin-gonic/gin"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc     *service.UserService
	interestSvc *service.InterestService
	chatSvc     *service.ChatService
	msgSvc      *service.MessageService
	presence    Presence
	maxUpload   int64
}

// Presence 报告 topic 上的在线订阅数。
type Presence interface {
	Online(topic string) int
}

// multipartOverhead 为表单边界与字段头预留的字节数。
const multipartOverhead = 64 << 10

// NewHandler 创建 Handler；maxUpload 为 0 表示不限制上传大小。
func NewHandler(d Deps, maxUpload int64) *Handler {
	return &Handler{userSvc: d.Users, interestSvc: d.Interests, chatSvc: d.Chats, msgSvc: d.Messages, presence: d.Presence, maxUpload: maxUpload}
}

type credentials struct {
	Nickname string `json:"nickname"`
	Password string `json:"password"`
}

func (r *credentials) bind(c *gin.Context) bool {
	if err := c.ShouldBindJSON(r); err != nil {
		badRequest(c, "invalid payload")
		return false
	}
	r.Nickname = strings.TrimSpace(r.Nickname)
	if r.Nickname == "" || r.Password == "" {
		badRequest(c, "invalid payload")
		return false
	}
	return true
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req credentials
	if !req.bind(c) {
		return
	}
	if utf8.RuneCountInString(req.Nickname) > 50 {
		badRequest(c, "invalid nickname")
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		badRequest(c, "invalid password")
		return
	}
	result, err := h.userSvc.Register(c.Request.Context(), req.Nickname, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req credentials
	if !req.bind(c) {
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Nickname, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "nickname": result.User.Nickname},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.userSvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		clog.Ctx(c.Request.Context()).Warn().Err(err).Msg("refresh token")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token", "code": "UNAUTHORIZED"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) ListInterests(c *gin.Context) {
	interests, err := h.interestSvc.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"interests": interests})
}

func (h *Handler) Profile(c *gin.Context) {
	view, err := h.userSvc.Profile(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// UpdateProfile 处理昵称与兴趣的修改。
func (h *Handler) UpdateProfile(c *gin.Context) {
	var req service.ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	view, err := h.userSvc.UpdateProfile(c.Request.Context(), auth.GetUserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) UpdateAvatar(c *gin.Context) {
	up, closeFn, ok := h.formUpload(c)
	if !ok {
		return
	}
	defer closeFn()
	view, err := h.userSvc.UpdateAvatar(c.Request.Context(), auth.GetUserID(c), up)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// formUpload 读取 multipart 字段 file，请求体与文件都受 maxUpload 约束。
func (h *Handler) formUpload(c *gin.Context) (service.Upload, func(), bool) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartOverhead)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.tooLarge(c)
			return service.Upload{}, nil, false
		}
		badRequest(c, "file cannot be empty")
		return service.Upload{}, nil, false
	}
	if h.maxUpload > 0 && fh.Size > h.maxUpload {
		h.tooLarge(c)
		return service.Upload{}, nil, false
	}
	f, err := fh.Open()
	if err != nil {
		badRequest(c, "file cannot be read")
		return service.Upload{}, nil, false
	}
	return service.Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Body:        f,
	}, func() { _ = f.Close() }, true
}

func (h *Handler) tooLarge(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
		"error": fmt.Sprintf("file exceeds %d bytes", h.maxUpload),
		"code":  service.KindBadRequest.String(),
	})
}

// idParam 解析正整数路径参数。
func idParam(c *gin.Context, name, label string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		badRequest(c, "invalid "+label)
		return 0, false
	}
	return uint(v), true
}
