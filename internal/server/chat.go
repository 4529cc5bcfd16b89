package server

import (
	"net/http"
	"strconv"

	"interestchat/internal/auth"
	"interestchat/internal/pubsub"

	"github.com/gin-gonic/gin"
)

func (h *Handler) online(chatID uint) int {
	if h.presence == nil {
		return 0
	}
	return h.presence.Online(pubsub.ChatTopic(chatID))
}

// CreateChat 处理创建聊天请求。
func (h *Handler) CreateChat(c *gin.Context) {
	var req struct {
		InterestID uint    `json:"interest_id"`
		ChatName   *string `json:"chat_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.InterestID == 0 {
		badRequest(c, "invalid payload")
		return
	}
	view, err := h.chatSvc.CreateChat(c.Request.Context(), auth.GetUserID(c), req.InterestID, req.ChatName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) JoinChat(c *gin.Context) {
	interestID, ok := idParam(c, "interestId", "interest id")
	if !ok {
		return
	}
	view, err := h.chatSvc.JoinByInterest(c.Request.Context(), auth.GetUserID(c), interestID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CurrentChat 没有活跃聊天时返回 204。
func (h *Handler) CurrentChat(c *gin.Context) {
	view, err := h.chatSvc.CurrentChat(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if view == nil {
		c.Status(http.StatusNoContent)
		return
	}
	view.Online = h.online(view.ID)
	c.JSON(http.StatusOK, view)
}

func (h *Handler) ChatDetails(c *gin.Context) {
	chatID, ok := idParam(c, "id", "chat id")
	if !ok {
		return
	}
	view, err := h.chatSvc.ChatDetails(c.Request.Context(), auth.GetUserID(c), chatID)
	if err != nil {
		writeError(c, err)
		return
	}
	view.Online = h.online(view.ID)
	c.JSON(http.StatusOK, view)
}

func (h *Handler) LeaveChat(c *gin.Context) {
	chatID, ok := idParam(c, "id", "chat id")
	if !ok {
		return
	}
	if err := h.chatSvc.LeaveChat(c.Request.Context(), auth.GetUserID(c), chatID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "left chat"})
}

// ListMessages 处理聊天历史查询，支持 limit 与 before_id 分页。
func (h *Handler) ListMessages(c *gin.Context) {
	chatID, ok := idParam(c, "id", "chat id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		if v, err := strconv.ParseUint(bid, 10, 64); err == nil {
			beforeID = uint(v)
		}
	}
	msgs, err := h.msgSvc.ListMessages(c.Request.Context(), chatID, auth.GetUserID(c), limit, beforeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendImage 上传图片并作为 IMAGE 消息推送到聊天。
func (h *Handler) SendImage(c *gin.Context) {
	chatID, ok := idParam(c, "id", "chat id")
	if !ok {
		return
	}
	up, closeFn, ok := h.formUpload(c)
	if !ok {
		return
	}
	defer closeFn()
	view, err := h.msgSvc.SendImage(c.Request.Context(), chatID, auth.GetUserID(c), up)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}
