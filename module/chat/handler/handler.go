// Package handler HTTP / websocket 接入层，只做参数绑定、身份读取和错误码映射。
package handler

import (
	"strconv"

	"PChat/middleware"
	midsec "PChat/middleware/security"
	"PChat/module/chat/model"
	"PChat/module/conversation"
	"PChat/module/delivery"
	"PChat/module/presence"
	"PChat/module/receipt"
	"PChat/service/chat"
	"PChat/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

type Handler struct {
	Pipeline      *delivery.Pipeline
	Receipts      *receipt.Tracker
	Conversations *conversation.Service
	Presence      *presence.Registry
	Hub           *chat.Hub
}

func (h *Handler) Register(rt *middleware.Routes) {
	auth := middleware.RouteOpt{IsAuth: true}

	rt.GET("/healthz", func(c *gin.Context) { Ok(c, gin.H{"status": "up"}) }, middleware.RouteOpt{})
	rt.GET("/ws", h.serveWS, auth)

	rt.GET("/api/conversations", h.listConversations, auth)
	rt.POST("/api/conversations/direct", h.createDirect, auth)
	rt.POST("/api/conversations/group", h.createGroup, auth)
	rt.GET("/api/conversations/:id", h.getConversation, auth)
	rt.POST("/api/conversations/:id/members", h.addMember, auth)
	rt.GET("/api/conversations/:id/messages", h.listMessages, auth)
	rt.GET("/api/conversations/:id/messages/after", h.listMessagesAfter, auth)
	rt.POST("/api/conversations/:id/messages", h.sendMessage, auth)
	rt.DELETE("/api/conversations/:id/messages", h.clearChat, auth)
	rt.POST("/api/conversations/:id/read", h.markConversationRead, auth)
	rt.PUT("/api/conversations/:id/read-cursor", h.markAsRead, auth)
	rt.POST("/api/conversations/:id/typing", h.typing, auth)

	rt.PUT("/api/messages/:id", h.editMessage, auth)
	rt.DELETE("/api/messages/:id", h.deleteMessage, auth)
	rt.PUT("/api/messages/:id/status", h.updateStatus, auth)
	rt.GET("/api/messages/:id/status", h.getStatus, auth)

	rt.POST("/api/presence/heartbeat", h.heartbeat, auth)
	rt.GET("/api/presence/online", h.onlineUsers, auth)
	rt.GET("/api/presence/users/:id", h.userStatus, auth)
}

func identity(c *gin.Context) (midsec.Identity, bool) {
	id, ok := midsec.IdentityFrom(c)
	if !ok {
		Fail(c, errs.ErrTokenMissing.Wrap())
	}
	return id, ok
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		Fail(c, errs.ErrArgs.WrapMsg("invalid id", "id", c.Param("id")))
		return 0, false
	}
	return id, true
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		Fail(c, errs.ErrArgs.WrapMsg("invalid request body", "err", err.Error()))
		return false
	}
	return true
}

func bindQuery(c *gin.Context, req any) bool {
	if err := c.ShouldBindQuery(req); err != nil {
		Fail(c, errs.ErrArgs.WrapMsg("invalid query", "err", err.Error()))
		return false
	}
	return true
}

func (h *Handler) serveWS(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	h.Hub.ServeWS(c.Writer, c.Request, me.UserID, me.Username)
}

// ===== 会话 =====

func (h *Handler) listConversations(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	list, err := h.Conversations.ListForUser(c.Request.Context(), me.UserID)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, list)
}

func (h *Handler) createDirect(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	var req CreateDirectReq
	if !bind(c, &req) {
		return
	}
	conv, err := h.Conversations.CreateDirect(c.Request.Context(),
		conversation.MemberRef{UserID: me.UserID, Username: me.Username},
		conversation.MemberRef{UserID: req.PeerID, Username: req.PeerUsername})
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, conv)
}

func (h *Handler) createGroup(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	var req CreateGroupReq
	if !bind(c, &req) {
		return
	}
	others := lo.Map(req.Members, func(m MemberDTO, _ int) conversation.MemberRef {
		return conversation.MemberRef{UserID: m.UserID, Username: m.Username}
	})
	conv, err := h.Conversations.CreateGroup(c.Request.Context(),
		conversation.MemberRef{UserID: me.UserID, Username: me.Username}, req.Name, others)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, conv)
}

func (h *Handler) getConversation(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	sum, err := h.Conversations.Get(c.Request.Context(), id, me.UserID)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, sum)
}

func (h *Handler) addMember(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req MemberDTO
	if !bind(c, &req) {
		return
	}
	err := h.Conversations.AddMember(c.Request.Context(), id, me.UserID,
		conversation.MemberRef{UserID: req.UserID, Username: req.Username})
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, nil)
}

func (h *Handler) listMessages(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var q PageQuery
	if !bindQuery(c, &q) {
		return
	}
	msgs, err := h.Conversations.Messages(c.Request.Context(), id, me.UserID, q.Page, q.Size)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, msgs)
}

func (h *Handler) listMessagesAfter(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var q AfterQuery
	if !bindQuery(c, &q) {
		return
	}
	msgs, err := h.Conversations.MessagesAfter(c.Request.Context(), id, me.UserID, q.AfterID, q.Limit)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, msgs)
}

func (h *Handler) markAsRead(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ReadCursorReq
	if !bind(c, &req) {
		return
	}
	if err := h.Conversations.MarkAsRead(c.Request.Context(), id, me.UserID, req.MessageID); err != nil {
		Fail(c, err)
		return
	}
	Ok(c, nil)
}

// ===== 投递 =====

func (h *Handler) sendMessage(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req SendMessageReq
	if !bind(c, &req) {
		return
	}
	msg, err := h.Pipeline.SendMessage(c.Request.Context(), delivery.SendRequest{
		ConversationID: id,
		SenderID:       me.UserID,
		Type:           model.MessageType(req.Type),
		Content:        req.Content,
		AttachmentURL:  req.AttachmentURL,
		MimeType:       req.MimeType,
		Metadata:       req.Metadata,
	})
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, msg)
}

func (h *Handler) clearChat(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	n, err := h.Pipeline.ClearChat(c.Request.Context(), id, me.UserID)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, gin.H{"cleared": n})
}

func (h *Handler) typing(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req TypingReq
	if !bind(c, &req) {
		return
	}
	if err := h.Pipeline.SendTypingIndicator(c.Request.Context(), id, me.UserID, *req.Typing); err != nil {
		Fail(c, err)
		return
	}
	Ok(c, nil)
}

func (h *Handler) editMessage(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req EditMessageReq
	if !bind(c, &req) {
		return
	}
	msg, err := h.Pipeline.EditMessage(c.Request.Context(), id, me.UserID, req.Content)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, msg)
}

func (h *Handler) deleteMessage(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.Pipeline.DeleteMessage(c.Request.Context(), id, me.UserID); err != nil {
		Fail(c, err)
		return
	}
	Ok(c, nil)
}

// ===== 回执 =====

func (h *Handler) updateStatus(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req StatusReq
	if !bind(c, &req) {
		return
	}
	advanced, err := h.Receipts.Update(c.Request.Context(), id, me.UserID, me.Username, model.MessageStatus(req.Status))
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, gin.H{"advanced": advanced})
}

func (h *Handler) getStatus(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	s, err := h.Receipts.CachedStatus(c.Request.Context(), id, me.UserID)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, gin.H{"messageId": id, "status": s})
}

func (h *Handler) markConversationRead(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	n, err := h.Receipts.MarkConversationRead(c.Request.Context(), id, me.UserID, me.Username)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, gin.H{"read": n})
}

// ===== 在线状态 =====

func (h *Handler) heartbeat(c *gin.Context) {
	me, ok := identity(c)
	if !ok {
		return
	}
	// HTTP 心跳没有自己的会话，续期该用户在本实例上的全部连接
	ctx := c.Request.Context()
	refreshed := 0
	for _, connID := range h.Hub.ConnIDs(me.Username) {
		if h.Presence.Heartbeat(ctx, me.UserID, connID) {
			refreshed++
		}
	}
	Ok(c, gin.H{"online": refreshed > 0 || h.Presence.IsOnline(ctx, me.UserID), "refreshed": refreshed})
}

func (h *Handler) onlineUsers(c *gin.Context) {
	if _, ok := identity(c); !ok {
		return
	}
	users, err := h.Presence.OnlineUsers(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, users)
}

func (h *Handler) userStatus(c *gin.Context) {
	if _, ok := identity(c); !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := h.Presence.Status(c.Request.Context(), id)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, p)
}
