package handler

import (
	"PChat/module/chat/model"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

type MemberDTO struct {
	UserID   int64  `json:"userId" binding:"required,gt=0"`
	Username string `json:"username" binding:"required,max=64"`
}

type CreateDirectReq struct {
	PeerID       int64  `json:"peerId" binding:"required,gt=0"`
	PeerUsername string `json:"peerUsername" binding:"required,max=64"`
}

type CreateGroupReq struct {
	Name    string      `json:"name" binding:"required,max=128"`
	Members []MemberDTO `json:"members" binding:"omitempty,max=500,dive"`
}

type SendMessageReq struct {
	Type          string `json:"type" binding:"required,msgtype"`
	Content       string `json:"content" binding:"max=10000"`
	AttachmentURL string `json:"attachmentUrl" binding:"omitempty,url"`
	MimeType      string `json:"mimeType" binding:"max=128"`
	Metadata      string `json:"metadata" binding:"max=4096"`
}

type EditMessageReq struct {
	Content string `json:"content" binding:"required,max=10000"`
}

type StatusReq struct {
	Status string `json:"status" binding:"required,oneof=DELIVERED READ"`
}

type TypingReq struct {
	Typing *bool `json:"typing" binding:"required"`
}

type ReadCursorReq struct {
	MessageID int64 `json:"messageId" binding:"required,gt=0"`
}

type PageQuery struct {
	Page int `form:"page" binding:"min=0"`
	Size int `form:"size" binding:"min=0,max=200"`
}

type AfterQuery struct {
	AfterID int64 `form:"afterId" binding:"min=0"`
	Limit   int   `form:"limit" binding:"min=0,max=200"`
}

// RegisterValidators 挂到 gin 默认校验器上，启动时调用一次
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return nil
	}
	return v.RegisterValidation("msgtype", func(fl validator.FieldLevel) bool {
		return model.MessageType(fl.Field().String()).Valid()
	})
}
