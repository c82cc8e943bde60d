package chat

import (
	"encoding/json"

	"PChat/tools/errs"
)

// 帧类型：客户端 -> 服务端
const (
	FrameSubscribe   = "SUBSCRIBE"
	FrameUnsubscribe = "UNSUBSCRIBE"
	FramePing        = "PING"
)

// 帧类型：服务端 -> 客户端
const (
	FrameConnected = "CONNECTED"
	FrameMessage   = "MESSAGE"
	FramePong      = "PONG"
	FrameError     = "ERROR"
)

// ClientFrame 客户端上行帧，Destination 为订阅的 topic
type ClientFrame struct {
	Type        string          `json:"type"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ServerFrame 下行帧；MESSAGE 的 Destination 是 topic 或 /user/queue/...
type ServerFrame struct {
	Type        string `json:"type"`
	Destination string `json:"destination,omitempty"`
	Payload     any    `json:"payload,omitempty"`
}

func ParseClientFrame(raw []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrArgs.WrapMsg("unmarshal frame failed", "err", err.Error())
	}
	switch f.Type {
	case FrameSubscribe, FrameUnsubscribe:
		if f.Destination == "" {
			return nil, errs.ErrArgs.WrapMsg("destination required", "type", f.Type)
		}
	case FramePing:
	default:
		return nil, errs.ErrArgs.WrapMsg("unknown frame type", "type", f.Type)
	}
	return &f, nil
}

// encodeMessage 一次编码，扇出时复用同一份字节
func encodeMessage(destination string, payload any) ([]byte, error) {
	b, err := json.Marshal(ServerFrame{Type: FrameMessage, Destination: destination, Payload: payload})
	if err != nil {
		return nil, errs.WrapMsg(err, "marshal frame", "destination", destination)
	}
	return b, nil
}

func encodeControl(typ string, payload any) []byte {
	b, _ := json.Marshal(ServerFrame{Type: typ, Payload: payload})
	return b
}
