package chat

import (
	"net"
	"net/http"
	"time"

	"PChat/logger"
	"PChat/tools/ids"
	"PChat/tools/safe"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: h.conf.CheckOrigin}
}

// ServeWS 已认证的连接：升级、登记、读循环；返回时连接已清理完毕、断开回调已执行
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID int64, username string) {
	if !h.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	ws, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		logger.Info("[ws] upgrade failed", zap.Int64("userId", userID), zap.Error(err))
		return
	}

	c := NewClient(ids.UUID(), userID, username, ws, h.conf.SendQueue)
	first, evicted := h.reg.add(c, h.conf.MaxPerUser)
	for _, old := range evicted {
		logger.Info("[ws] evict oldest connection", zap.String("user", username), zap.String("conn", old.ConnID))
		old.close()
	}
	if h.isClosed() {
		// Close 已经遍历过连接表，这条要自己关
		c.close()
	}

	done := make(chan struct{})
	safe.SafeGo(func() {
		defer close(done)
		h.writeLoop(c)
	})

	c.enqueue(encodeControl(FrameConnected, map[string]any{"connId": c.ConnID, "userId": userID, "username": username}))
	// 先登记再回调：离线信箱的补投要能发到这条连接上。
	// 回调按连接各自登记会话，新旧连接的回调先后不影响在线结果
	h.onConnect(c)
	logger.Info("[ws] connected", zap.Int64("userId", userID), zap.String("conn", c.ConnID), zap.Bool("first", first))

	h.readLoop(c)

	// ---- 退出阶段：摘索引、回调下线、等写协程收尾 ----
	last := h.reg.remove(c)
	c.close()
	h.onDisconnect(c)
	<-done
	logger.Info("[ws] disconnected", zap.Int64("userId", userID), zap.String("conn", c.ConnID), zap.Bool("last", last))
}

// readLoop 只读不写；出错即退出
func (h *Hub) readLoop(c *Client) {
	ws := c.WS
	ws.SetReadLimit(h.conf.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.conf.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.conf.PongWait))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("[ws] peer closed", zap.String("conn", c.ConnID))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Info("[ws] read timeout", zap.String("conn", c.ConnID))
			} else if !c.isClosed() {
				logger.Info("[ws] read err", zap.String("conn", c.ConnID), zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.conf.PongWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		f, err := ParseClientFrame(data)
		if err != nil {
			// 只打印简短样本
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Info("[ws] bad frame", zap.String("conn", c.ConnID), zap.ByteString("sample", sample), zap.Error(err))
			c.enqueue(encodeControl(FrameError, map[string]string{"error": "bad frame"}))
			continue
		}
		h.handleFrame(c, f)
	}
}

// writeLoop 唯一的写协程；出站队列关闭后发 close 帧并关闭底层连接
func (h *Hub) writeLoop(c *Client) {
	ticker := time.NewTicker(h.conf.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.WS.Close()
	}()
	for {
		select {
		case b, ok := <-c.send:
			_ = c.WS.SetWriteDeadline(time.Now().Add(h.conf.WriteWait))
			if !ok {
				_ = c.WS.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.WS.WriteMessage(websocket.TextMessage, b); err != nil {
				logger.Info("[ws] write err", zap.String("conn", c.ConnID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.WS.SetWriteDeadline(time.Now().Add(h.conf.WriteWait))
			if err := c.WS.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
