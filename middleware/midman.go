package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
)

// 全局单例 + once
var (
	globalMgr *MiddlewareManager
	once      sync.Once
)

type named struct {
	name string
	h    gin.HandlerFunc
}

// MiddlewareManager 按名字注册/注销的全局中间件链，运行期可调整。
// 这里的中间件只做校验/打标，不能调用 c.Next()，需要包裹后续处理的直接 engine.Use
type MiddlewareManager struct {
	mu   sync.RWMutex
	mids []named
}

func NewManager() *MiddlewareManager {
	return &MiddlewareManager{}
}

// Manager 全局实例（惰性初始化，线程安全）
func Manager() *MiddlewareManager {
	once.Do(func() {
		globalMgr = NewManager()
	})
	return globalMgr
}

// Add 同名覆盖，保持原位置
func (m *MiddlewareManager) Add(name string, h gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.mids {
		if m.mids[i].name == name {
			m.mids[i].h = h
			return
		}
	}
	m.mids = append(m.mids, named{name: name, h: h})
}

func (m *MiddlewareManager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.mids[:0]
	for _, n := range m.mids {
		if n.name != name {
			out = append(out, n)
		}
	}
	m.mids = out
}

func (m *MiddlewareManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.mids))
	for _, n := range m.mids {
		out = append(out, n.name)
	}
	return out
}

// Use 作为总控挂载到 Engine 上；每个请求取一次快照
func (m *MiddlewareManager) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		handlers := make([]gin.HandlerFunc, 0, len(m.mids))
		for _, n := range m.mids {
			handlers = append(handlers, n.h)
		}
		m.mu.RUnlock()

		for _, h := range handlers {
			h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}
