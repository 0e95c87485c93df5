package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
)

// MiddlewareManager 可以自由注册/注销中间件
// 注册的中间件只做检查，不调用 c.Next；Abort 后后续中间件不再执行
type MiddlewareManager struct {
	mu   sync.RWMutex
	mids []gin.HandlerFunc
}

// NewManager 创建新的实例
func NewManager(mids ...gin.HandlerFunc) *MiddlewareManager {
	return &MiddlewareManager{mids: append([]gin.HandlerFunc(nil), mids...)}
}

// Add 注册一个中间件
func (m *MiddlewareManager) Add(h gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = append(m.mids, h)
}

// Clear 清空全部中间件
func (m *MiddlewareManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = nil
}

// Use 返回一个 gin.HandlerFunc，作为总控挂载到 Engine 上
func (m *MiddlewareManager) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		handlers := append([]gin.HandlerFunc{}, m.mids...) // 拷贝一份快照
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
