package infra

import (
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/sirupsen/logrus"
)

// WsManager 管理所有推送连接。每个连接有独立的带缓冲发送通道和
// 专属写协程：慢客户端只会丢自己的消息，不会拖住执行核心。
type WsManager struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool

	// sendChannels stores a buffered channel for each client.
	sendChannels map[*websocket.Conn]chan interface{}

	Register   chan *websocket.Conn
	Unregister chan *websocket.Conn

	logger *logrus.Logger
}

func NewWsManager(logger *logrus.Logger) *WsManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &WsManager{
		clients:      make(map[*websocket.Conn]bool),
		sendChannels: make(map[*websocket.Conn]chan interface{}),
		Register:     make(chan *websocket.Conn),
		Unregister:   make(chan *websocket.Conn),
		logger:       logger,
	}
}

func (manager *WsManager) Start() {
	manager.logger.Info("Starting WebSocket Manager...")
	for {
		select {
		case conn := <-manager.Register:
			manager.mu.Lock()
			manager.clients[conn] = true

			sendCh := make(chan interface{}, 256)
			manager.sendChannels[conn] = sendCh

			// 每个连接一个写协程，写失败即关闭，由读循环触发 Unregister
			go func(c *websocket.Conn, ch chan interface{}) {
				for msg := range ch {
					if err := c.WriteJSON(msg); err != nil {
						manager.logger.WithError(err).Warn("WS WriteLoop error")
						c.Close()
						return
					}
				}
			}(conn, sendCh)
			manager.mu.Unlock()
			manager.logger.Info("New WebSocket client connected")

		case conn := <-manager.Unregister:
			manager.mu.Lock()
			if _, ok := manager.clients[conn]; ok {
				delete(manager.clients, conn)
				if ch, exists := manager.sendChannels[conn]; exists {
					close(ch)
					delete(manager.sendChannels, conn)
				}
			}
			manager.mu.Unlock()
			manager.logger.Info("WebSocket client disconnected")
		}
	}
}

// BroadcastToAll 向所有连接广播消息 (订单/持仓/盈亏推送)。
// 缓冲满的慢客户端丢弃该条消息。
func (manager *WsManager) BroadcastToAll(data interface{}) {
	manager.mu.RLock()
	defer manager.mu.RUnlock()

	for conn := range manager.clients {
		if ch, exists := manager.sendChannels[conn]; exists {
			select {
			case ch <- data:
			default:
				// Buffer full: drop message for this specific slow client
			}
		}
	}
}

// ClientCount 当前连接数 (健康检查用)
func (manager *WsManager) ClientCount() int {
	manager.mu.RLock()
	defer manager.mu.RUnlock()
	return len(manager.clients)
}
