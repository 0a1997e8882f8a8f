package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charging-platform/ocpp-csms/internal/config"
	"github.com/charging-platform/ocpp-csms/internal/logger"
	"github.com/charging-platform/ocpp-csms/internal/metrics"
	"github.com/charging-platform/ocpp-csms/internal/pending"
	"github.com/charging-platform/ocpp-csms/internal/registry"
	"github.com/charging-platform/ocpp-csms/internal/transport"
)

const (
	// Subprotocol OCPP 1.6 JSON子协议名
	Subprotocol = "ocpp1.6"

	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// ErrSendQueueFull 出站队列已满，连接被视为不可用
var ErrSendQueueFull = errors.New("send queue full")

// Options WebSocket适配器依赖
type Options struct {
	Config         config.WebSocketConfig
	PodID          string
	MaxConnections int
	RegistryTTL    time.Duration
	Handler        transport.InboundHandler
	Pending        *pending.Registry
	Registry       registry.ConnectionRegistry // 可为nil，单实例部署无需共享注册表
	Logger         *logger.Logger
}

// Adapter WebSocket传输适配器。每桩一条连接，路径携带chargerId。
type Adapter struct {
	opts     Options
	upgrader websocket.Upgrader

	mutex       sync.RWMutex
	connections map[string]*connection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type connection struct {
	chargerID string
	conn      *websocket.Conn
	sendChan  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewAdapter 创建WebSocket适配器
func NewAdapter(opts Options) *Adapter {
	if opts.RegistryTTL <= 0 {
		opts.RegistryTTL = 10 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    opts.Config.ReadBufferSize,
			WriteBufferSize:   opts.Config.WriteBufferSize,
			HandshakeTimeout:  opts.Config.HandshakeTimeout,
			Subprotocols:      []string{Subprotocol},
			EnableCompression: opts.Config.EnableCompression,
			CheckOrigin:       func(r *http.Request) bool { return true },
		},
		connections: make(map[string]*connection),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Name 传输名称
func (a *Adapter) Name() string {
	return transport.NameWebSocket
}

// Start 启动适配器。HTTP监听由外部服务器承载，这里无独立资源。
func (a *Adapter) Start() error {
	return nil
}

// Stop 关闭全部连接并等待读写协程退出
func (a *Adapter) Stop() error {
	a.cancel()

	a.mutex.Lock()
	for _, c := range a.connections {
		c.close()
	}
	a.mutex.Unlock()

	a.wg.Wait()
	return nil
}

// ServeWS 处理WebSocket升级请求并接管连接生命周期
func (a *Adapter) ServeWS(w http.ResponseWriter, r *http.Request, chargerID string) {
	if chargerID == "" {
		http.Error(w, "missing charger id", http.StatusBadRequest)
		return
	}
	if a.opts.MaxConnections > 0 && a.connectionCount() >= a.opts.MaxConnections {
		a.opts.Logger.Warnf("Rejecting %s: connection limit %d reached", chargerID, a.opts.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.opts.Logger.Warnf("WebSocket upgrade failed for %s: %v", chargerID, err)
		return
	}

	c := &connection{
		chargerID: chargerID,
		conn:      conn,
		sendChan:  make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
	a.register(c)

	a.wg.Add(2)
	go a.writePump(c)
	go a.readPump(c)
}

// SendCall 经该桩的WebSocket连接发出CALL并等待回复
func (a *Adapter) SendCall(ctx context.Context, chargerID, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	c := a.connectionFor(chargerID)
	if c == nil {
		return nil, transport.ErrNotConnected
	}
	return transport.Call(ctx, a.opts.Pending, chargerID, action, payload, timeout, c.send)
}

// IsConnected 该桩是否有活跃连接
func (a *Adapter) IsConnected(chargerID string) bool {
	return a.connectionFor(chargerID) != nil
}

// ConnectionCount 当前连接数
func (a *Adapter) ConnectionCount() int {
	return a.connectionCount()
}

func (a *Adapter) register(c *connection) {
	a.mutex.Lock()
	old, exists := a.connections[c.chargerID]
	a.connections[c.chargerID] = c
	a.mutex.Unlock()

	// 同桩重连时旧连接让位，在途请求由旧连接的读协程退出时取消
	if exists {
		a.opts.Logger.Warnf("Replacing existing connection for %s", c.chargerID)
		old.close()
	} else {
		metrics.ActiveConnections.WithLabelValues(a.Name()).Inc()
	}

	if a.opts.Registry != nil {
		if err := a.opts.Registry.SetConnection(a.ctx, c.chargerID, a.opts.PodID, a.opts.RegistryTTL); err != nil {
			a.opts.Logger.Warnf("Failed to register connection for %s: %v", c.chargerID, err)
		}
	}
	a.opts.Logger.Infof("WebSocket connected: %s", c.chargerID)
}

// unregister 摘除连接并取消该桩全部在途请求。
// 仅当c仍是注册表中的当前连接时才摘除，避免重连竞态误删新连接。
func (a *Adapter) unregister(c *connection) {
	a.mutex.Lock()
	current, ok := a.connections[c.chargerID]
	if ok && current == c {
		delete(a.connections, c.chargerID)
	} else {
		ok = false
	}
	a.mutex.Unlock()

	c.close()
	if !ok {
		return
	}

	metrics.ActiveConnections.WithLabelValues(a.Name()).Dec()
	a.opts.Pending.CancelCharger(c.chargerID, pending.ErrConnectionClosed)
	if a.opts.Registry != nil {
		if err := a.opts.Registry.DeleteConnection(context.Background(), c.chargerID); err != nil {
			a.opts.Logger.Warnf("Failed to unregister connection for %s: %v", c.chargerID, err)
		}
	}
	a.opts.Logger.Infof("WebSocket disconnected: %s", c.chargerID)
}

func (a *Adapter) readPump(c *connection) {
	defer a.wg.Done()
	defer a.unregister(c)

	c.conn.SetReadLimit(a.opts.Config.MaxMessageSize)
	resetDeadline := func() {
		if a.opts.Config.IdleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(a.opts.Config.IdleTimeout))
		}
	}
	resetDeadline()
	c.conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.opts.Logger.Warnf("WebSocket read error for %s: %v", c.chargerID, err)
			}
			return
		}
		resetDeadline()

		reply := a.opts.Handler.HandleInbound(a.ctx, c.chargerID, "", data)
		if reply == nil {
			continue
		}
		if err := c.send(reply); err != nil {
			a.opts.Logger.Warnf("Failed to queue reply for %s: %v", c.chargerID, err)
			return
		}
	}
}

func (a *Adapter) writePump(c *connection) {
	defer a.wg.Done()

	pingInterval := a.opts.Config.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				a.opts.Logger.Warnf("WebSocket write error for %s: %v", c.chargerID, err)
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (a *Adapter) connectionFor(chargerID string) *connection {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.connections[chargerID]
}

func (a *Adapter) connectionCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return len(a.connections)
}

// send 将数据投入出站队列，连接关闭或队列满时报错
func (c *connection) send(data []byte) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		return ErrSendQueueFull
	}
}

// close 幂等关闭，触发读写协程退出
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
