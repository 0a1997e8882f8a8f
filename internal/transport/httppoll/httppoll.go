package httppoll

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charging-platform/ocpp-csms/internal/config"
	"github.com/charging-platform/ocpp-csms/internal/domain/frame"
	"github.com/charging-platform/ocpp-csms/internal/domain/ocpp16"
	"github.com/charging-platform/ocpp-csms/internal/logger"
	"github.com/charging-platform/ocpp-csms/internal/pending"
	"github.com/charging-platform/ocpp-csms/internal/transport"
)

const (
	defaultLivenessWindow = 5 * time.Minute
	defaultQueueSize      = 32
)

// ErrQueueFull 该桩的出站队列已满
var ErrQueueFull = errors.New("outbound queue full")

// Options HTTP长轮询适配器依赖
type Options struct {
	Config  config.HTTPPollConfig
	Handler transport.InboundHandler
	Pending *pending.Registry
	Logger  *logger.Logger
}

// PollResponse POST/GET的响应体。Response仅POST返回；Pending为下一条排队的CSMS CALL。
type PollResponse struct {
	Response json.RawMessage `json:"response"`
	Pending  json.RawMessage `json:"pending,omitempty"`
}

type session struct {
	queue    [][]byte
	lastSeen time.Time
}

// Adapter HTTP传输适配器。
// HTTP由桩端发起，CSMS出站CALL进入每桩FIFO队列，随桩的下一次POST/GET带回；
// 回复经待回复注册表按UniqueId关联。桩在存活窗口内有过请求即视为在线。
type Adapter struct {
	opts Options

	mutex    sync.Mutex
	sessions map[string]*session
}

// NewAdapter 创建HTTP长轮询适配器
func NewAdapter(opts Options) *Adapter {
	if opts.Config.LivenessWindow <= 0 {
		opts.Config.LivenessWindow = defaultLivenessWindow
	}
	if opts.Config.QueueSize <= 0 {
		opts.Config.QueueSize = defaultQueueSize
	}
	return &Adapter{opts: opts, sessions: make(map[string]*session)}
}

// Name 传输名称
func (a *Adapter) Name() string {
	return transport.NameHTTP
}

// Start 启动适配器。HTTP监听由外部服务器承载。
func (a *Adapter) Start() error {
	return nil
}

// Stop 清空会话
func (a *Adapter) Stop() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.sessions = make(map[string]*session)
	return nil
}

// SendCall 将CALL压入该桩的出站队列并等待桩经后续POST带回的回复
func (a *Adapter) SendCall(ctx context.Context, chargerID, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	return transport.Call(ctx, a.opts.Pending, chargerID, action, payload, timeout, func(data []byte) error {
		return a.enqueue(chargerID, data)
	})
}

// IsConnected 存活窗口内有过POST/GET即视为在线
func (a *Adapter) IsConnected(chargerID string) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	s, ok := a.sessions[chargerID]
	return ok && time.Since(s.lastSeen) <= a.opts.Config.LivenessWindow
}

// HandlePost 处理桩的POST：调度入站消息，携带下一条排队CALL。
// 消息类型既非CALL也非CALLRESULT/CALLERROR时按协议错误回应。
func (a *Adapter) HandlePost(ctx context.Context, chargerID string, body []byte) *PollResponse {
	a.touch(chargerID)

	var response json.RawMessage
	if invalid, errFrame := invalidMessageType(body); invalid {
		a.opts.Logger.Warnf("Invalid message type from %s over HTTP", chargerID)
		response = errFrame
	} else {
		response = a.opts.Handler.HandleInbound(ctx, chargerID, "", body)
	}

	return &PollResponse{
		Response: response,
		Pending:  a.dequeue(chargerID),
	}
}

// HandleGet 处理桩的轮询：只取下一条排队CALL
func (a *Adapter) HandleGet(ctx context.Context, chargerID string) *PollResponse {
	a.touch(chargerID)
	return &PollResponse{Pending: a.dequeue(chargerID)}
}

// QueueLength 该桩当前排队的出站CALL数
func (a *Adapter) QueueLength(chargerID string) int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	s, ok := a.sessions[chargerID]
	if !ok {
		return 0
	}
	return len(s.queue)
}

func (a *Adapter) enqueue(chargerID string, data []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	s := a.session(chargerID)
	if len(s.queue) >= a.opts.Config.QueueSize {
		return ErrQueueFull
	}
	s.queue = append(s.queue, data)
	return nil
}

func (a *Adapter) dequeue(chargerID string) json.RawMessage {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	s, ok := a.sessions[chargerID]
	if !ok || len(s.queue) == 0 {
		return nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next
}

func (a *Adapter) touch(chargerID string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.session(chargerID).lastSeen = time.Now()
}

// session 调用方必须持有a.mutex
func (a *Adapter) session(chargerID string) *session {
	s, ok := a.sessions[chargerID]
	if !ok {
		s = &session{}
		a.sessions[chargerID] = s
	}
	return s
}

// invalidMessageType 识别消息类型非法的数组帧并构造协议错误回应
func invalidMessageType(body []byte) (bool, json.RawMessage) {
	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil || len(elems) == 0 {
		return false, nil // 非数组帧交由调度器处理
	}
	var msgType int
	if err := json.Unmarshal(elems[0], &msgType); err != nil {
		return false, nil
	}
	switch ocpp16.MessageType(msgType) {
	case ocpp16.Call, ocpp16.CallResult, ocpp16.CallError:
		return false, nil
	}
	errFrame, err := frame.EncodeCallError("", frame.ErrCodeProtocolError, "Invalid MessageType", nil)
	if err != nil {
		return false, nil
	}
	return true, errFrame
}
