package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charging-platform/ocpp-csms/internal/domain/frame"
	"github.com/charging-platform/ocpp-csms/internal/logger"
	"github.com/charging-platform/ocpp-csms/internal/metrics"
	"github.com/charging-platform/ocpp-csms/internal/pending"
)

// 传输名称，运营API响应中原样返回
const (
	NameMQTT      = "MQTT"
	NameWebSocket = "WebSocket"
	NameHTTP      = "HTTP"
)

// ErrNotConnected 充电桩在任何传输上均不在线
var ErrNotConnected = frame.NewCallError(frame.ErrCodeNotConnected, "charger is not connected on any transport")

// InboundHandler 入站消息处理入口
type InboundHandler interface {
	HandleInbound(ctx context.Context, chargerID, deviceSerial string, data []byte) []byte
}

// Adapter 传输适配器统一能力集。
// 适配器只负责组帧与会话绑定，不触碰持久状态。
type Adapter interface {
	Name() string
	Start() error
	Stop() error
	SendCall(ctx context.Context, chargerID, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error)
	IsConnected(chargerID string) bool
}

// Call 出站CALL通用流程：生成UniqueId、登记待回复条目、经write写出，阻塞至回复或超时。
// write失败时撤销登记；ctx取消时同样撤销，迟到回复被注册表丢弃。
func Call(ctx context.Context, reg *pending.Registry, chargerID, action string, payload interface{}, timeout time.Duration, write func(data []byte) error) (json.RawMessage, error) {
	uniqueID := frame.NewUniqueID()
	data, err := frame.EncodeCall(uniqueID, action, payload)
	if err != nil {
		return nil, err
	}

	ch, err := reg.Register(chargerID, uniqueID, action, timeout)
	if err != nil {
		return nil, err
	}
	if err := write(data); err != nil {
		reg.Cancel(uniqueID)
		return nil, err
	}

	select {
	case result := <-ch:
		return result.Payload, result.Err
	case <-ctx.Done():
		reg.Cancel(uniqueID)
		return nil, ctx.Err()
	}
}

// Manager 传输管理器，按固定优先级 MQTT → WebSocket → HTTP 选择在线传输
type Manager struct {
	adapters []Adapter
	logger   *logger.Logger
}

// NewManager 创建传输管理器，adapters需按优先级传入
func NewManager(log *logger.Logger, adapters ...Adapter) *Manager {
	return &Manager{adapters: adapters, logger: log}
}

// Start 依序启动全部适配器，任一失败即停止已启动的并返回错误
func (m *Manager) Start() error {
	for i, a := range m.adapters {
		if err := a.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := m.adapters[j].Stop(); stopErr != nil {
					m.logger.Warnf("Failed to stop %s adapter: %v", m.adapters[j].Name(), stopErr)
				}
			}
			return err
		}
		m.logger.Infof("Transport adapter started: %s", a.Name())
	}
	return nil
}

// Stop 逆序停止全部适配器
func (m *Manager) Stop() {
	for i := len(m.adapters) - 1; i >= 0; i-- {
		if err := m.adapters[i].Stop(); err != nil {
			m.logger.Warnf("Failed to stop %s adapter: %v", m.adapters[i].Name(), err)
		}
	}
}

// AdapterFor 返回该充电桩在线的最高优先级适配器
func (m *Manager) AdapterFor(chargerID string) (Adapter, bool) {
	for _, a := range m.adapters {
		if a.IsConnected(chargerID) {
			return a, true
		}
	}
	return nil, false
}

// IsConnected 充电桩是否在任一传输上在线
func (m *Manager) IsConnected(chargerID string) bool {
	_, ok := m.AdapterFor(chargerID)
	return ok
}

// SendCall 经最高优先级的在线传输发送CALL并等待回复，返回回复payload与所用传输名。
// 无在线传输时返回ErrNotConnected。
func (m *Manager) SendCall(ctx context.Context, chargerID, action string, payload interface{}, timeout time.Duration) (json.RawMessage, string, error) {
	adapter, ok := m.AdapterFor(chargerID)
	if !ok {
		metrics.OutboundCalls.WithLabelValues("none", "not_connected").Inc()
		return nil, "", ErrNotConnected
	}

	result, err := adapter.SendCall(ctx, chargerID, action, payload, timeout)
	if err != nil {
		outcome := "error"
		var callErr *frame.CallError
		if errors.As(err, &callErr) && callErr.Code == frame.ErrCodeRequestTimeout {
			outcome = "timeout"
		}
		metrics.OutboundCalls.WithLabelValues(adapter.Name(), outcome).Inc()
		m.logger.Warnf("Outbound %s to %s via %s failed: %v", action, chargerID, adapter.Name(), err)
		return nil, adapter.Name(), err
	}

	metrics.OutboundCalls.WithLabelValues(adapter.Name(), "ok").Inc()
	return result, adapter.Name(), nil
}
