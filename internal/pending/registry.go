package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charging-platform/ocpp-csms/internal/domain/frame"
	"github.com/charging-platform/ocpp-csms/internal/logger"
	"github.com/charging-platform/ocpp-csms/internal/metrics"
)

// ErrRequestTimeout 出站CALL超时未获回复
var ErrRequestTimeout = frame.NewCallError(frame.ErrCodeRequestTimeout, "request timed out")

// ErrConnectionClosed 传输断开导致在途CALL取消
var ErrConnectionClosed = frame.NewCallError(frame.ErrCodeConnectionClosed, "connection closed")

// ErrDuplicateUniqueID 注册了重复的UniqueId
var ErrDuplicateUniqueID = errors.New("duplicate unique id")

// Result 出站CALL的最终结果，Payload与Err二选一
type Result struct {
	Payload json.RawMessage
	Err     error
}

type entry struct {
	chargerID string
	action    string
	resultCh  chan Result
	deadline  time.Time
	createdAt time.Time
}

// Config 注册表配置
type Config struct {
	DefaultTimeout time.Duration // 调用方未指定时的超时
	SweepInterval  time.Duration // 过期扫描周期
}

// DefaultConfig 默认注册表配置
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout: 5 * time.Second,
		SweepInterval:  250 * time.Millisecond,
	}
}

// Registry 跨传输共享的待回复注册表，按UniqueId关联CALL与CALLRESULT/CALLERROR
type Registry struct {
	mutex   sync.Mutex
	entries map[string]*entry
	config  *Config
	logger  *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry 创建注册表
func NewRegistry(config *Config, log *logger.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		entries: make(map[string]*entry),
		config:  config,
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动过期扫描
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepRoutine()
}

// Stop 停止扫描并以ConnectionClosed取消全部在途请求
func (r *Registry) Stop() {
	r.cancel()
	r.wg.Wait()

	r.mutex.Lock()
	defer r.mutex.Unlock()
	for uniqueID, e := range r.entries {
		e.resultCh <- Result{Err: ErrConnectionClosed}
		delete(r.entries, uniqueID)
	}
	metrics.PendingRequests.Set(0)
}

// Register 登记出站CALL，返回一次性结果通道。
// timeout<=0时使用默认超时。UniqueId在保留窗口内必须唯一。
func (r *Registry) Register(chargerID, uniqueID, action string, timeout time.Duration) (<-chan Result, error) {
	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.entries[uniqueID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateUniqueID, uniqueID)
	}

	now := time.Now()
	e := &entry{
		chargerID: chargerID,
		action:    action,
		resultCh:  make(chan Result, 1),
		deadline:  now.Add(timeout),
		createdAt: now,
	}
	r.entries[uniqueID] = e
	metrics.PendingRequests.Set(float64(len(r.entries)))
	return e.resultCh, nil
}

// Resolve 投递CALLRESULT，首个匹配即消费条目；迟到回复返回false并被丢弃
func (r *Registry) Resolve(uniqueID string, payload json.RawMessage) bool {
	e := r.take(uniqueID)
	if e == nil {
		return false
	}
	metrics.CallRoundTripDuration.WithLabelValues(e.action).Observe(time.Since(e.createdAt).Seconds())
	e.resultCh <- Result{Payload: payload}
	return true
}

// ResolveError 投递CALLERROR或内部错误
func (r *Registry) ResolveError(uniqueID string, err error) bool {
	e := r.take(uniqueID)
	if e == nil {
		return false
	}
	e.resultCh <- Result{Err: err}
	return true
}

// Cancel 调用方主动取消，条目移除后迟到回复将被静默丢弃
func (r *Registry) Cancel(uniqueID string) bool {
	return r.take(uniqueID) != nil
}

// CancelCharger 取消某充电桩的全部在途请求，传输断开时调用
func (r *Registry) CancelCharger(chargerID string, err error) int {
	if err == nil {
		err = ErrConnectionClosed
	}

	r.mutex.Lock()
	var cancelled []*entry
	for uniqueID, e := range r.entries {
		if e.chargerID == chargerID {
			cancelled = append(cancelled, e)
			delete(r.entries, uniqueID)
		}
	}
	metrics.PendingRequests.Set(float64(len(r.entries)))
	r.mutex.Unlock()

	for _, e := range cancelled {
		e.resultCh <- Result{Err: err}
	}
	if len(cancelled) > 0 {
		r.logger.Debugf("Cancelled %d pending requests for charger %s", len(cancelled), chargerID)
	}
	return len(cancelled)
}

// Size 当前在途请求数
func (r *Registry) Size() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.entries)
}

// Drain 优雅停机：等待注册表清空或ctx到期
func (r *Registry) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.Size() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Registry) take(uniqueID string) *entry {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	e, ok := r.entries[uniqueID]
	if !ok {
		return nil
	}
	delete(r.entries, uniqueID)
	metrics.PendingRequests.Set(float64(len(r.entries)))
	return e
}

func (r *Registry) sweepRoutine() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.expire(time.Now())
		}
	}
}

func (r *Registry) expire(now time.Time) {
	r.mutex.Lock()
	var expired []*entry
	for uniqueID, e := range r.entries {
		if now.After(e.deadline) {
			expired = append(expired, e)
			delete(r.entries, uniqueID)
		}
	}
	metrics.PendingRequests.Set(float64(len(r.entries)))
	r.mutex.Unlock()

	for _, e := range expired {
		e.resultCh <- Result{Err: ErrRequestTimeout}
		r.logger.Warnf("Request %s to charger %s timed out", e.action, e.chargerID)
	}
}
