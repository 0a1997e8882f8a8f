package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charging-platform/ocpp-csms/internal/domain/frame"
	"github.com/charging-platform/ocpp-csms/internal/domain/ocpp16"
	"github.com/charging-platform/ocpp-csms/internal/logger"
	"github.com/charging-platform/ocpp-csms/internal/metrics"
	"github.com/charging-platform/ocpp-csms/internal/pending"
	"github.com/charging-platform/ocpp-csms/internal/store"
)

// Config 调度器配置
type Config struct {
	HeartbeatInterval time.Duration // BootNotification回复中的心跳间隔
	IdempotencyWindow time.Duration // StartTransaction重试去重窗口
}

// DefaultConfig 默认调度器配置
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: 60 * time.Second,
		IdempotencyWindow: 10 * time.Second,
	}
}

// EventSink 设备事件下游投递接口，nil表示不投递
type EventSink interface {
	Publish(event *store.DeviceEvent)
}

// Dispatcher OCPP动作调度器。
// 入站CALL按充电桩串行处理，CALLRESULT/CALLERROR按UniqueId只消费一次。
type Dispatcher struct {
	store     store.Store
	validator *Validator
	pending   *pending.Registry
	sink      EventSink
	config    *Config
	logger    *logger.Logger

	lockMutex    sync.Mutex
	chargerLocks map[string]*chargerLock
}

// chargerLock 带引用计数的充电桩串行锁，最后一个持有者释放时从表中摘除
type chargerLock struct {
	mutex sync.Mutex
	refs  int
}

// NewDispatcher 创建调度器
func NewDispatcher(st store.Store, reg *pending.Registry, sink EventSink, config *Config, log *logger.Logger) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	return &Dispatcher{
		store:        st,
		validator:    NewValidator(),
		pending:      reg,
		sink:         sink,
		config:       config,
		logger:       log,
		chargerLocks: make(map[string]*chargerLock),
	}
}

// HandleInbound 处理一条入站消息，返回应回写给充电桩的字节，无需回复时返回nil。
// deviceSerial为MQTT层已认证的设备SN，WebSocket/HTTP传输传空串。
func (d *Dispatcher) HandleInbound(ctx context.Context, chargerID, deviceSerial string, data []byte) []byte {
	msg, err := frame.Decode(data)
	if err != nil {
		metrics.InboundMessages.WithLabelValues("unknown", "decode_error").Inc()
		if uniqueID := recoverUniqueID(data); uniqueID != "" {
			d.logger.Warnf("Malformed frame from %s: %v", chargerID, err)
			return encodeError(uniqueID, frame.ErrCodeFormationViolation, "malformed message")
		}
		d.logger.Warnf("Dropping undecodable frame from %s: %v", chargerID, err)
		return nil
	}

	switch msg.Type {
	case ocpp16.Call:
		return d.handleCall(ctx, chargerID, deviceSerial, msg)

	case ocpp16.CallResult:
		if !d.pending.Resolve(msg.UniqueID, msg.Payload) {
			d.logger.Debugf("Dropping late CALLRESULT %s from %s", msg.UniqueID, chargerID)
		}
		metrics.InboundMessages.WithLabelValues("CallResult", "ok").Inc()
		return nil

	case ocpp16.CallError:
		callErr := &frame.CallError{
			Code:        msg.ErrorCode,
			Description: msg.ErrorDescription,
			Details:     msg.ErrorDetails,
		}
		if !d.pending.ResolveError(msg.UniqueID, callErr) {
			d.logger.Debugf("Dropping late CALLERROR %s from %s", msg.UniqueID, chargerID)
		}
		metrics.InboundMessages.WithLabelValues("CallError", "ok").Inc()
		return nil
	}
	return nil
}

// handleCall 处理入站CALL，同一充电桩的CALL串行执行
func (d *Dispatcher) handleCall(ctx context.Context, chargerID, deviceSerial string, msg *frame.Message) []byte {
	lock := d.acquireChargerLock(chargerID)
	defer d.releaseChargerLock(chargerID, lock)

	action := ocpp16.Action(msg.Action)
	payload := ocpp16.RequestPayload(action)
	if payload == nil {
		metrics.InboundMessages.WithLabelValues(msg.Action, "not_supported").Inc()
		return d.encodeReplyError(msg, frame.ErrCodeNotSupported, "unsupported action: "+msg.Action)
	}

	if err := json.Unmarshal(msg.Payload, payload); err != nil {
		metrics.InboundMessages.WithLabelValues(msg.Action, "parse_error").Inc()
		return d.encodeReplyError(msg, CallErrorCode(err), "invalid payload: "+err.Error())
	}
	if err := d.validator.ValidateStruct(payload); err != nil {
		metrics.InboundMessages.WithLabelValues(msg.Action, "validation_error").Inc()
		return d.encodeReplyError(msg, CallErrorCode(err), err.Error())
	}

	reply, err := d.dispatchAction(ctx, chargerID, deviceSerial, action, payload)
	if err != nil {
		metrics.InboundMessages.WithLabelValues(msg.Action, "handler_error").Inc()
		var callErr *frame.CallError
		if errors.As(err, &callErr) {
			return d.encodeReplyError(msg, callErr.Code, callErr.Description)
		}
		d.logger.ErrorWithErr(err, "Handler failed for "+msg.Action+" from "+chargerID)
		return d.encodeReplyError(msg, frame.ErrCodeInternalError, "internal error")
	}

	metrics.InboundMessages.WithLabelValues(msg.Action, "ok").Inc()
	return d.encodeReply(msg, reply)
}

// dispatchAction 路由到具体handler，panic在此边界转换为InternalError
func (d *Dispatcher) dispatchAction(ctx context.Context, chargerID, deviceSerial string, action ocpp16.Action, payload interface{}) (reply interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("Handler panic for %s from %s: %v", action, chargerID, r)
			reply = nil
			err = frame.NewCallError(frame.ErrCodeInternalError, "internal error")
		}
	}()

	switch action {
	case ocpp16.ActionBootNotification:
		return d.handleBootNotification(ctx, chargerID, deviceSerial, payload.(*ocpp16.BootNotificationRequest))
	case ocpp16.ActionHeartbeat:
		return d.handleHeartbeat(ctx, chargerID, deviceSerial)
	case ocpp16.ActionStatusNotification:
		return d.handleStatusNotification(ctx, chargerID, payload.(*ocpp16.StatusNotificationRequest))
	case ocpp16.ActionAuthorize:
		return d.handleAuthorize(ctx, chargerID, payload.(*ocpp16.AuthorizeRequest))
	case ocpp16.ActionStartTransaction:
		return d.handleStartTransaction(ctx, chargerID, payload.(*ocpp16.StartTransactionRequest))
	case ocpp16.ActionStopTransaction:
		return d.handleStopTransaction(ctx, chargerID, payload.(*ocpp16.StopTransactionRequest))
	case ocpp16.ActionMeterValues:
		return d.handleMeterValues(ctx, chargerID, payload.(*ocpp16.MeterValuesRequest))
	case ocpp16.ActionDataTransfer:
		return d.handleDataTransfer(ctx, chargerID, payload.(*ocpp16.DataTransferRequest))
	default:
		return nil, frame.NewCallError(frame.ErrCodeNotSupported, "unsupported action: "+string(action))
	}
}

// encodeReply 按入站帧的格式编码正常回复
func (d *Dispatcher) encodeReply(msg *frame.Message, reply interface{}) []byte {
	var data []byte
	var err error
	if msg.Legacy {
		data, err = frame.EncodeLegacyResponse(msg.Action, reply)
	} else {
		data, err = frame.EncodeCallResult(msg.UniqueID, reply)
	}
	if err != nil {
		d.logger.ErrorWithErr(err, "Failed to encode reply for "+msg.Action)
		return nil
	}
	return data
}

// encodeReplyError 按入站帧的格式编码错误回复
func (d *Dispatcher) encodeReplyError(msg *frame.Message, code, description string) []byte {
	if msg.Legacy {
		data, err := frame.EncodeLegacyResponse(msg.Action, map[string]string{
			"errorCode":        code,
			"errorDescription": description,
		})
		if err != nil {
			return nil
		}
		return data
	}
	return encodeError(msg.UniqueID, code, description)
}

func encodeError(uniqueID, code, description string) []byte {
	data, err := frame.EncodeCallError(uniqueID, code, description, nil)
	if err != nil {
		return nil
	}
	return data
}

// recoverUniqueID 从无法完整解码的数组帧中尽力提取UniqueId
func recoverUniqueID(data []byte) string {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil || len(elems) < 2 {
		return ""
	}
	var uniqueID string
	if err := json.Unmarshal(elems[1], &uniqueID); err != nil {
		return ""
	}
	return uniqueID
}

func (d *Dispatcher) acquireChargerLock(chargerID string) *chargerLock {
	d.lockMutex.Lock()
	lock, ok := d.chargerLocks[chargerID]
	if !ok {
		lock = &chargerLock{}
		d.chargerLocks[chargerID] = lock
	}
	lock.refs++
	d.lockMutex.Unlock()

	lock.mutex.Lock()
	return lock
}

func (d *Dispatcher) releaseChargerLock(chargerID string, lock *chargerLock) {
	lock.mutex.Unlock()

	d.lockMutex.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(d.chargerLocks, chargerID)
	}
	d.lockMutex.Unlock()
}
