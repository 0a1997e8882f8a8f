package frame

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/charging-platform/ocpp-csms/internal/domain/ocpp16"
)

// OCPP 1.6 CALLERROR错误代码
const (
	ErrCodeFormationViolation           = "FormationViolation"
	ErrCodeTypeConstraintViolation      = "TypeConstraintViolation"
	ErrCodePropertyConstraintViolation  = "PropertyConstraintViolation"
	ErrCodeOccurrenceConstraintViolation = "OccurrenceConstraintViolation"
	ErrCodeNotSupported                 = "NotSupported"
	ErrCodeInternalError                = "InternalError"
	ErrCodeProtocolError                = "ProtocolError"
	ErrCodeGenericError                 = "GenericError"

	// 内部错误代码，不在线协议中定义，用于出站调用失败
	ErrCodeRequestTimeout   = "RequestTimeout"
	ErrCodeConnectionClosed = "ConnectionClosed"
	ErrCodeNotConnected     = "NotConnected"
)

// Message 解码后的OCPP消息
type Message struct {
	Type             ocpp16.MessageType
	UniqueID         string
	Action           string
	Payload          json.RawMessage
	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
	Legacy           bool // 入站为简化dict格式，回复需保持同样形状
}

// CallError CALLERROR对应的错误值
type CallError struct {
	Code        string
	Description string
	Details     json.RawMessage
}

// Error 实现error接口
func (e *CallError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// NewCallError 构造CallError
func NewCallError(code, description string) *CallError {
	return &CallError{Code: code, Description: description}
}

// FrameError 编解码错误
type FrameError struct {
	Operation string
	Message   string
	Cause     error
}

// Error 实现error接口
func (e FrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failed: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Message)
}

// NewUniqueID 生成出站CALL的唯一消息ID："csms_" + 16位十六进制
func NewUniqueID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "csms_" + hex[:16]
}

// EncodeCall 编码CALL帧 [2, UniqueId, Action, Payload]
func EncodeCall(uniqueID, action string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal([]interface{}{int(ocpp16.Call), uniqueID, action, payload})
	if err != nil {
		return nil, FrameError{Operation: "EncodeCall", Message: "failed to marshal frame", Cause: err}
	}
	return data, nil
}

// EncodeCallResult 编码CALLRESULT帧 [3, UniqueId, Payload]
func EncodeCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal([]interface{}{int(ocpp16.CallResult), uniqueID, payload})
	if err != nil {
		return nil, FrameError{Operation: "EncodeCallResult", Message: "failed to marshal frame", Cause: err}
	}
	return data, nil
}

// EncodeCallError 编码CALLERROR帧 [4, UniqueId, ErrorCode, ErrorDescription, ErrorDetails]
func EncodeCallError(uniqueID, errorCode, errorDescription string, errorDetails interface{}) ([]byte, error) {
	if errorDetails == nil {
		errorDetails = map[string]interface{}{}
	}
	data, err := json.Marshal([]interface{}{int(ocpp16.CallError), uniqueID, errorCode, errorDescription, errorDetails})
	if err != nil {
		return nil, FrameError{Operation: "EncodeCallError", Message: "failed to marshal frame", Cause: err}
	}
	return data, nil
}

// EncodeLegacyResponse 编码简化dict回复 {"action": A, "response": P}
func EncodeLegacyResponse(action string, response interface{}) ([]byte, error) {
	data, err := json.Marshal(map[string]interface{}{
		"action":   action,
		"response": response,
	})
	if err != nil {
		return nil, FrameError{Operation: "EncodeLegacyResponse", Message: "failed to marshal response", Cause: err}
	}
	return data, nil
}

// Decode 解码入站消息：标准4元数组或简化dict {"action","payload"}
func Decode(data []byte) (*Message, error) {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if strings.HasPrefix(trimmed, "{") {
		return decodeLegacy(data)
	}
	return decodeArray(data)
}

// decodeArray 解码标准4元数组帧
func decodeArray(data []byte) (*Message, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, FrameError{Operation: "Decode", Message: "failed to unmarshal JSON array", Cause: err}
	}
	if len(elems) < 3 {
		return nil, FrameError{Operation: "Decode", Message: "message array too short"}
	}

	var msgType int
	if err := json.Unmarshal(elems[0], &msgType); err != nil {
		return nil, FrameError{Operation: "Decode", Message: "failed to parse message type", Cause: err}
	}
	var uniqueID string
	if err := json.Unmarshal(elems[1], &uniqueID); err != nil {
		return nil, FrameError{Operation: "Decode", Message: "failed to parse unique id", Cause: err}
	}

	switch ocpp16.MessageType(msgType) {
	case ocpp16.Call:
		if len(elems) != 4 {
			return nil, FrameError{Operation: "Decode", Message: "CALL must have exactly 4 elements"}
		}
		var action string
		if err := json.Unmarshal(elems[2], &action); err != nil {
			return nil, FrameError{Operation: "Decode", Message: "failed to parse action", Cause: err}
		}
		return &Message{Type: ocpp16.Call, UniqueID: uniqueID, Action: action, Payload: elems[3]}, nil

	case ocpp16.CallResult:
		if len(elems) != 3 {
			return nil, FrameError{Operation: "Decode", Message: "CALLRESULT must have exactly 3 elements"}
		}
		return &Message{Type: ocpp16.CallResult, UniqueID: uniqueID, Payload: elems[2]}, nil

	case ocpp16.CallError:
		if len(elems) < 4 || len(elems) > 5 {
			return nil, FrameError{Operation: "Decode", Message: "CALLERROR must have 4 or 5 elements"}
		}
		var errorCode, errorDescription string
		if err := json.Unmarshal(elems[2], &errorCode); err != nil {
			return nil, FrameError{Operation: "Decode", Message: "failed to parse error code", Cause: err}
		}
		if err := json.Unmarshal(elems[3], &errorDescription); err != nil {
			return nil, FrameError{Operation: "Decode", Message: "failed to parse error description", Cause: err}
		}
		msg := &Message{Type: ocpp16.CallError, UniqueID: uniqueID, ErrorCode: errorCode, ErrorDescription: errorDescription}
		if len(elems) == 5 {
			msg.ErrorDetails = elems[4]
		}
		return msg, nil

	default:
		return nil, FrameError{Operation: "Decode", Message: fmt.Sprintf("invalid message type: %d", msgType)}
	}
}

// decodeLegacy 解码简化dict格式，仅支持入站CALL形状
func decodeLegacy(data []byte) (*Message, error) {
	var legacy struct {
		Action  string          `json:"action"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, FrameError{Operation: "Decode", Message: "failed to unmarshal legacy dict", Cause: err}
	}
	if legacy.Action == "" {
		return nil, FrameError{Operation: "Decode", Message: "legacy dict missing action"}
	}
	payload := legacy.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return &Message{Type: ocpp16.Call, Action: legacy.Action, Payload: payload, Legacy: true}, nil
}
