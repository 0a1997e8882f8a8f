package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/charging-platform/ocpp-csms/internal/domain/frame"
	"github.com/charging-platform/ocpp-csms/internal/domain/ocpp16"
)

// RemoteStartRequest 远程启动充电请求
type RemoteStartRequest struct {
	ChargePointID  string `json:"chargePointId" binding:"required"`
	IdTag          string `json:"idTag" binding:"required,max=20"`
	ConnectorID    *int   `json:"connectorId,omitempty" binding:"omitempty,min=1"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" binding:"omitempty,min=1,max=300"`
}

// RemoteStopRequest 远程停止充电请求
type RemoteStopRequest struct {
	ChargePointID  string `json:"chargePointId" binding:"required"`
	TransactionID  int    `json:"transactionId" binding:"required"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" binding:"omitempty,min=1,max=300"`
}

// ChangeConfigurationRequest 修改桩配置请求
type ChangeConfigurationRequest struct {
	ChargePointID  string `json:"chargePointId" binding:"required"`
	Key            string `json:"key" binding:"required,max=50"`
	Value          string `json:"value" binding:"required,max=500"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" binding:"omitempty,min=1,max=300"`
}

// GetConfigurationRequest 查询桩配置请求
type GetConfigurationRequest struct {
	ChargePointID  string   `json:"chargePointId" binding:"required"`
	Keys           []string `json:"keys,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty" binding:"omitempty,min=1,max=300"`
}

// ResetChargePointRequest 重启桩请求
type ResetChargePointRequest struct {
	ChargePointID  string `json:"chargePointId" binding:"required"`
	Type           string `json:"type" binding:"required,oneof=Hard Soft"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" binding:"omitempty,min=1,max=300"`
}

// UnlockConnectorRequest 解锁连接器请求
type UnlockConnectorRequest struct {
	ChargePointID  string `json:"chargePointId" binding:"required"`
	ConnectorID    int    `json:"connectorId" binding:"required,min=1"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" binding:"omitempty,min=1,max=300"`
}

// CallResponse 运营接口统一响应
type CallResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Transport string          `json:"transport,omitempty"`
}

func (s *Server) handleRemoteStart(c *gin.Context) {
	var req RemoteStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.sendCall(c, req.ChargePointID, ocpp16.ActionRemoteStartTransaction, &ocpp16.RemoteStartTransactionRequest{
		IdTag:       req.IdTag,
		ConnectorId: req.ConnectorID,
	}, req.TimeoutSeconds)
}

func (s *Server) handleRemoteStop(c *gin.Context) {
	var req RemoteStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.sendCall(c, req.ChargePointID, ocpp16.ActionRemoteStopTransaction, &ocpp16.RemoteStopTransactionRequest{
		TransactionId: req.TransactionID,
	}, req.TimeoutSeconds)
}

func (s *Server) handleChangeConfiguration(c *gin.Context) {
	var req ChangeConfigurationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.sendCall(c, req.ChargePointID, ocpp16.ActionChangeConfiguration, &ocpp16.ChangeConfigurationRequest{
		Key:   req.Key,
		Value: req.Value,
	}, req.TimeoutSeconds)
}

func (s *Server) handleGetConfiguration(c *gin.Context) {
	var req GetConfigurationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.sendCall(c, req.ChargePointID, ocpp16.ActionGetConfiguration, &ocpp16.GetConfigurationRequest{
		Key: req.Keys,
	}, req.TimeoutSeconds)
}

func (s *Server) handleReset(c *gin.Context) {
	var req ResetChargePointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.sendCall(c, req.ChargePointID, ocpp16.ActionReset, &ocpp16.ResetRequest{
		Type: ocpp16.ResetType(req.Type),
	}, req.TimeoutSeconds)
}

func (s *Server) handleUnlockConnector(c *gin.Context) {
	var req UnlockConnectorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.sendCall(c, req.ChargePointID, ocpp16.ActionUnlockConnector, &ocpp16.UnlockConnectorRequest{
		ConnectorId: req.ConnectorID,
	}, req.TimeoutSeconds)
}

// sendCall 经传输管理器下发CALL并把结果映射为HTTP响应。
// 离线503，超时504，桩侧CALLERROR502，其余500。
func (s *Server) sendCall(c *gin.Context, chargerID string, action ocpp16.Action, payload interface{}, timeoutSeconds int) {
	timeout := s.opts.CallTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}

	data, transportName, err := s.opts.Manager.SendCall(c.Request.Context(), chargerID, string(action), payload, timeout)
	if err != nil {
		status := http.StatusInternalServerError
		detail := err.Error()
		var callErr *frame.CallError
		if errors.As(err, &callErr) {
			switch callErr.Code {
			case frame.ErrCodeNotConnected:
				status = http.StatusServiceUnavailable
			case frame.ErrCodeRequestTimeout:
				status = http.StatusGatewayTimeout
			default:
				status = http.StatusBadGateway
			}
		}
		c.JSON(status, gin.H{"detail": detail, "transport": transportName})
		return
	}

	c.JSON(http.StatusOK, CallResponse{Success: true, Data: data, Transport: transportName})
}
