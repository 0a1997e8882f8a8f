package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"

	"github.com/charging-platform/ocpp-csms/internal/credentials"
	"github.com/charging-platform/ocpp-csms/internal/logger"
	"github.com/charging-platform/ocpp-csms/internal/transport"
	"github.com/charging-platform/ocpp-csms/internal/transport/httppoll"
	"github.com/charging-platform/ocpp-csms/internal/transport/websocket"
)

// Options API服务器依赖
type Options struct {
	Manager     *transport.Manager
	Verifier    *credentials.Verifier // nil表示桩侧入口不校验凭证
	WebSocket   *websocket.Adapter    // nil表示传输未启用
	HTTPPoll    *httppoll.Adapter     // nil表示传输未启用
	CallTimeout time.Duration
	Logger      *logger.Logger
}

// Server 运营API与桩侧HTTP/WebSocket入口
type Server struct {
	engine *gin.Engine
	opts   Options
}

// NewServer 创建API服务器并注册全部路由
func NewServer(opts Options) *Server {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, opts: opts}
	s.registerRoutes()
	return s
}

// Engine 返回gin引擎，由外部http.Server承载
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	// 桩侧入口：同一路径承载WebSocket升级与HTTP长轮询
	s.engine.GET("/ocpp/:chargerId", s.handleChargerGet)
	s.engine.POST("/ocpp/:chargerId", s.handleChargerPost)

	ocpp := s.engine.Group("/api/v1/ocpp")
	{
		ocpp.POST("/remote-start-transaction", s.handleRemoteStart)
		ocpp.POST("/remote-stop-transaction", s.handleRemoteStop)
		ocpp.POST("/change-configuration", s.handleChangeConfiguration)
		ocpp.POST("/get-configuration", s.handleGetConfiguration)
		ocpp.POST("/reset", s.handleReset)
		ocpp.POST("/unlock-connector", s.handleUnlockConnector)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeCharger 校验桩侧请求携带的Basic凭证。
// 未携带凭证时放行，设备身份最终以入站消息内容为准。
func (s *Server) authorizeCharger(c *gin.Context) bool {
	if s.opts.Verifier == nil {
		return true
	}
	username, password, ok := c.Request.BasicAuth()
	if !ok {
		return true
	}
	if err := s.opts.Verifier.AuthenticateBasic(c.Request.Context(), username, password); err != nil {
		s.opts.Logger.Warnf("Charger authentication failed for %s: %v", username, err)
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "authentication failed"})
		return false
	}
	return true
}

// handleChargerGet WebSocket升级请求交给WS适配器，其余按长轮询处理
func (s *Server) handleChargerGet(c *gin.Context) {
	chargerID := c.Param("chargerId")
	if !s.authorizeCharger(c) {
		return
	}

	if gorilla.IsWebSocketUpgrade(c.Request) {
		if s.opts.WebSocket == nil {
			c.JSON(http.StatusNotFound, gin.H{"detail": "websocket transport disabled"})
			return
		}
		s.opts.WebSocket.ServeWS(c.Writer, c.Request, chargerID)
		return
	}

	if s.opts.HTTPPoll == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "http transport disabled"})
		return
	}
	c.JSON(http.StatusOK, s.opts.HTTPPoll.HandleGet(c.Request.Context(), chargerID))
}

func (s *Server) handleChargerPost(c *gin.Context) {
	if !s.authorizeCharger(c) {
		return
	}
	if s.opts.HTTPPoll == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "http transport disabled"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "failed to read body"})
		return
	}
	c.JSON(http.StatusOK, s.opts.HTTPPoll.HandlePost(c.Request.Context(), c.Param("chargerId"), body))
}
