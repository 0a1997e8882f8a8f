package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charging-platform/ocpp-csms/internal/api"
	"github.com/charging-platform/ocpp-csms/internal/config"
	"github.com/charging-platform/ocpp-csms/internal/credentials"
	"github.com/charging-platform/ocpp-csms/internal/dispatch"
	"github.com/charging-platform/ocpp-csms/internal/events"
	"github.com/charging-platform/ocpp-csms/internal/logger"
	"github.com/charging-platform/ocpp-csms/internal/pending"
	"github.com/charging-platform/ocpp-csms/internal/registry"
	"github.com/charging-platform/ocpp-csms/internal/store"
	"github.com/charging-platform/ocpp-csms/internal/transport"
	"github.com/charging-platform/ocpp-csms/internal/transport/httppoll"
	"github.com/charging-platform/ocpp-csms/internal/transport/mqtt"
	"github.com/charging-platform/ocpp-csms/internal/transport/websocket"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径，留空则按默认位置查找")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Async:  cfg.Log.Async,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Info("Logger initialized")

	// 3. 初始化持久化存储
	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	log.Info("Database initialized")

	// 4. 初始化设备凭证组件
	cipher, err := credentials.NewCipher(cfg.Security.EncryptionKey, cfg.Security.EncryptionSalt)
	if err != nil {
		log.Fatalf("Failed to initialize credential cipher: %v", err)
	}
	verifier := credentials.NewVerifier(st, cipher, log)
	log.Info("Credential verifier initialized")

	// 5. 初始化连接注册表（多实例部署用Redis镜像，否则进程内）
	var connRegistry registry.ConnectionRegistry
	if cfg.Redis.Enabled {
		connRegistry, err = registry.NewRedisRegistry(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to initialize Redis connection registry: %v", err)
		}
		log.Infof("Redis connection registry initialized: %s", cfg.Redis.Addr)
	} else {
		connRegistry = registry.NewMemoryRegistry()
		log.Info("In-memory connection registry initialized")
	}

	// 6. 初始化Kafka事件生产者与指令消费者（可选）
	var sink dispatch.EventSink
	var producer *events.Producer
	var consumer *events.Consumer
	if cfg.Kafka.Enabled {
		producer, err = events.NewProducer(cfg.Kafka, log)
		if err != nil {
			log.Fatalf("Failed to initialize Kafka producer: %v", err)
		}
		sink = producer
		consumer, err = events.NewConsumer(cfg.Kafka, cfg.PodID, log)
		if err != nil {
			log.Fatalf("Failed to initialize Kafka consumer: %v", err)
		}
		log.Infof("Kafka initialized with brokers: %v", cfg.Kafka.Brokers)
	}

	// 7. 初始化待回复注册表
	pendingReg := pending.NewRegistry(&pending.Config{
		DefaultTimeout: cfg.OCPP.CallTimeout,
		SweepInterval:  250 * time.Millisecond,
	}, log)
	pendingReg.Start()
	log.Info("Pending-response registry started")

	// 8. 初始化OCPP调度器
	dispatcher := dispatch.NewDispatcher(st, pendingReg, sink, &dispatch.Config{
		HeartbeatInterval: cfg.OCPP.HeartbeatInterval,
		IdempotencyWindow: cfg.OCPP.IdempotencyWindow,
	}, log)
	log.Info("OCPP dispatcher initialized")

	// 9. 按启用开关装配传输适配器，优先级 MQTT → WebSocket → HTTP
	var adapters []transport.Adapter
	var wsAdapter *websocket.Adapter
	var pollAdapter *httppoll.Adapter

	if cfg.MQTT.Enabled {
		adapters = append(adapters, mqtt.NewAdapter(mqtt.Options{
			Config:      cfg.MQTT,
			PodID:       cfg.PodID,
			RegistryTTL: cfg.Redis.ConnTTL,
			Handler:     dispatcher,
			Pending:     pendingReg,
			Registry:    connRegistry,
			Store:       st,
			Verifier:    verifier,
			Logger:      log,
		}))
	}
	if cfg.WebSocket.Enabled {
		wsAdapter = websocket.NewAdapter(websocket.Options{
			Config:         cfg.WebSocket,
			PodID:          cfg.PodID,
			MaxConnections: cfg.Server.MaxConnections,
			RegistryTTL:    cfg.Redis.ConnTTL,
			Handler:        dispatcher,
			Pending:        pendingReg,
			Registry:       connRegistry,
			Logger:         log,
		})
		adapters = append(adapters, wsAdapter)
	}
	if cfg.HTTPPoll.Enabled {
		pollAdapter = httppoll.NewAdapter(httppoll.Options{
			Config:  cfg.HTTPPoll,
			Handler: dispatcher,
			Pending: pendingReg,
			Logger:  log,
		})
		adapters = append(adapters, pollAdapter)
	}

	manager := transport.NewManager(log, adapters...)
	if err := manager.Start(); err != nil {
		log.Fatalf("Failed to start transport adapters: %v", err)
	}
	log.Infof("Transport manager started with %d adapters", len(adapters))

	// 10. 启动Kafka指令消费（外部系统经命令topic下发OCPP指令）
	if consumer != nil {
		commandHandler := func(cmd *events.Command) {
			timeout := cfg.OCPP.CallTimeout
			if cmd.TimeoutSeconds > 0 {
				timeout = time.Duration(cmd.TimeoutSeconds) * time.Second
			}
			var payload interface{} = map[string]interface{}{}
			if len(cmd.Payload) > 0 {
				payload = json.RawMessage(cmd.Payload)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
			defer cancel()
			_, transportName, err := manager.SendCall(ctx, cmd.ChargePointID, cmd.Action, payload, timeout)
			if err != nil {
				log.Errorf("Command %s to %s failed: %v", cmd.Action, cmd.ChargePointID, err)
				return
			}
			log.Infof("Command %s to %s delivered via %s", cmd.Action, cmd.ChargePointID, transportName)
		}
		if err := consumer.Start(commandHandler); err != nil {
			log.Fatalf("Failed to start Kafka consumer: %v", err)
		}
		log.Info("Kafka command consumer started")
	}

	// 11. 启动监控服务器
	if cfg.Metrics.Enabled {
		go startMetricsServer(cfg.GetMetricsAddr(), log)
	}

	// 12. 启动主HTTP服务器（运营API + WebSocket升级 + HTTP长轮询）
	apiServer := api.NewServer(api.Options{
		Manager:     manager,
		Verifier:    verifier,
		WebSocket:   wsAdapter,
		HTTPPoll:    pollAdapter,
		CallTimeout: cfg.OCPP.CallTimeout,
		Logger:      log,
	})
	httpServer := &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      apiServer.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Infof("Server listening on %s", cfg.GetServerAddr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	log.Info("CSMS started successfully")

	// 13. 优雅停机：停止接入 → 排空在途请求 → 关闭传输与外设
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Errorf("Error shutting down HTTP server: %v", err)
	}
	if err := pendingReg.Drain(ctx); err != nil {
		log.Warnf("Pending requests not drained: %v", err)
	}
	manager.Stop()
	pendingReg.Stop()

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Errorf("Error closing Kafka consumer: %v", err)
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("Error closing Kafka producer: %v", err)
		}
	}
	if err := connRegistry.Close(); err != nil {
		log.Errorf("Error closing connection registry: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Errorf("Error closing database: %v", err)
	}
	log.Info("Server gracefully stopped")
}

// startMetricsServer 启动Prometheus监控端点
func startMetricsServer(addr string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Infof("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("Metrics server failed: %v", err)
	}
}
