package main

import (
	"context"
	"strings"
	"time"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/handlers"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/hypervisor"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/lifecycle"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/machines"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/metrics"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/payloads"
	ws "github.com/Cherry-VM-Studio/Cherry-VM-Studio/internal/websocket"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/config"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/database"
	dbsql "github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/database/sql"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/kafka"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/logging"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/monitoring"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/server"
	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("cherryd")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting cherryd (Cherry VM Studio API)")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("cherryd", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("cherryd", version.Version, version.GitCommit)

	// Create custom metrics
	serviceMetrics := &metrics.Metrics{
		SessionsActive:    metricsCollector.NewGauge("websocket_sessions_active", "Active WebSocket sessions", []string{"scope"}),
		MessagesSent:      metricsCollector.NewCounter("websocket_messages_sent_total", "WebSocket messages sent", []string{"scope", "type"}),
		MessagesDropped:   metricsCollector.NewCounter("websocket_messages_dropped_total", "WebSocket messages dropped on full queues", []string{"scope", "type"}),
		SessionsPruned:    metricsCollector.NewCounter("websocket_sessions_pruned_total", "Dead WebSocket sessions pruned", []string{"scope"}),
		BroadcastDuration: metricsCollector.NewHistogram("broadcast_pass_duration_seconds", "Broadcast pass duration", []string{"scope", "kind"}, nil),
	}
	serviceMetrics.HypervisorCalls, serviceMetrics.HypervisorDuration = metricsCollector.CreateHypervisorMetrics()
	serviceMetrics.KafkaMessages, serviceMetrics.KafkaDuration, serviceMetrics.KafkaLag = metricsCollector.CreateKafkaMetrics()

	// Auth and service configuration
	jwtSecret := []byte(config.RequireEnv("JWT_SECRET"))
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Connect machine directory
	dbConfig := database.DefaultConfig()
	dbConfig.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(context.Background(), db, dbsql.Content, "schema", logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	// Connect hypervisor
	libvirtURI := config.GetEnv("LIBVIRT_URI", "qemu:///system")
	hv, err := hypervisor.ConnectLibvirt(libvirtURI, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to hypervisor")
	}
	defer hv.Close()

	// Directory, payload providers and the three subscription scopes
	store := machines.NewStore(db, logger)
	loading := machines.NewLoadingTracker()
	providers := payloads.NewProviders(hv, store, loading, logger)

	machineScope := ws.NewScope("machine",
		func(ctx context.Context, machineUUID string) ([]string, error) {
			return []string{machineUUID}, nil
		},
		[]ws.Kind{ws.KindState, ws.KindDisks}, false, providers, logger, serviceMetrics)
	accountScope := ws.NewScope("account",
		func(ctx context.Context, userUUID string) ([]string, error) {
			return store.UserMachineIDs(ctx, userUUID)
		},
		[]ws.Kind{ws.KindState, ws.KindDisks, ws.KindConnections}, true, providers, logger, serviceMetrics)
	globalScope := ws.NewScope("global",
		func(ctx context.Context, _ struct{}) ([]string, error) {
			return store.AllMachineIDs(ctx)
		},
		[]ws.Kind{ws.KindState, ws.KindDisks}, true, providers, logger, serviceMetrics)

	intervals := ws.Intervals{
		State:       config.GetEnvDuration("WS_STATE_INTERVAL", time.Second),
		Disks:       config.GetEnvDuration("WS_DISK_INTERVAL", 120*time.Second),
		Connections: config.GetEnvDuration("WS_CONNECTIONS_INTERVAL", 10*time.Second),
	}
	broadcaster := ws.NewBroadcaster(
		[]ws.ScopeRunner{machineScope, accountScope, globalScope}, intervals, logger)
	orchestrator := ws.NewOrchestrator(machineScope, accountScope, globalScope, store, providers, broadcaster, logger)
	connections := ws.NewConnectionManager()

	// Lifecycle manager
	lifecycleCfg := lifecycle.DefaultConfig()
	lifecycleCfg.DiskRoot = config.GetEnv("DISK_ROOT", lifecycleCfg.DiskRoot)
	lifecycleCfg.Network = config.GetEnv("LIBVIRT_NETWORK", lifecycleCfg.Network)
	manager := lifecycle.NewManager(hv, store, loading, orchestrator, lifecycleCfg, logger)

	// HTTP surface
	handlerCfg := handlers.Config{
		JWTSecret:      jwtSecret,
		SendQueue:      config.GetEnvInt("WS_SEND_QUEUE", ws.DefaultSendQueue),
		AllowedOrigins: config.GetEnvStringSlice("WS_ALLOWED_ORIGINS", []string{"*"}),
	}
	apiHandlers := handlers.NewHandlers(manager, store, orchestrator, connections, handlerCfg, logger, serviceMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional kafka ingest for agent-originated lifecycle events
	brokersEnv := config.GetEnv("KAFKA_BROKERS", "")
	if brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		groupID := config.GetEnv("KAFKA_GROUP", "cherryd")
		topic := config.GetEnv("TOPIC_MACHINE_EVENTS", "cherry.machine.events")

		consumer, err := kafka.NewConsumer(brokers, groupID, "cherryd", logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Kafka consumer")
		}
		defer consumer.Close()
		consumer.AddHandler(topic, apiHandlers.HandleMachineEvent)

		producer, err := kafka.NewProducer(brokers, "cherryd", logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Kafka producer")
		}
		defer producer.Close()
		apiHandlers.SetDeadLetter(producer, config.GetEnv("KAFKA_DLQ_TOPIC", topic+".dlq"))

		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.WithError(err).Error("Kafka consumer error")
			}
		}()

		healthChecker.AddCheck("kafka", monitoring.KafkaConsumerHealthCheck(consumer.GetClient()))
		logger.WithFields(logging.Fields{"topic": topic}).Info("Kafka lifecycle ingest enabled")
	} else {
		logger.Info("KAFKA_BROKERS unset, lifecycle event ingest disabled")
	}

	// Health checks
	healthChecker.AddCheck("postgres", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("hypervisor", monitoring.HypervisorHealthCheck(hv))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbConfig.URL,
		"LIBVIRT_URI":  libvirtURI,
	}))

	// Start broadcast loops
	orchestrator.StartBroadcasts(ctx)
	defer orchestrator.StopBroadcasts()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "cherryd", healthChecker, metricsCollector)
	handlers.RegisterRoutes(router, apiHandlers, jwtSecret, serviceToken)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("cherryd", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
