package main

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"

	"chat-client/internal/attachments"
	"chat-client/internal/config"
	"chat-client/internal/control"
	"chat-client/internal/directory"
	"chat-client/internal/history"
	"chat-client/internal/models"
	"chat-client/internal/presence"
	"chat-client/internal/rabbitmq"
	"chat-client/internal/receipts"
	"chat-client/internal/syncer"
	"chat-client/internal/telemetry"
	"chat-client/internal/transport"
)

func main() {
	cfg := config.Load()

	shutdownTracing := initTracing(cfg.OTLPEndpoint)
	defer shutdownTracing()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	log.Printf("telemetry publisher mode=%s reason=%q",
		rabbitmq.PublisherMode(publisher), rabbitmq.PublisherNoopReason(publisher))
	emitter := telemetry.NewAuditEmitter(publisher, cfg.AuditRoutingKey, "chat-client", cfg.Environment)

	fetcher, err := history.NewClient(history.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.Token,
		Locale:  cfg.Locale,
	})
	if err != nil {
		log.Fatalf("failed to build history fetcher: %v", err)
	}

	uploader, err := attachments.NewClient(attachments.Config{
		BaseURL:     cfg.APIBaseURL,
		Token:       cfg.Token,
		Locale:      cfg.Locale,
		MaxSize:     cfg.MaxAttachmentMB << 20,
		AllowedMIME: cfg.AllowedMIMETypes,
	})
	if err != nil {
		log.Fatalf("failed to build attachment uploader: %v", err)
	}

	var sync *syncer.Synchronizer
	conn := transport.NewConn(transport.Config{
		URL:        cfg.SocketURL,
		Token:      cfg.Token,
		Locale:     cfg.Locale,
		QueueLimit: cfg.SendQueueLimit,
		QueueTTL:   cfg.SendQueueTTL,
		Emitter:    emitter,
		OnDrop: func(event string, payload any) {
			if sync != nil {
				sync.HandleDroppedSend(event, payload)
			}
		},
	})

	sync = syncer.New(syncer.Config{
		Transport: conn,
		Fetcher:   fetcher,
		SelfID:    cfg.SelfID,
		PageSize:  cfg.PageSize,
		Tolerance: cfg.MergeTolerance,
	})
	defer sync.Close()

	dir := directory.New(fetcher, cfg.SelfID)
	presenceTracker := presence.NewTracker(conn)
	defer presenceTracker.Close()
	receiptTracker := receipts.NewTracker(conn)
	defer receiptTracker.Close()

	// Cross-component wiring: live messages refresh the directory
	// preview and re-arm the seen state; remote acknowledgements mark
	// the sequence seen; presence mirrors onto directory entries.
	sync.OnMessage(func(msg models.Message) {
		dir.ApplyLiveUpdate(msg)
		receiptTracker.NoteMessage(msg, cfg.SelfID)
	})
	receiptTracker.OnRemoteSeen(func(conversationID string) {
		sync.MarkConversationSeen(conversationID)
	})
	presenceTracker.OnUpdate(func(event models.PresenceEvent) {
		dir.SetOnline(event.UserID, event.Online)
	})

	connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := conn.Connect(connectCtx); err != nil {
		cancel()
		log.Fatalf("failed to connect transport: %v", err)
	}
	cancel()
	defer conn.Close()

	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 15*time.Second)
	if _, err := dir.List(seedCtx, 1, cfg.PageSize); err != nil {
		log.Printf("initial directory load failed: %v", err)
	}
	cancelSeed()
	for _, conv := range dir.Snapshot() {
		if conv.CounterpartID == "" {
			continue
		}
		if err := presenceTracker.Track(conv.CounterpartID); err != nil {
			log.Printf("presence track user=%s failed: %v", conv.CounterpartID, err)
		}
	}

	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("chat-client"))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers := control.New(sync, dir, presenceTracker, receiptTracker, uploader, conn, cfg.PageSize)
	handlers.Register(router)

	log.Printf("control surface listening on %s", cfg.DebugAddr)
	if err := router.Run(cfg.DebugAddr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func initTracing(endpoint string) func() {
	if endpoint == "" {
		return func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		log.Printf("tracing disabled: %v", err)
		return func() {}
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("chat-client"),
		)),
	)
	otel.SetTracerProvider(provider)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Printf("tracer shutdown: %v", err)
		}
	}
}
