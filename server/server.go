package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"khisima/config"
	"khisima/handlers"
	"khisima/kafka"
	"khisima/limiter"
	"khisima/logger"
	custommiddleware "khisima/middleware"
	"khisima/models"
	"khisima/protocol"
	"khisima/redis"
	"khisima/services"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type Server struct {
	Echo   *echo.Echo
	DB     *gorm.DB
	Config *config.Config
	Log    *logger.Logger

	Hub         *handlers.AgentHub
	Writer      *services.MessageWriter
	Presence    *services.PresenceService
	AuthService *services.AuthService
	Limiter     *limiter.Manager

	AuthHandler   *handlers.AuthHandler
	AgentHandler  *handlers.AgentHandler
	RoomHandler   *handlers.RoomHandler
	InboxHandler  *handlers.InboxHandler
	SocketHandler *handlers.AgentSocketHandler

	redis    *redis.RedisClient
	producer *kafka.Producer
	consumer *kafka.Consumer
}

// OpenDatabase postgres 为生产配置，sqlite 用于本地和测试
func OpenDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if cfg.Driver == "sqlite" {
		// sqlite 只允许一个写者
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := models.AutoMigrateAll(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}
	return db, nil
}

func NewServer(cfg *config.Config, log *logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Nop()
	}
	db, err := OpenDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	s := &Server{DB: db, Config: cfg, Log: log}

	// 未配置 Redis 时为单实例模式
	var (
		presenceStore services.PresenceStore
		tracker       services.OnlineTracker
	)
	if cfg.Redis.Addr != "" {
		rc, err := redis.NewRedisClient(&redis.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, log)
		if err != nil {
			return nil, err
		}
		s.redis = rc
		presenceStore = rc
		tracker = redis.NewOnlineTracker(rc)
		s.Limiter = limiter.NewManager(rc.Client, &limiter.FixedWindowStrategy{})
	} else {
		log.Warn("redis not configured, running in single-instance mode")
		presenceStore = services.NewMemoryPresence()
		tracker = services.NewMemoryTracker()
		s.Limiter = limiter.NewLocalManager()
	}

	var publisher services.EventPublisher
	mailer, err := newMailer(cfg.Agent, log)
	if err != nil {
		s.closeClients()
		return nil, err
	}
	if cfg.Kafka.Enabled {
		if err := s.setupProducer(); err != nil {
			s.closeClients()
			return nil, err
		}
		publisher = s.producer
	}

	kb, err := services.LoadKnowledgeBase(cfg.Agent.KnowledgeFile)
	if err != nil {
		s.closeClients()
		return nil, err
	}

	s.Writer = services.NewMessageWriter(db, cfg.Agent.WriterShards, cfg.Agent.WriterQueue, log)
	s.Hub = handlers.NewAgentHub(s.Writer, tracker, log)
	s.Presence = services.NewPresenceService(presenceStore, log)
	s.AuthService = services.NewAuthService(db, &cfg.Auth)

	roomService := services.NewRoomService(db, tracker, log)
	inboxService := services.NewInboxService(db, s.Presence, roomService, publisher, cfg.Kafka.InboxTopic, log)
	searchService := services.NewSearchService(kb, s.Hub, log)
	transcriptService := services.NewTranscriptService(roomService, s.Writer, publisher, cfg.Kafka.TranscriptTopic, mailer, cfg.Agent.MailFrom, log)
	if cfg.Kafka.Enabled {
		if err := s.setupConsumer(transcriptService, mailer); err != nil {
			s.Writer.Close()
			s.Hub.Close()
			s.closeClients()
			return nil, err
		}
	}

	s.AuthHandler = handlers.NewAuthHandler(s.AuthService)
	s.AgentHandler = handlers.NewAgentHandler(s.Presence, searchService, inboxService, log)
	s.RoomHandler = handlers.NewRoomHandler(roomService, transcriptService, s.Writer, log)
	s.InboxHandler = handlers.NewInboxHandler(inboxService)
	s.SocketHandler = handlers.NewAgentSocketHandler(s.Hub, s.AuthService, roomService, s.Writer, s.Presence,
		handlers.SocketLimits{Rate: float64(cfg.Agent.SocketRate), Burst: cfg.Agent.SocketBurst},
		cfg.Server.AllowedOrigins, log)

	// 初始化 Echo
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{echo.GET, echo.POST, echo.PUT, echo.DELETE, echo.PATCH},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowCredentials: true,
		ExposeHeaders:    []string{echo.HeaderContentLength},
		MaxAge:           86400,
	}))
	s.Echo = e

	// --- 设置路由 ---
	authMiddleware := custommiddleware.AuthMiddleware(s.AuthService)
	adminMiddleware := custommiddleware.AdminAuthMiddleware()
	s.SetupRoutes(authMiddleware, adminMiddleware)
	return s, nil
}

// newMailer 配置了 SMTP 网关时真实发信，否则只记录日志
func newMailer(cfg config.AgentConfig, log *logger.Logger) (services.Mailer, error) {
	if cfg.SMTPAddr == "" {
		log.Warn("smtp not configured, mail is only logged")
		return services.NewLogMailer(log), nil
	}
	return services.NewSMTPMailer(cfg.SMTPAddr, cfg.SMTPUsername, cfg.SMTPPassword, log)
}

func (s *Server) setupProducer() error {
	saramaCfg, err := kafka.NewSaramaConfig(&s.Config.Kafka, s.Log)
	if err != nil {
		return err
	}
	s.producer, err = kafka.NewProducer(s.Config.Kafka.Brokers, saramaCfg, s.Log)
	if err != nil {
		return fmt.Errorf("create kafka producer: %w", err)
	}
	return nil
}

// setupConsumer transcript 主题发信；配置了提醒邮箱时 inbox 主题发提醒
func (s *Server) setupConsumer(transcripts *services.TranscriptService, mailer services.Mailer) error {
	cfg := s.Config
	saramaCfg, err := kafka.NewSaramaConfig(&cfg.Kafka, s.Log)
	if err != nil {
		return err
	}
	router := kafka.NewTopicRouter().Route(cfg.Kafka.TranscriptTopic, transcripts.HandleTranscriptMessage)
	if cfg.Agent.NotifyTo != "" && cfg.Kafka.InboxTopic != "" {
		notifier := services.NewInboxNotifier(mailer, cfg.Agent.MailFrom, cfg.Agent.NotifyTo)
		router.Route(cfg.Kafka.InboxTopic, notifier.HandleInboxMessage)
	}
	s.consumer, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, router.Topics(), saramaCfg, router, s.Log)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	return nil
}

// Start 阻塞直到 Shutdown
func (s *Server) Start() error {
	s.Log.Info("server starting", "addr", s.Config.Server.Addr)
	if err := s.Echo.Start(s.Config.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// WatchPresence 在线状态变更推送给本实例的所有连接
func (s *Server) WatchPresence(ctx context.Context) error {
	return s.Presence.Watch(ctx, func(online bool) {
		env, err := protocol.NewEnvelope(protocol.EventAdminStatus, protocol.StatusPayload{Online: online})
		if err != nil {
			return
		}
		s.Hub.BroadcastAll(env)
	})
}

// ConsumeEvents 未启用 Kafka 时立即返回
func (s *Server) ConsumeEvents(ctx context.Context) error {
	if s.consumer == nil {
		return nil
	}
	return s.consumer.Start(ctx)
}

// EnsureAdmin 按配置初始化管理员账号
func (s *Server) EnsureAdmin(ctx context.Context) error {
	user, err := s.AuthService.EnsureAdmin(ctx, s.Config.Auth.AdminUser, s.Config.Auth.AdminPass)
	if err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}
	if user != nil {
		s.Log.Info("admin account ready", "username", user.Username)
	}
	return nil
}

// Shutdown 先停 HTTP，再停房间循环，最后写完消息队列
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Echo.Shutdown(ctx)
	s.Hub.Close()
	s.Writer.Close()
	s.closeClients()
	if sqlDB, dbErr := s.DB.DB(); dbErr == nil {
		sqlDB.Close()
	}
	return err
}

func (s *Server) closeClients() {
	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			s.Log.Warn("close kafka consumer", "error", err)
		}
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			s.Log.Warn("close kafka producer", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.Log.Warn("close redis", "error", err)
		}
	}
}

// shutdownTimeout main 使用
const shutdownTimeout = 10 * time.Second

func ShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}
