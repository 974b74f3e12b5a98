package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const DefaultPath = "config/config.json"

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Kafka    KafkaConfig    `json:"kafka"`
	Auth     AuthConfig     `json:"auth"`
	Agent    AgentConfig    `json:"agent"`
	Log      LogConfig      `json:"log"`
}

type ServerConfig struct {
	Addr           string   `json:"addr"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver string `json:"driver"` // postgres, sqlite
	DSN    string `json:"dsn"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type KafkaConfig struct {
	Enabled         bool     `json:"enabled"`
	Brokers         []string `json:"brokers"`
	GroupID         string   `json:"group_id"`
	TranscriptTopic string   `json:"transcript_topic"`
	InboxTopic      string   `json:"inbox_topic"`
	Mechanism       string   `json:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username        string   `json:"username"`
	Password        string   `json:"password"`
	UseTLS          bool     `json:"use_tls"`
	CertFile        string   `json:"cert_file"`
	KeyFile         string   `json:"key_file"`
	CAFile          string   `json:"ca_file"`
}

type AuthConfig struct {
	JWTSecret   string `json:"jwt_secret"`
	TokenExpiry int    `json:"token_expiry"` // in hours
	AdminUser   string `json:"admin_user"`
	AdminPass   string `json:"admin_password"`
}

type AgentConfig struct {
	KnowledgeFile   string `json:"knowledge_file"`
	MailFrom        string `json:"mail_from"`
	NotifyTo        string `json:"notify_to"` // 新留言提醒邮箱，空则不提醒
	SMTPAddr        string `json:"smtp_addr"` // host:port，空则只记录日志不发信
	SMTPUsername    string `json:"smtp_username"`
	SMTPPassword    string `json:"smtp_password"`
	WriterShards    int    `json:"writer_shards"`
	WriterQueue     int    `json:"writer_queue"`
	SocketRate      int    `json:"socket_rate"`  // 每秒入站事件数
	SocketBurst     int    `json:"socket_burst"` // 突发
	SearchPerMinute int    `json:"search_per_minute"`
	InboxPerHour    int    `json:"inbox_per_hour"`
}

type LogConfig struct {
	Mode string `json:"mode"` // production, development
}

func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080", AllowedOrigins: []string{"*"}},
		Database: DatabaseConfig{Driver: "postgres"},
		Redis:    RedisConfig{Addr: "localhost:6379", PoolSize: 10},
		Kafka: KafkaConfig{
			GroupID:         "khisima-agent",
			TranscriptTopic: "agent.transcripts",
			InboxTopic:      "agent.inbox",
		},
		Auth: AuthConfig{TokenExpiry: 24},
		Agent: AgentConfig{
			KnowledgeFile:   "config/knowledge.yaml",
			MailFrom:        "agent@khisima.com",
			WriterShards:    4,
			WriterQueue:     1000,
			SocketRate:      5,
			SocketBurst:     20,
			SearchPerMinute: 30,
			InboxPerHour:    10,
		},
		Log: LogConfig{Mode: "development"},
	}
}

// LoadConfig 依次应用：默认值、JSON 文件、.env、KHISIMA_* 环境变量
func LoadConfig(path string) (config Config, err error) {
	config = Default()
	if path == "" {
		path = DefaultPath
	}
	file, err := os.Open(path)
	switch {
	case err == nil:
		defer func(file *os.File) {
			closeErr := file.Close()
			if closeErr != nil {
				log.Printf("Error closing config file: %v", closeErr)
			}
		}(file)
		if err := json.NewDecoder(file).Decode(&config); err != nil {
			return config, fmt.Errorf("decode %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// 仅用环境变量也可以启动
	default:
		return config, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config, fmt.Errorf("load .env: %w", err)
	}
	applyEnv(&config)
	return config, config.Validate()
}

func applyEnv(c *Config) {
	setString(&c.Server.Addr, "KHISIMA_ADDR")
	if v := os.Getenv("KHISIMA_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	setString(&c.Database.Driver, "KHISIMA_DB_DRIVER")
	setString(&c.Database.DSN, "KHISIMA_DB_DSN")
	setString(&c.Redis.Addr, "KHISIMA_REDIS_ADDR")
	setString(&c.Redis.Password, "KHISIMA_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "KHISIMA_REDIS_DB")
	setBool(&c.Kafka.Enabled, "KHISIMA_KAFKA_ENABLED")
	if v := os.Getenv("KHISIMA_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	setString(&c.Kafka.Mechanism, "KHISIMA_KAFKA_MECHANISM")
	setString(&c.Kafka.Username, "KHISIMA_KAFKA_USERNAME")
	setString(&c.Kafka.Password, "KHISIMA_KAFKA_PASSWORD")
	setString(&c.Auth.JWTSecret, "KHISIMA_JWT_SECRET")
	setString(&c.Auth.AdminUser, "KHISIMA_ADMIN_USER")
	setString(&c.Auth.AdminPass, "KHISIMA_ADMIN_PASSWORD")
	setString(&c.Agent.KnowledgeFile, "KHISIMA_KNOWLEDGE_FILE")
	setString(&c.Agent.NotifyTo, "KHISIMA_NOTIFY_TO")
	setString(&c.Agent.SMTPAddr, "KHISIMA_SMTP_ADDR")
	setString(&c.Agent.SMTPUsername, "KHISIMA_SMTP_USERNAME")
	setString(&c.Agent.SMTPPassword, "KHISIMA_SMTP_PASSWORD")
	setString(&c.Log.Mode, "KHISIMA_LOG_MODE")
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 characters"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.Agent.SMTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.Agent.SMTPAddr); err != nil {
			errs = append(errs, fmt.Errorf("agent.smtp_addr: %w", err))
		}
	}
	if c.Agent.WriterShards <= 0 {
		errs = append(errs, errors.New("agent.writer_shards must be positive"))
	}
	return errors.Join(errs...)
}

func (a AuthConfig) TokenTTL() time.Duration {
	if a.TokenExpiry <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(a.TokenExpiry) * time.Hour
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
