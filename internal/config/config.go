package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "dev-secret-change-me"

type BlobConfig struct {
	Driver         string
	Dir            string
	PublicPrefix   string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioPublicURL string
	// MaxUploadBytes 是单个图片或头像上传的大小上限。
	MaxUploadBytes int64
}

type PubSubConfig struct {
	Driver        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type EventsConfig struct {
	KafkaBrokers string
	KafkaTopic   string
}

type Config struct {
	Port                  string
	DatabaseDriver        string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	LogLevel              string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	ChatDuration    time.Duration
	MaxParticipants int
	SweepInterval   time.Duration
	StoreTimeout    time.Duration
	WSSendRate      float64

	AllowedOrigins []string

	Blob   BlobConfig
	PubSub PubSubConfig
	Events EventsConfig
}

// 环境变量名与默认值。
var defaults = []struct {
	key string
	env string
	def interface{}
}{
	{"app.port", "APP_PORT", "8080"},
	{"app.env", "APP_ENV", "dev"},
	{"log.level", "LOG_LEVEL", "info"},
	{"database.driver", "DATABASE_DRIVER", "postgres"},
	{"database.dsn", "DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=interestchat port=5432 sslmode=disable TimeZone=UTC"},
	{"jwt.secret", "JWT_SECRET", defaultJWTSecret},
	{"jwt.access_ttl_minutes", "ACCESS_TOKEN_TTL_MINUTES", 15},
	{"jwt.refresh_ttl_days", "REFRESH_TOKEN_TTL_DAYS", 7},
	{"chat.duration_minutes", "CHAT_DURATION_MINUTES", 60},
	{"chat.max_participants", "CHAT_MAX_PARTICIPANTS", 0},
	{"chat.sweep_interval_seconds", "SWEEP_INTERVAL_SECONDS", 60},
	{"store.timeout_seconds", "STORE_TIMEOUT_SECONDS", 5},
	{"ws.send_rate", "WS_SEND_RATE", 5.0},
	{"cors.allowed_origins", "CORS_ALLOWED_ORIGINS", ""},
	{"blob.driver", "BLOB_DRIVER", "local"},
	{"blob.dir", "BLOB_DIR", "./uploads"},
	{"blob.public_prefix", "BLOB_PUBLIC_PREFIX", "/static/images/"},
	{"blob.max_upload_mb", "BLOB_MAX_UPLOAD_MB", 10},
	{"minio.endpoint", "MINIO_ENDPOINT", "localhost:9000"},
	{"minio.access_key", "MINIO_ACCESS_KEY", ""},
	{"minio.secret_key", "MINIO_SECRET_KEY", ""},
	{"minio.bucket", "MINIO_BUCKET", "interestchat"},
	{"minio.use_ssl", "MINIO_USE_SSL", false},
	{"minio.public_url", "MINIO_PUBLIC_URL", ""},
	{"pubsub.driver", "PUBSUB_DRIVER", "memory"},
	{"redis.addr", "REDIS_ADDR", "localhost:6379"},
	{"redis.password", "REDIS_PASSWORD", ""},
	{"redis.db", "REDIS_DB", 0},
	{"kafka.brokers", "KAFKA_BROKERS", ""},
	{"kafka.topic", "KAFKA_TOPIC", "chat-lifecycle"},
}

func newViper() *viper.Viper {
	v := viper.New()
	for _, d := range defaults {
		v.SetDefault(d.key, d.def)
		_ = v.BindEnv(d.key, d.env)
	}
	v.SetConfigType("yaml")
	if f := os.Getenv("CONFIG_FILE"); f != "" {
		v.SetConfigFile(f)
		return v
	}
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	return v
}

// positive 在值非法或不为正时回退到默认值。
func positive(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Load 从可选的 config.yaml 与环境变量读取配置，环境变量优先。
func Load() Config {
	v := newViper()
	// 配置文件可选，缺失时只使用环境变量与默认值。
	_ = v.ReadInConfig()

	var origins []string
	for _, o := range strings.Split(v.GetString("cors.allowed_origins"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	sendRate := v.GetFloat64("ws.send_rate")
	if sendRate <= 0 {
		sendRate = 5
	}
	maxParticipants := v.GetInt("chat.max_participants")
	if maxParticipants < 0 {
		maxParticipants = 0
	}

	return Config{
		Port:                  v.GetString("app.port"),
		DatabaseDriver:        v.GetString("database.driver"),
		DatabaseDSN:           v.GetString("database.dsn"),
		JWTSecret:             v.GetString("jwt.secret"),
		Env:                   v.GetString("app.env"),
		LogLevel:              v.GetString("log.level"),
		AccessTokenTTLMinutes: positive(v.GetInt("jwt.access_ttl_minutes"), 15),
		RefreshTokenTTLDays:   positive(v.GetInt("jwt.refresh_ttl_days"), 7),
		ChatDuration:          time.Duration(positive(v.GetInt("chat.duration_minutes"), 60)) * time.Minute,
		MaxParticipants:       maxParticipants,
		SweepInterval:         time.Duration(positive(v.GetInt("chat.sweep_interval_seconds"), 60)) * time.Second,
		StoreTimeout:          time.Duration(positive(v.GetInt("store.timeout_seconds"), 5)) * time.Second,
		WSSendRate:            sendRate,
		AllowedOrigins:        origins,
		Blob: BlobConfig{
			Driver:         v.GetString("blob.driver"),
			Dir:            v.GetString("blob.dir"),
			PublicPrefix:   v.GetString("blob.public_prefix"),
			MinioEndpoint:  v.GetString("minio.endpoint"),
			MinioAccessKey: v.GetString("minio.access_key"),
			MinioSecretKey: v.GetString("minio.secret_key"),
			MinioBucket:    v.GetString("minio.bucket"),
			MinioUseSSL:    v.GetBool("minio.use_ssl"),
			MinioPublicURL: v.GetString("minio.public_url"),
			MaxUploadBytes: int64(positive(v.GetInt("blob.max_upload_mb"), 10)) << 20,
		},
		PubSub: PubSubConfig{
			Driver:        v.GetString("pubsub.driver"),
			RedisAddr:     v.GetString("redis.addr"),
			RedisPassword: v.GetString("redis.password"),
			RedisDB:       v.GetInt("redis.db"),
		},
		Events: EventsConfig{
			KafkaBrokers: v.GetString("kafka.brokers"),
			KafkaTopic:   v.GetString("kafka.topic"),
		},
	}
}

// Validate 检查启动所需的配置项；非 dev 环境禁止使用默认 JWT secret。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN must not be empty")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed outside dev (env=%s)", cfg.Env)
	}
	switch cfg.DatabaseDriver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	switch cfg.Blob.Driver {
	case "", "local", "minio":
	default:
		return fmt.Errorf("unsupported BLOB_DRIVER %q", cfg.Blob.Driver)
	}
	switch cfg.PubSub.Driver {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unsupported PUBSUB_DRIVER %q", cfg.PubSub.Driver)
	}
	if cfg.MaxParticipants < 0 {
		return errors.New("CHAT_MAX_PARTICIPANTS must not be negative")
	}
	return nil
}
