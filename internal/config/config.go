package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int `validate:"min=1,max=65535"`
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr      string `validate:"required"`
	Password  string
	DB        int
	KeyPrefix string // 所有键的前缀，如 "accident-alert:"
}

// MQTTConfig MQTT 配置
type MQTTConfig struct {
	Broker    string `validate:"required"`
	ClientID  string `validate:"required"`
	Username  string
	Password  string
	QoS       byte   `validate:"max=2"`
	TopicRoot string `validate:"required"` // 设备主题根，如 "accident-alert/device-1"
}

// FallbackFacility 本地兜底医疗机构
type FallbackFacility struct {
	Name        string  `json:"name"`
	PhoneNumber string  `json:"phone_number"`
	Latitude    float64 `json:"lat"`
	Longitude   float64 `json:"lon"`
}

// Config 碰撞报警服务配置
type Config struct {
	Database  DatabaseConfig
	DBEnabled bool
	Redis     RedisConfig
	MQTT      MQTTConfig

	// 运动检测
	Detection struct {
		WindowSize          int     `validate:"min=3,max=1000"`  // 信号缓冲区大小 N
		MinSampleIntervalMs int     `validate:"min=0,max=1000"`  // 最小采样间隔（毫秒），更快的采样被丢弃
		DefaultThreshold    float64 `validate:"min=1,max=10"`    // 默认 g 值阈值
	}

	// 定位
	Location struct {
		MaxFixAgeSec      int     `validate:"min=1"`
		MaxAccuracyMeters float64 `validate:"gt=0"`
		MaxSpeedMps       float64 `validate:"gt=0"`
	}

	// 确认倒计时
	Confirmation struct {
		DefaultTimeoutSec  int `validate:"min=5,max=60"`
		PendingTTLSec      int `validate:"min=60"`  // 挂起状态在 Redis 中的 TTL
		WatchdogIntervalMs int `validate:"min=100"` // 倒计时看门狗检查间隔
	}

	// 升级调度
	Dispatch struct {
		MaxCallContacts     int    `validate:"min=1"`
		CallTimeoutSec      int    `validate:"min=1"`
		CooldownSec         int    `validate:"min=0"`
		MaxFacilityAttempts int    `validate:"min=1"`
		EmergencyNumber     string `validate:"required"`
		MapLinkBase         string `validate:"required"`
		ReportStream        string `validate:"required"` // 调度报告 Redis Stream
	}

	// 医疗机构搜索
	Facility struct {
		SearchURL         string
		APIKey            string
		TimeoutSec        int `validate:"min=1"`
		DefaultRadiusKm   int `validate:"min=1,max=200"`
		BreakerFailures   int `validate:"min=1"`
		BreakerTimeoutSec int `validate:"min=1"`
		Fallback          []FallbackFacility
	}

	// 电话/短信网关
	Gateway struct {
		BaseURL    string
		APIKey     string
		TimeoutSec int `validate:"min=1"`
	}

	// 串口 GPS（Port 为空表示不启用）
	GPS struct {
		Port     string
		BaudRate int `validate:"min=1200"`
	}

	// 联系人导入文件（DBEnabled=false 时作为联系人来源）
	ContactsFile string

	Metrics struct {
		Addr string
	}

	Log struct {
		Level  string `validate:"oneof=debug info warn error"`
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "accident_alert")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 5)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 2)
	cfg.DBEnabled = getEnvBool("DB_ENABLED", true)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)
	cfg.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", "accident-alert:")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "accident-alert")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))
	cfg.MQTT.TopicRoot = getEnv("MQTT_TOPIC_ROOT", "accident-alert/device")

	cfg.Detection.WindowSize = getEnvInt("DETECTION_WINDOW_SIZE", 10)
	cfg.Detection.MinSampleIntervalMs = getEnvInt("DETECTION_MIN_INTERVAL_MS", 50)
	cfg.Detection.DefaultThreshold = getEnvFloat("DETECTION_DEFAULT_THRESHOLD", 3.5)

	cfg.Location.MaxFixAgeSec = getEnvInt("LOCATION_MAX_FIX_AGE_SEC", 30)
	cfg.Location.MaxAccuracyMeters = getEnvFloat("LOCATION_MAX_ACCURACY_M", 50)
	cfg.Location.MaxSpeedMps = getEnvFloat("LOCATION_MAX_SPEED_MPS", 50)

	cfg.Confirmation.DefaultTimeoutSec = getEnvInt("CONFIRMATION_TIMEOUT_SEC", 15)
	cfg.Confirmation.PendingTTLSec = getEnvInt("CONFIRMATION_PENDING_TTL_SEC", 3600)
	cfg.Confirmation.WatchdogIntervalMs = getEnvInt("CONFIRMATION_WATCHDOG_MS", 1000)

	cfg.Dispatch.MaxCallContacts = getEnvInt("DISPATCH_MAX_CALL_CONTACTS", 3)
	cfg.Dispatch.CallTimeoutSec = getEnvInt("DISPATCH_CALL_TIMEOUT_SEC", 30)
	cfg.Dispatch.CooldownSec = getEnvInt("DISPATCH_COOLDOWN_SEC", 30)
	cfg.Dispatch.MaxFacilityAttempts = getEnvInt("DISPATCH_MAX_FACILITY_ATTEMPTS", 3)
	cfg.Dispatch.EmergencyNumber = getEnv("EMERGENCY_NUMBER", "112")
	cfg.Dispatch.MapLinkBase = getEnv("MAP_LINK_BASE", "https://maps.google.com/?q=")
	cfg.Dispatch.ReportStream = getEnv("REPORT_STREAM", "accident-alert:escalations")

	cfg.Facility.SearchURL = getEnv("FACILITY_SEARCH_URL", "")
	cfg.Facility.APIKey = getEnv("FACILITY_API_KEY", "")
	cfg.Facility.TimeoutSec = getEnvInt("FACILITY_TIMEOUT_SEC", 10)
	cfg.Facility.DefaultRadiusKm = getEnvInt("FACILITY_DEFAULT_RADIUS_KM", 20)
	cfg.Facility.BreakerFailures = getEnvInt("FACILITY_BREAKER_FAILURES", 3)
	cfg.Facility.BreakerTimeoutSec = getEnvInt("FACILITY_BREAKER_TIMEOUT_SEC", 60)
	if raw := os.Getenv("FACILITY_FALLBACK"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Facility.Fallback); err != nil {
			return nil, fmt.Errorf("failed to parse FACILITY_FALLBACK: %w", err)
		}
	}

	cfg.Gateway.BaseURL = getEnv("GATEWAY_BASE_URL", "")
	cfg.Gateway.APIKey = getEnv("GATEWAY_API_KEY", "")
	cfg.Gateway.TimeoutSec = getEnvInt("GATEWAY_TIMEOUT_SEC", 10)

	cfg.GPS.Port = getEnv("GPS_SERIAL_PORT", "")
	cfg.GPS.BaudRate = getEnvInt("GPS_BAUD_RATE", 9600)

	cfg.ContactsFile = getEnv("CONTACTS_FILE", "")
	cfg.Metrics.Addr = getEnv("METRICS_ADDR", ":9102")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置取值范围
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CallTimeout 单次呼叫等待接听的超时
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Dispatch.CallTimeoutSec) * time.Second
}

// Cooldown 两次呼叫之间的冷却时间
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Dispatch.CooldownSec) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
