package config

import (
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Config 遥测服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	HTTP struct {
		Addr string
	}

	// 遥测服务特定配置
	Telemetry struct {
		// 设备在线窗口：最后一次 ping 距今小于该值视为在线
		LivenessWindow time.Duration
		// 离线扫描间隔
		SweepInterval time.Duration
		// 统计日志间隔（仅诊断，不产生报警/事件）
		StatsInterval time.Duration

		// 容量阈值（完成百分比）
		LowVolumePercent      float64 // 默认 90（剩余 <10%）
		CriticalVolumePercent float64 // 默认 95（剩余 <5%）

		// 流速偏差阈值（|deviation_percent|）
		DeviationWarningPercent  float64 // 默认 15
		DeviationCriticalPercent float64 // 默认 25

		// 电量阈值
		BatteryLowPercent      int // 默认 20（下穿触发报警）
		BatteryCriticalPercent int // 默认 10（报警升级为 critical）

		// Redis 实时快照缓存
		Cache struct {
			KeyPrefix      string // 如 "smartpole:pole:"
			RealtimeSuffix string // 如 ":realtime"
			AlarmSuffix    string // 如 ":alerts"
			RealtimeTTL    time.Duration
			AlarmTTL       time.Duration
		}
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 从环境变量加载配置（带默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "smartpole")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "smartpole-telemetry")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Telemetry.LivenessWindow = getEnvDuration("LIVENESS_WINDOW", 60*time.Second)
	cfg.Telemetry.SweepInterval = getEnvDuration("SWEEP_INTERVAL", 60*time.Second)
	cfg.Telemetry.StatsInterval = getEnvDuration("STATS_INTERVAL", 10*time.Minute)

	cfg.Telemetry.LowVolumePercent = 90
	cfg.Telemetry.CriticalVolumePercent = 95
	cfg.Telemetry.DeviationWarningPercent = 15
	cfg.Telemetry.DeviationCriticalPercent = 25
	cfg.Telemetry.BatteryLowPercent = 20
	cfg.Telemetry.BatteryCriticalPercent = 10

	cfg.Telemetry.Cache.KeyPrefix = getEnv("CACHE_KEY_PREFIX", "smartpole:pole:")
	cfg.Telemetry.Cache.RealtimeSuffix = ":realtime"
	cfg.Telemetry.Cache.AlarmSuffix = ":alerts"
	cfg.Telemetry.Cache.RealtimeTTL = getEnvDuration("CACHE_REALTIME_TTL", 30*time.Second)
	cfg.Telemetry.Cache.AlarmTTL = getEnvDuration("CACHE_ALARM_TTL", 30*time.Second)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
