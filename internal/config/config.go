package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr           string
	DatabaseURL        string // пусто: история сессий отключена
	JWTSecret          string // пусто: управляющие ручки без авторизации
	CORSOrigins        []string
	RateLimitPerMinute int

	MetricsUser         string
	MetricsPasswordHash string

	EngineDriver         string // "docker" или "none"
	V2RayImage           string
	ContainerPrefix      string
	EngineProbeURL       string
	EnginePublishIP      string // адрес публикации портов на хосте
	EngineSampleInterval time.Duration
	EngineReadyAttempts  int
}

func Load() *Config {
	err := godotenv.Load()
	if err != nil {
		log.Println("Warning: .env file not found")
	}

	return &Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		CORSOrigins:        getEnvList("CORS_ORIGINS", []string{"*"}),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),

		MetricsUser:         os.Getenv("METRICS_USER"),
		MetricsPasswordHash: os.Getenv("METRICS_PASSWORD_HASH"),

		EngineDriver:         getEnv("ENGINE_DRIVER", "docker"),
		V2RayImage:           getEnv("V2RAY_IMAGE", "v2fly/v2fly-core:latest"),
		ContainerPrefix:      getEnv("V2RAY_CONTAINER_PREFIX", "v2ray-session"),
		EngineProbeURL:       os.Getenv("ENGINE_PROBE_URL"),
		EnginePublishIP:      getEnv("ENGINE_PUBLISH_IP", "127.0.0.1"),
		EngineSampleInterval: getEnvDuration("ENGINE_SAMPLE_INTERVAL", time.Second),
		EngineReadyAttempts:  getEnvInt("ENGINE_READY_ATTEMPTS", 10),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Printf("Warning: %s=%q is not a number, using %d", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Warning: %s=%q is not a duration, using %s", key, value, defaultValue)
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
