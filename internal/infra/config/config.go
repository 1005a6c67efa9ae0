package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервиса.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	Telegram struct {
		APIID       int    `envconfig:"TG_API_ID"`
		APIHash     string `envconfig:"TG_API_HASH"`
		SessionName string `envconfig:"MTPROTO_SESSION_NAME" default:"default"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Scraper struct {
		BatchSize   int           `envconfig:"SCRAPER_BATCH_SIZE" default:"50"`
		StatusEvery int           `envconfig:"SCRAPER_STATUS_EVERY" default:"10"`
		TZ          string        `envconfig:"SCRAPER_TZ" default:"UTC"`
		RunTTL      time.Duration `envconfig:"SCRAPER_RUN_TTL" default:"2h"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
