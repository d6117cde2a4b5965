package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerCfg struct {
	Port                string `mapstructure:"port"`
	MetricsPort         string `mapstructure:"metrics_port"`
	ReadTimeoutSeconds  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `mapstructure:"write_timeout_seconds"`
	Development         bool   `mapstructure:"development"`
}

type MongoCfg struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisCfg struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaCfg struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type S3Cfg struct {
	Region     string `mapstructure:"region"`
	Bucket     string `mapstructure:"bucket"`
	Endpoint   string `mapstructure:"endpoint"`
	PublicRead bool   `mapstructure:"public_read"`
}

type JwtCfg struct {
	SigningMethod string `mapstructure:"signing_method"`
	Secret        string `mapstructure:"secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type EngineCfg struct {
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	MarkReadDelayMillis int    `mapstructure:"mark_read_delay_millis"`
	AdminEmailDomain    string `mapstructure:"admin_email_domain"`
	SendRatePerMinute   int    `mapstructure:"send_rate_per_minute"`
}

type Config struct {
	Server ServerCfg `mapstructure:"server"`
	Mongo  MongoCfg  `mapstructure:"mongo"`
	Redis  RedisCfg  `mapstructure:"redis"`
	Kafka  KafkaCfg  `mapstructure:"kafka"`
	S3     S3Cfg     `mapstructure:"s3"`
	JWT    JwtCfg    `mapstructure:"jwt"`
	Engine EngineCfg `mapstructure:"engine"`
	// Derived
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	PollInterval  time.Duration
	MarkReadDelay time.Duration
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing file is fine; env vars and defaults cover everything.
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Port == "" {
		cfg.Server.Port = "8084"
	}
	if cfg.Server.MetricsPort == "" {
		cfg.Server.MetricsPort = "9094"
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 15
	}
	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = "mongodb://localhost:27017"
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "alumnihub"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "msg"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "messages.sent"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "notification-dispatcher"
	}
	if cfg.JWT.SigningMethod == "" {
		cfg.JWT.SigningMethod = "HS256"
	}
	if cfg.Engine.PollIntervalSeconds == 0 {
		cfg.Engine.PollIntervalSeconds = 5
	}
	if cfg.Engine.MarkReadDelayMillis == 0 {
		cfg.Engine.MarkReadDelayMillis = 300
	}
	if cfg.Engine.AdminEmailDomain == "" {
		cfg.Engine.AdminEmailDomain = "amet.ac.in"
	}
	if cfg.Engine.SendRatePerMinute == 0 {
		cfg.Engine.SendRatePerMinute = 60
	}

	cfg.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	cfg.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	cfg.PollInterval = time.Duration(cfg.Engine.PollIntervalSeconds) * time.Second
	cfg.MarkReadDelay = time.Duration(cfg.Engine.MarkReadDelayMillis) * time.Millisecond
	return &cfg, nil
}
