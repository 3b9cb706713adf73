package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Database   struct {
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBName         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		EnableOtel     bool   `mapstructure:"ENABLE_OTEL"`
		EnableMetrics  bool   `mapstructure:"ENABLE_METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Enable      bool          `mapstructure:"ENABLE"`
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	SchemaCache struct {
		TTL           time.Duration `mapstructure:"TTL"`
		SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	} `mapstructure:"SCHEMA_CACHE"`
	Workflow struct {
		WebhookTimeout  time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
		MaxTriggerDepth int           `mapstructure:"MAX_TRIGGER_DEPTH"`
	} `mapstructure:"WORKFLOW"`
	Scheduler struct {
		Enable   bool          `mapstructure:"ENABLE"`
		Interval time.Duration `mapstructure:"INTERVAL"`
	} `mapstructure:"SCHEDULER"`
}

// LoadConfig reads config.yaml from the working directory with environment
// variable overrides, then applies defaults for anything left unset.
func LoadConfig() *Config {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		zap.L().Warn("[Config] no config file found, using env and defaults", zap.Error(err))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		zap.L().Fatal("[Config] failed to unmarshal config", zap.Error(err))
	}

	cfg.applyDefaults()

	return &cfg
}

func (c *Config) applyDefaults() {
	if c.AppName == "" {
		c.AppName = "recordplane"
	}
	if c.SchemaCache.TTL <= 0 {
		c.SchemaCache.TTL = 5 * time.Minute
	}
	if c.SchemaCache.SweepInterval <= 0 {
		c.SchemaCache.SweepInterval = time.Minute
	}
	if c.Workflow.WebhookTimeout <= 0 {
		c.Workflow.WebhookTimeout = 10 * time.Second
	}
	if c.Workflow.MaxTriggerDepth <= 0 {
		c.Workflow.MaxTriggerDepth = 5
	}
	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = time.Minute
	}
}
