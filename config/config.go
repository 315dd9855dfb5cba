package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `yaml:"port"`
	ReadTimeoutMS     int `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
	MatchCacheSecs    int `yaml:"match_cache_secs"`
}

// ChainConfig describes the betting contract and how to reach it.
type ChainConfig struct {
	RPCURL            string  `yaml:"rpc_url"`
	WSURL             string  `yaml:"ws_url"`
	WSBackupURL       string  `yaml:"ws_backup_url"`
	ContractAddress   string  `yaml:"contract_address"`
	ChainID           int64   `yaml:"chain_id"` // 0 = ask the node
	TxTimeoutSecs     int     `yaml:"tx_timeout_secs"`
	TxPerSecond       float64 `yaml:"tx_per_second"`
	LogLookbackBlocks uint64  `yaml:"log_lookback_blocks"`

	// PrivateKey is only ever read from the environment.
	PrivateKey string `yaml:"-"`
}

// TxTimeout bounds waiting for one transaction to be mined.
func (c ChainConfig) TxTimeout() time.Duration {
	return time.Duration(c.TxTimeoutSecs) * time.Second
}

// IngestionConfig controls one ingestion cycle and its schedule.
type IngestionConfig struct {
	PollIntervalMS         int  `yaml:"poll_interval_ms"`
	MaxWaitSecs            int  `yaml:"max_wait_secs"`
	ClearBeforeSync        bool `yaml:"clear_before_sync"`
	RespectRequestInterval bool `yaml:"respect_request_interval"`
	VerifyCount            bool `yaml:"verify_count"`
	ScheduleIntervalMins   int  `yaml:"schedule_interval_minutes"`
	RunOnStart             bool `yaml:"run_on_start"`
	CycleTimeoutMins       int  `yaml:"cycle_timeout_minutes"`
}

// PollInterval returns the response poll interval.
func (c IngestionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// MaxWait returns the bound on waiting for an oracle response.
func (c IngestionConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitSecs) * time.Second
}

// ScheduleInterval returns the time between scheduled cycles.
func (c IngestionConfig) ScheduleInterval() time.Duration {
	return time.Duration(c.ScheduleIntervalMins) * time.Minute
}

// CycleTimeout bounds a whole cycle including all contract writes.
func (c IngestionConfig) CycleTimeout() time.Duration {
	return time.Duration(c.CycleTimeoutMins) * time.Minute
}

// DataConfig contains persistence-related settings.
type DataConfig struct {
	Backend     string `yaml:"backend"` // "sqlite" or "postgres"
	DBPath      string `yaml:"db_path"`
	PostgresDSN string `yaml:"-"`
}

// RedisConfig configures the metrics/cache redis.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`
}

// NotifyConfig controls cycle notifications.
type NotifyConfig struct {
	TelegramChatID int64  `yaml:"telegram_chat_id"`
	TelegramToken  string `yaml:"-"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// Config aggregates all app configuration knobs.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Chain     ChainConfig     `yaml:"chain"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Data      DataConfig      `yaml:"data"`
	Redis     RedisConfig     `yaml:"redis"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Load reads configuration from disk, falling back to defaults, then applies
// environment overrides. Secrets only come from the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	cfg.applyEnv(newViper())
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8081,
			ReadTimeoutMS:     10000,
			WriteTimeoutMS:    10000,
			ShutdownTimeoutMS: 5000,
			MatchCacheSecs:    15,
		},
		Chain: ChainConfig{
			RPCURL:            "https://rpc-amoy.polygon.technology",
			ChainID:           80002,
			TxTimeoutSecs:     120,
			TxPerSecond:       1,
			LogLookbackBlocks: 1000,
		},
		Ingestion: IngestionConfig{
			PollIntervalMS:       5000,
			MaxWaitSecs:          90,
			ClearBeforeSync:      true,
			VerifyCount:          true,
			ScheduleIntervalMins: 360,
			RunOnStart:           true,
			CycleTimeoutMins:     30,
		},
		Data: DataConfig{
			Backend: "sqlite",
			DBPath:  "data/matchfeed.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = def.Server.ReadTimeoutMS
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = def.Server.WriteTimeoutMS
	}
	if c.Server.ShutdownTimeoutMS == 0 {
		c.Server.ShutdownTimeoutMS = def.Server.ShutdownTimeoutMS
	}
	if c.Server.MatchCacheSecs == 0 {
		c.Server.MatchCacheSecs = def.Server.MatchCacheSecs
	}

	if c.Chain.RPCURL == "" {
		c.Chain.RPCURL = def.Chain.RPCURL
	}
	if c.Chain.TxTimeoutSecs == 0 {
		c.Chain.TxTimeoutSecs = def.Chain.TxTimeoutSecs
	}
	if c.Chain.TxPerSecond <= 0 {
		c.Chain.TxPerSecond = def.Chain.TxPerSecond
	}
	if c.Chain.LogLookbackBlocks == 0 {
		c.Chain.LogLookbackBlocks = def.Chain.LogLookbackBlocks
	}

	if c.Ingestion.PollIntervalMS <= 0 {
		c.Ingestion.PollIntervalMS = def.Ingestion.PollIntervalMS
	}
	if c.Ingestion.MaxWaitSecs <= 0 {
		c.Ingestion.MaxWaitSecs = def.Ingestion.MaxWaitSecs
	}
	if c.Ingestion.ScheduleIntervalMins <= 0 {
		c.Ingestion.ScheduleIntervalMins = def.Ingestion.ScheduleIntervalMins
	}
	if c.Ingestion.CycleTimeoutMins <= 0 {
		c.Ingestion.CycleTimeoutMins = def.Ingestion.CycleTimeoutMins
	}

	if c.Data.Backend == "" {
		c.Data.Backend = def.Data.Backend
	}
	if c.Data.DBPath == "" {
		c.Data.DBPath = def.Data.DBPath
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = def.Redis.Addr
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Data.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown data backend %q", c.Data.Backend)
	}
	if c.Data.Backend == "postgres" && c.Data.PostgresDSN == "" {
		return fmt.Errorf("config: postgres backend requires DATABASE_URL")
	}
	if c.Ingestion.PollInterval() > c.Ingestion.MaxWait() {
		return fmt.Errorf("config: poll interval %s exceeds max wait %s",
			c.Ingestion.PollInterval(), c.Ingestion.MaxWait())
	}
	return nil
}

// applyEnv layers environment variables over the file values.
func (c *Config) applyEnv(v *viper.Viper) {
	overrideString(v, "chain.rpc_url", &c.Chain.RPCURL, "RPC_URL", "AMOY_RPC_URL")
	overrideString(v, "chain.ws_url", &c.Chain.WSURL, "WS_URL", "AMOY_WS_URL")
	overrideString(v, "chain.contract_address", &c.Chain.ContractAddress, "CONTRACT_ADDRESS")
	overrideString(v, "chain.private_key", &c.Chain.PrivateKey, "PRIVATE_KEY", "AMOY_PRIVATE_KEY")
	overrideString(v, "data.backend", &c.Data.Backend, "DATA_BACKEND")
	overrideString(v, "data.db_path", &c.Data.DBPath, "DB_PATH")
	overrideString(v, "data.postgres_dsn", &c.Data.PostgresDSN, "DATABASE_URL")
	overrideString(v, "redis.addr", &c.Redis.Addr, "REDIS_ADDR")
	overrideString(v, "redis.password", &c.Redis.Password, "REDIS_PASSWORD")
	overrideString(v, "notify.telegram_token", &c.Notify.TelegramToken, "TELEGRAM_BOT_TOKEN")

	_ = v.BindEnv("server.port", "PORT")
	if p := v.GetInt("server.port"); p > 0 {
		c.Server.Port = p
	}
	_ = v.BindEnv("redis.enabled", "REDIS_ENABLED")
	if v.IsSet("redis.enabled") {
		c.Redis.Enabled = v.GetBool("redis.enabled")
	}
	_ = v.BindEnv("notify.telegram_chat_id", "TELEGRAM_CHAT_ID")
	if id := v.GetInt64("notify.telegram_chat_id"); id != 0 {
		c.Notify.TelegramChatID = id
	}
	_ = v.BindEnv("logging.debug", "DEBUG")
	if v.IsSet("logging.debug") {
		c.Logging.Debug = v.GetBool("logging.debug")
	}

	c.Chain.PrivateKey = strings.TrimPrefix(strings.TrimSpace(c.Chain.PrivateKey), "0x")
}

func overrideString(v *viper.Viper, key string, dst *string, envNames ...string) {
	_ = v.BindEnv(append([]string{key}, envNames...)...)
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		*dst = s
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}
