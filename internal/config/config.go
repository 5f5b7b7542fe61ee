package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Account  AccountConfig
	Risk     RiskConfig
	Broker   BrokerConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port    string
	AppName string `mapstructure:"app_name"`
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	TimeZone    string
	TablePrefix string `mapstructure:"table_prefix"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AccountConfig 账户初始参数
type AccountConfig struct {
	AccountID      string  `mapstructure:"account_id"`
	InitialCapital float64 `mapstructure:"initial_capital"`
}

// RiskConfig 风控与仓位参数 (百分比均为 0-100 刻度)
type RiskConfig struct {
	RiskPerTradePct    float64 `mapstructure:"risk_per_trade_pct"`
	StopLossPct        float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct      float64 `mapstructure:"take_profit_pct"`
	MinStopLossPct     float64 `mapstructure:"min_stop_loss_pct"`
	MinStopDistancePct float64 `mapstructure:"min_stop_distance_pct"`

	MaxNotionalPctOfCapital float64 `mapstructure:"max_notional_pct_of_capital"`
	MaxQtyPerTrade          int     `mapstructure:"max_qty_per_trade"`
	MaxQtyPerOrder          int     `mapstructure:"max_qty_per_order"`
	AbsoluteMaxQty          int     `mapstructure:"absolute_max_qty"`

	MaxOpenPositions int     `mapstructure:"max_open_positions"`
	MaxExposurePct   float64 `mapstructure:"max_exposure_pct"`
	DailyLossLimit   float64 `mapstructure:"daily_loss_limit"`

	CooldownTicks   int     `mapstructure:"cooldown_ticks"`
	CooldownSeconds float64 `mapstructure:"cooldown_seconds"`

	OrderTimeoutSec int `mapstructure:"order_timeout_sec"`
}

// BrokerConfig 模拟撮合参数
type BrokerConfig struct {
	MinLatencyMs int     `mapstructure:"min_latency_ms"`
	MaxLatencyMs int     `mapstructure:"max_latency_ms"`
	SlippagePct  float64 `mapstructure:"slippage_pct"`
	PartialProb  float64 `mapstructure:"partial_prob"`
	RejectProb   float64 `mapstructure:"reject_prob"`
}

type LogConfig struct {
	Level string
}

func LoadConfig() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")        // 在当前目录中查找配置
	viper.AddConfigPath("./config") // 在 config 目录中查找配置

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Warning: Error reading config file, %s", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	return &config
}

// setDefaults 与原有交易参数保持一致的默认值
func setDefaults() {
	viper.SetDefault("server.port", ":5005")
	viper.SetDefault("server.app_name", "algobot-core")

	viper.SetDefault("account.account_id", "default")
	viper.SetDefault("account.initial_capital", 1_000_000.0)

	viper.SetDefault("risk.risk_per_trade_pct", 1.0)
	viper.SetDefault("risk.stop_loss_pct", 2.0)
	viper.SetDefault("risk.take_profit_pct", 4.0)
	viper.SetDefault("risk.min_stop_loss_pct", 0.5)
	viper.SetDefault("risk.min_stop_distance_pct", 0.5)
	viper.SetDefault("risk.max_notional_pct_of_capital", 20.0)
	viper.SetDefault("risk.max_qty_per_trade", 500)
	viper.SetDefault("risk.max_qty_per_order", 10_000)
	viper.SetDefault("risk.absolute_max_qty", 50_000)
	viper.SetDefault("risk.max_open_positions", 10)
	viper.SetDefault("risk.max_exposure_pct", 80.0)
	viper.SetDefault("risk.daily_loss_limit", 50_000.0)
	viper.SetDefault("risk.cooldown_ticks", 5)
	viper.SetDefault("risk.cooldown_seconds", 30.0)
	viper.SetDefault("risk.order_timeout_sec", 60)

	viper.SetDefault("broker.min_latency_ms", 200)
	viper.SetDefault("broker.max_latency_ms", 800)
	viper.SetDefault("broker.slippage_pct", 0.05)
	viper.SetDefault("broker.partial_prob", 0.3)
	viper.SetDefault("broker.reject_prob", 0.05)

	viper.SetDefault("log.level", "info")
}
