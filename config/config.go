// Package config 加载 PosRelay 的运行配置：.env → YAML 文件 → RELAY_ 前缀环境变量
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// EnvPrefix 环境变量前缀，如 RELAY_ROOM_CAPACITY
const EnvPrefix = "RELAY"

// 房间队列溢出策略
const (
	OverflowDisconnect = "disconnect"
	OverflowDropOldest = "drop-oldest"
)

// ServerConfig HTTP 监听相关
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	GinMode         string        `mapstructure:"gin_mode"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RoomConfig 协调者（房间）配置
type RoomConfig struct {
	// Capacity 世界中最多容纳的玩家数
	Capacity int `mapstructure:"capacity"`
	// MailboxSize 房间入站事件队列长度
	MailboxSize int `mapstructure:"mailbox_size"`
	// SendBuffer 每个会话出站队列长度
	SendBuffer int `mapstructure:"send_buffer"`
	// Overflow 出站队列满时的策略：disconnect 或 drop-oldest
	Overflow string `mapstructure:"overflow"`
}

// SessionConfig 单连接运行参数
type SessionConfig struct {
	// LivenessTimeout 超过该时长没有收到 ping/pong 即断开
	LivenessTimeout time.Duration `mapstructure:"liveness_timeout"`
	// PingPeriod 服务端主动 ping 的周期，必须小于 LivenessTimeout
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	CloseGrace     time.Duration `mapstructure:"close_grace"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// LoggingConfig zap 日志配置；File 为空时输出到标准输出
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config 顶层配置
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Room    RoomConfig    `mapstructure:"room"`
	Session SessionConfig `mapstructure:"session"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Validate 校验全部配置，返回合并后的错误
func (c Config) Validate() error {
	var err error
	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("server.addr must not be empty"))
	}
	switch c.Server.GinMode {
	case "debug", "release", "test":
	default:
		err = multierr.Append(err, fmt.Errorf("server.gin_mode must be one of [debug, release, test], got %q", c.Server.GinMode))
	}
	if c.Server.ReadBufferSize < 0 || c.Server.WriteBufferSize < 0 {
		err = multierr.Append(err, errors.New("server buffer sizes must not be negative"))
	}

	if c.Room.Capacity < 1 {
		err = multierr.Append(err, fmt.Errorf("room.capacity must be >= 1, got %d", c.Room.Capacity))
	}
	if c.Room.MailboxSize < 1 {
		err = multierr.Append(err, fmt.Errorf("room.mailbox_size must be >= 1, got %d", c.Room.MailboxSize))
	}
	if c.Room.SendBuffer < 1 {
		err = multierr.Append(err, fmt.Errorf("room.send_buffer must be >= 1, got %d", c.Room.SendBuffer))
	}
	if c.Room.Overflow != OverflowDisconnect && c.Room.Overflow != OverflowDropOldest {
		err = multierr.Append(err, fmt.Errorf("room.overflow must be one of [%s, %s], got %q", OverflowDisconnect, OverflowDropOldest, c.Room.Overflow))
	}

	if c.Session.LivenessTimeout <= 0 {
		err = multierr.Append(err, errors.New("session.liveness_timeout must be positive"))
	}
	if c.Session.PingPeriod <= 0 || c.Session.PingPeriod >= c.Session.LivenessTimeout {
		err = multierr.Append(err, errors.New("session.ping_period must be positive and shorter than session.liveness_timeout"))
	}
	if c.Session.WriteWait <= 0 {
		err = multierr.Append(err, errors.New("session.write_wait must be positive"))
	}
	if c.Session.MaxMessageSize < 1 {
		err = multierr.Append(err, errors.New("session.max_message_size must be >= 1"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		err = multierr.Append(err, fmt.Errorf("logging.format must be one of [json, console], got %q", c.Logging.Format))
	}
	return err
}

// Load 读取配置。path 为空时只使用默认值与环境变量；
// envFiles 为空时尝试加载当前目录的 .env（不存在则忽略）
func Load(path string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("loading env file %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default 返回全部默认值组成的配置
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.gin_mode", "release")
	v.SetDefault("server.read_buffer_size", 1024)
	v.SetDefault("server.write_buffer_size", 1024)
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("room.capacity", 2)
	v.SetDefault("room.mailbox_size", 256)
	v.SetDefault("room.send_buffer", 64)
	v.SetDefault("room.overflow", OverflowDisconnect)

	v.SetDefault("session.liveness_timeout", "10s")
	v.SetDefault("session.ping_period", "5s")
	v.SetDefault("session.write_wait", "5s")
	v.SetDefault("session.close_grace", "1s")
	v.SetDefault("session.max_message_size", 4096)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "app.log")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)
	v.SetDefault("logging.compress", false)
}
