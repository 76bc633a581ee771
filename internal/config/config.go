// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"distributed-distort/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Role selects which process a configuration is for.
type Role string

const (
	RoleDispatcher Role = "dispatcher"
	RoleWorker     Role = "worker"
	RoleClient     Role = "client"
)

// Config holds all configuration for one process. It is built once at startup
// and passed by pointer; nothing mutates it afterwards.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	Role Role `mapstructure:"-"`

	LogLevel          string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	WorkDir           string        `mapstructure:"work_dir" validate:"required"`
	MetricsListenAddr string        `mapstructure:"metrics_listen_addr"`
	GRPCListenAddr    string        `mapstructure:"grpc_listen_addr"`
	EtcdEndpoints     []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout       time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`

	ListenHost    string `mapstructure:"listen_host" validate:"omitempty,ip"`
	ListenPort    int    `mapstructure:"listen_port" validate:"min=1,max=65535"`
	AdvertiseHost string `mapstructure:"advertise_host" validate:"omitempty,ip"`

	DispatcherHost string `mapstructure:"dispatcher_host" validate:"required,ip"`
	DispatcherPort int    `mapstructure:"dispatcher_port" validate:"min=1,max=65535"`

	WorkerType       domain.WorkerType `mapstructure:"worker_type" validate:"oneof=Text Media"`
	MaxSessions      int               `mapstructure:"max_sessions" validate:"min=1"`
	ChunkDelay       time.Duration     `mapstructure:"chunk_delay" validate:"gte=0"`
	LivenessInterval time.Duration     `mapstructure:"liveness_interval" validate:"gt=0"`
	SessionTTL       time.Duration     `mapstructure:"session_ttl" validate:"gt=0"`
	AudioCommand     string            `mapstructure:"audio_command"`
	ImageCommand     string            `mapstructure:"image_command"`

	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`

	Username     string        `mapstructure:"username" validate:"required,excludesall=&"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"min=1"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" validate:"gte=0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
}

// roleFields lists the fields each role validates; the rest are ignored for that role.
var roleFields = map[Role][]string{
	RoleDispatcher: {"LogLevel", "WorkDir", "EtcdTimeout", "ListenHost", "ListenPort", "SweepInterval"},
	RoleWorker: {"LogLevel", "WorkDir", "EtcdTimeout", "ListenHost", "ListenPort", "AdvertiseHost",
		"DispatcherHost", "DispatcherPort", "WorkerType", "MaxSessions", "ChunkDelay",
		"LivenessInterval", "SessionTTL"},
	RoleClient: {"LogLevel", "WorkDir", "DispatcherHost", "DispatcherPort", "Username",
		"MaxAttempts", "RetryBackoff", "DialTimeout"},
}

// ErrMissingField is returned by the line parser when the file is too short.
var ErrMissingField = errors.New("missing configuration field")

var validate = validator.New()

func newViper(role Role) *viper.Viper {
	v := viper.New()

	// Set default values
	v.SetDefault("log_level", "info")
	v.SetDefault("work_dir", ".")
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("listen_host", "0.0.0.0")
	v.SetDefault("dispatcher_host", "127.0.0.1")
	v.SetDefault("dispatcher_port", 8000)
	v.SetDefault("worker_type", string(domain.WorkerTypeText))
	v.SetDefault("max_sessions", 5)
	v.SetDefault("chunk_delay", "2ms")
	v.SetDefault("liveness_interval", "3s")
	v.SetDefault("session_ttl", "10m")
	v.SetDefault("sweep_interval", "5s")
	v.SetDefault("max_attempts", 5)
	v.SetDefault("retry_backoff", "2s")
	v.SetDefault("dial_timeout", "5s")
	// Keys without a meaningful default still need one so AutomaticEnv can see them.
	v.SetDefault("etcd_endpoints", []string{})
	v.SetDefault("metrics_listen_addr", "")
	v.SetDefault("grpc_listen_addr", "")
	v.SetDefault("advertise_host", "")
	v.SetDefault("audio_command", "")
	v.SetDefault("image_command", "")
	v.SetDefault("username", "")

	switch role {
	case RoleDispatcher:
		v.SetDefault("listen_port", 8000)
		v.SetDefault("metrics_listen_addr", ":9100")
		v.SetDefault("grpc_listen_addr", ":50051")
	case RoleWorker:
		v.SetDefault("listen_port", 9000)
	case RoleClient:
		v.SetDefault("username", os.Getenv("USER"))
	}

	v.SetEnvPrefix("DISTORT")
	v.AutomaticEnv()
	return v
}

// Load loads the configuration for role from path, environment variables and,
// when given, command-line flags. An empty path searches ./configs and . for
// <role>.yaml. Files ending in .conf or .txt use the legacy line format.
func Load(role Role, path string, flags *pflag.FlagSet) (*Config, error) {
	v := newViper(role)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	switch ext := strings.ToLower(filepath.Ext(path)); {
	case path == "":
		v.SetConfigName(string(role)) // name of config file (without extension)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
			// Config file not found; rely on defaults and env vars
		}
	case ext == ".conf" || ext == ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
		defer f.Close()
		if err := applyLines(v, role, f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return build(v, role)
}

func build(v *viper.Viper, role Role) (*Config, error) {
	fields, ok := roleFields[role]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Role = role

	if err := validate.StructPartial(cfg, fields...); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed on the '%s' tag", fe.Field(), fe.Tag()))
			}
			return nil, fmt.Errorf("invalid %s configuration: %s", role, strings.Join(msgs, "; "))
		}
		return nil, err
	}
	return &cfg, nil
}

// Advertised returns the IP a worker announces to the dispatcher.
func (c *Config) Advertised() string {
	if c.AdvertiseHost != "" {
		return c.AdvertiseHost
	}
	if c.ListenHost == "" || c.ListenHost == "0.0.0.0" || c.ListenHost == "::" {
		return "127.0.0.1"
	}
	return c.ListenHost
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
