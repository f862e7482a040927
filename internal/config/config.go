package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/KevinKickass/OpenPressCore/internal/types"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Database  DatabaseConfig       `mapstructure:"database"`
	Auth      AuthConfig           `mapstructure:"auth"`
	Serial    SerialConfig         `mapstructure:"serial"`
	Scheduler SchedulerConfig      `mapstructure:"scheduler"`
	Control   ControlConfig        `mapstructure:"control"`
	Safety    SafetyConfig         `mapstructure:"safety"`
	Hardware  types.HardwareConfig `mapstructure:"hardware"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LoopJoinTimeout time.Duration `mapstructure:"loop_join_timeout"`
	StatusInterval  time.Duration `mapstructure:"status_interval"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	JWTSecretEnv string        `mapstructure:"jwt_secret_env"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

// SerialConfig describes the RS-485 link. Mode "simulation" answers from
// an in-memory module table instead of opening Port.
type SerialConfig struct {
	Mode            string        `mapstructure:"mode"`
	Port            string        `mapstructure:"port"`
	BaudRate        int           `mapstructure:"baud_rate"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
}

type SchedulerConfig struct {
	Tick                time.Duration `mapstructure:"tick"`
	DigitalInterval     time.Duration `mapstructure:"digital_interval"`
	TemperatureInterval time.Duration `mapstructure:"temperature_interval"`
	PressureInterval    time.Duration `mapstructure:"pressure_interval"`
	UrgentInterval      time.Duration `mapstructure:"urgent_interval"`
	DeferredInterval    time.Duration `mapstructure:"deferred_interval"`
	QualityInterval     time.Duration `mapstructure:"quality_interval"`
}

type ControlConfig struct {
	SequencerTick     time.Duration `mapstructure:"sequencer_tick"`
	RegulatorTick     time.Duration `mapstructure:"regulator_tick"`
	PanelTick         time.Duration `mapstructure:"panel_tick"`
	LongPress         time.Duration `mapstructure:"long_press"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`
	PIDFile           string        `mapstructure:"pid_file"`
	PIDReloadInterval time.Duration `mapstructure:"pid_reload_interval"`
	ProgramsDir       string        `mapstructure:"programs_dir"`
}

type SafetyConfig struct {
	MaxTemperature    float64 `mapstructure:"max_temperature"`
	DisconnectedBelow float64 `mapstructure:"disconnected_below"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults setzen
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.loop_join_timeout", "5s")
	v.SetDefault("server.status_interval", "1s")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.token_ttl", "12h")

	v.SetDefault("serial.mode", "real")
	v.SetDefault("serial.port", "/dev/ttyUSB0")
	v.SetDefault("serial.baud_rate", 9600)
	v.SetDefault("serial.response_timeout", "300ms")
	v.SetDefault("serial.cooldown", "50ms")

	v.SetDefault("scheduler.tick", "10ms")
	v.SetDefault("scheduler.digital_interval", "100ms")
	v.SetDefault("scheduler.temperature_interval", "2s")
	v.SetDefault("scheduler.pressure_interval", "500ms")
	v.SetDefault("scheduler.urgent_interval", "100ms")
	v.SetDefault("scheduler.deferred_interval", "1s")
	v.SetDefault("scheduler.quality_interval", "60s")

	v.SetDefault("control.sequencer_tick", "40ms")
	v.SetDefault("control.regulator_tick", "100ms")
	v.SetDefault("control.panel_tick", "100ms")
	v.SetDefault("control.long_press", "3s")
	v.SetDefault("control.stop_timeout", "1s")
	v.SetDefault("control.pid_file", "configs/pid.yaml")
	v.SetDefault("control.pid_reload_interval", "2s")
	v.SetDefault("control.programs_dir", "programs")

	v.SetDefault("safety.max_temperature", 250.0)
	v.SetDefault("safety.disconnected_below", -10.0)

	// Environment Variables mit Prefix OPC_, z.B. OPC_SERIAL_PORT
	v.SetEnvPrefix("OPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Serial.Mode {
	case "real", "simulation":
	default:
		return fmt.Errorf("serial.mode must be real or simulation, got %q", c.Serial.Mode)
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive")
	}
	if c.Control.SequencerTick <= 0 || c.Control.RegulatorTick <= 0 || c.Control.PanelTick <= 0 {
		return fmt.Errorf("control ticks must be positive")
	}
	if c.Safety.MaxTemperature <= c.Safety.DisconnectedBelow {
		return fmt.Errorf("safety.max_temperature must exceed safety.disconnected_below")
	}
	return c.Hardware.Validate()
}

func (c *Config) Simulated() bool {
	return c.Serial.Mode == "simulation"
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

const devSecret = "dev-secret-change-in-production-min-32-chars"

// JWT Secret aus Environment Variable laden
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
