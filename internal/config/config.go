package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	PlateProviderGemini      = "gemini"
	PlateProviderRekognition = "rekognition"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Inference InferenceConfig `mapstructure:"inference"`
	AWS       AWSConfig       `mapstructure:"aws"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Preview   PreviewConfig   `mapstructure:"preview"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type InferenceConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PlateProvider string        `mapstructure:"plate_provider"`
}

type AWSConfig struct {
	Region string `mapstructure:"region"`
}

type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	OperatorPassword string        `mapstructure:"operator_password"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
}

// Enabled reports whether protected routes require a bearer token.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type PreviewConfig struct {
	MaxWidth  int `mapstructure:"max_width"`
	MaxHeight int `mapstructure:"max_height"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_upload_bytes", 10<<20)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "traffic-monitor.db")

	v.SetDefault("inference.api_key", "")
	v.SetDefault("inference.model", "gemini-2.5-flash")
	v.SetDefault("inference.timeout", 60*time.Second)
	v.SetDefault("inference.plate_provider", PlateProviderGemini)

	v.SetDefault("aws.region", "ap-southeast-1")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.operator_password", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)

	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetDefault("preview.max_width", 320)
	v.SetDefault("preview.max_height", 240)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", "traffic/alerts")
	v.SetDefault("mqtt.client_id", "traffic-monitor")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads .env, the optional config file and the environment, in that
// order of increasing precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// The hosted model key is conventionally exported without a prefix.
	if cfg.Inference.APIKey == "" {
		for _, key := range []string{"GEMINI_API_KEY", "API_KEY"} {
			if value := os.Getenv(key); value != "" {
				cfg.Inference.APIKey = value
				break
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Inference.PlateProvider {
	case PlateProviderGemini, PlateProviderRekognition:
	default:
		return fmt.Errorf("unsupported plate provider %q", c.Inference.PlateProvider)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("invalid max upload size %d", c.Server.MaxUploadBytes)
	}
	if c.Auth.Enabled() && c.Auth.OperatorPassword == "" {
		return errors.New("auth.operator_password is required when auth.jwt_secret is set")
	}
	return nil
}
