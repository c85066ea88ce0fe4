// Package config loads process configuration for the primary and worker
// binaries from an optional YAML file, a .env file, and SIGNALHUB_* variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// SIGNALHUB_WORKER_ID overrides worker.id.
const EnvPrefix = "SIGNALHUB"

// Config is the full configuration shared by the primary and worker binaries.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Primary PrimaryConfig `mapstructure:"primary"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	TLS     TLSConfig     `mapstructure:"tls"`
}

// LogConfig selects the log level and the output format, "json" or "console".
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds settings shared by every process in the cluster.
type ServerConfig struct {
	// Name is used as the "from" field of server-originated acknowledgements.
	Name string `mapstructure:"name"`
}

// PrimaryConfig configures the primary process and the workers it launches.
type PrimaryConfig struct {
	Listen         string        `mapstructure:"listen"`
	DefaultGroups  []string      `mapstructure:"defaultGroups"`
	WorkerCount    int           `mapstructure:"workerCount"`
	WorkerBinary   string        `mapstructure:"workerBinary"`
	WorkerBasePort int           `mapstructure:"workerBasePort"`
	HealthInterval time.Duration `mapstructure:"healthInterval"`
	AllowedOrigins []string      `mapstructure:"allowedOrigins"`
}

// WorkerConfig configures one worker process.
type WorkerConfig struct {
	ID                  int           `mapstructure:"id"`
	Listen              string        `mapstructure:"listen"`
	PublicAddr          string        `mapstructure:"publicAddr"`
	PrimaryURL          string        `mapstructure:"primaryURL"`
	RegistrationTimeout time.Duration `mapstructure:"registrationTimeout"`
	WriteTimeout        time.Duration `mapstructure:"writeTimeout"`
	PingInterval        time.Duration `mapstructure:"pingInterval"`
	ReadLimit           int64         `mapstructure:"readLimit"`
	SendBuffer          int           `mapstructure:"sendBuffer"`
}

// TLSConfig enables TLS on the client and API listeners.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("server.name", "signalhub-server")

	v.SetDefault("primary.listen", ":9191")
	v.SetDefault("primary.defaultGroups", []string{"p2p", "group_chat", "file_transfer"})
	v.SetDefault("primary.workerCount", 0)
	v.SetDefault("primary.workerBinary", "")
	v.SetDefault("primary.workerBasePort", 9090)
	v.SetDefault("primary.healthInterval", 5*time.Second)
	v.SetDefault("primary.allowedOrigins", []string{"*"})

	v.SetDefault("worker.id", 1)
	v.SetDefault("worker.listen", ":9090")
	v.SetDefault("worker.publicAddr", "http://127.0.0.1:9090")
	v.SetDefault("worker.primaryURL", "ws://127.0.0.1:9191/ipc")
	v.SetDefault("worker.registrationTimeout", 5*time.Second)
	v.SetDefault("worker.writeTimeout", 10*time.Second)
	v.SetDefault("worker.pingInterval", 25*time.Second)
	v.SetDefault("worker.readLimit", 65536)
	v.SetDefault("worker.sendBuffer", 256)

	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.certFile", "")
	v.SetDefault("tls.keyFile", "")
}

// Load reads configuration from fileName (without extension, searched in
// "." and "./configs"), a .env file when present, and the environment.
// A missing config file is not an error; the result is validated before
// it is returned.
func Load(fileName string) (*Config, error) {
	// .env is optional; real environment variables take precedence over it.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
