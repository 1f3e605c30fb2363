package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DatabasePath       string        `mapstructure:"DB_PATH"`
	ListenAddr         string        `mapstructure:"LISTEN_ADDR"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	LogPretty          bool          `mapstructure:"LOG_PRETTY"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
	ProvisionalGrace   time.Duration `mapstructure:"PROVISIONAL_GRACE"`
	PruneRemoteOrphans bool          `mapstructure:"PRUNE_REMOTE_ORPHANS"`

	ProxyBackend     string        `mapstructure:"PROXY_BACKEND"` // virtualizor or iptables
	ProxyTimeout     time.Duration `mapstructure:"PROXY_TIMEOUT"`
	ProxyInsecureTLS bool          `mapstructure:"PROXY_INSECURE_TLS"`
	IPTablesChain    string        `mapstructure:"IPTABLES_CHAIN"`
	HostInterface    string        `mapstructure:"HOST_INTERFACE"`
	CredentialKey    string        `mapstructure:"CREDENTIAL_KEY"` // hex, 32 bytes

	LockBackend   string        `mapstructure:"LOCK_BACKEND"` // local or redis
	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	LockTTL       time.Duration `mapstructure:"LOCK_TTL"`

	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`
}

// LoadConfig reads defaults, NATFORWARD_* environment variables and an
// optional .env file in the working directory.
func LoadConfig() (*Config, error) {
	return load(viper.New(), ".env")
}

func load(v *viper.Viper, envFile string) (*Config, error) {
	v.SetDefault("DB_PATH", "natforward.db")
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("SWEEP_INTERVAL", 24*time.Hour)
	v.SetDefault("PROVISIONAL_GRACE", 10*time.Minute)
	v.SetDefault("PRUNE_REMOTE_ORPHANS", false)
	v.SetDefault("PROXY_BACKEND", "virtualizor")
	v.SetDefault("PROXY_TIMEOUT", 15*time.Second)
	v.SetDefault("PROXY_INSECURE_TLS", false)
	v.SetDefault("IPTABLES_CHAIN", "NATFORWARD")
	v.SetDefault("HOST_INTERFACE", "eth0")
	v.SetDefault("CREDENTIAL_KEY", "")
	v.SetDefault("LOCK_BACKEND", "local")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("LOCK_TTL", 30*time.Second)
	v.SetDefault("SMTP_HOST", "")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_USERNAME", "")
	v.SetDefault("SMTP_PASSWORD", "")
	v.SetDefault("SMTP_FROM", "")

	v.SetEnvPrefix("NATFORWARD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		// Ignore err if the file doesn't exist
		_ = v.ReadInConfig()
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
