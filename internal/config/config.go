package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	DevUserEmail  string `mapstructure:"dev_user_email"`
	Server        struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Driver   string `mapstructure:"driver"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		MaxConns int32  `mapstructure:"max_conns"`
		Migrate  bool   `mapstructure:"migrate"`
	} `mapstructure:"db"`
	Auth struct {
		OktaDomain      string `mapstructure:"okta_domain"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RedirectURL     string `mapstructure:"redirect_url"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
		AdminToken      string `mapstructure:"admin_token"`
	} `mapstructure:"auth"`
	Storage struct {
		Driver        string `mapstructure:"driver"`
		Bucket        string `mapstructure:"bucket"`
		Region        string `mapstructure:"region"`
		Endpoint      string `mapstructure:"endpoint"`
		UsePathStyle  bool   `mapstructure:"use_path_style"`
		LocalDir      string `mapstructure:"local_dir"`
		PublicBaseURL string `mapstructure:"public_base_url"`
	} `mapstructure:"storage"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.ToUpper(c.Environment) == "DEV"
}

// DSN returns the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// LoadConfig loads the configuration from an optional .env file, a
// config.yaml file and the environment. Environment variables use the
// NEXFLOW_ prefix with dots replaced by underscores (NEXFLOW_DB_HOST).
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("NEXFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	switch c.Storage.Driver {
	case "s3":
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the s3 driver")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return errors.New("storage.local_dir is required for the local driver")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.DevModeBypass && !c.IsDev() {
		return errors.New("dev_mode_bypass requires environment DEV")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "DEV")
	v.SetDefault("dev_user_email", "dev@localhost")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "nexflow")
	v.SetDefault("db.name", "nexflow")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.migrate", true)
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local_dir", "./data/files")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("log.level", "info")
	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{
		"db.password", "auth.okta_domain", "auth.client_id", "auth.client_secret", "auth.redirect_url",
		"auth.swagger_client_id", "auth.admin_token", "storage.bucket", "storage.endpoint",
		"storage.public_base_url", "tls.cert_file", "tls.key_file",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("dev_mode_bypass", false)
	v.SetDefault("storage.use_path_style", false)
	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.hostnames", []string{})
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
