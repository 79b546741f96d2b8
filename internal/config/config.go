package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type DB struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type Feed struct {
	Driver   string `mapstructure:"driver"` // memory|redis
	RedisURL string `mapstructure:"redis_url"`
}

type Storage struct {
	Driver         string        `mapstructure:"driver"` // file|mem|s3|cos
	Bucket         string        `mapstructure:"bucket"`
	Region         string        `mapstructure:"region"`
	Endpoint       string        `mapstructure:"endpoint"`
	AccessKey      string        `mapstructure:"access_key"`
	SecretKey      string        `mapstructure:"secret_key"`
	BaseDir        string        `mapstructure:"base_dir"`
	PublicPrefix   string        `mapstructure:"public_prefix"`
	ForcePathStyle bool          `mapstructure:"force_path_style"`
	SignedURLTTL   time.Duration `mapstructure:"signed_url_ttl"`
}

type Auth struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type Limits struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Sync struct {
	CoalesceWindow time.Duration `mapstructure:"coalesce_window"`
	PageSize       int           `mapstructure:"page_size"`
}

// Server is the groupsyncd configuration.
type Server struct {
	Addr    string  `mapstructure:"addr"`
	DB      DB      `mapstructure:"db"`
	Feed    Feed    `mapstructure:"feed"`
	Storage Storage `mapstructure:"storage"`
	Auth    Auth    `mapstructure:"auth"`
	Limits  Limits  `mapstructure:"limits"`
	Log     Log     `mapstructure:"log"`
}

// Client is the groupchat configuration.
type Client struct {
	Server string `mapstructure:"server"`
	Token  string `mapstructure:"token"`
	Sync   Sync   `mapstructure:"sync"`
	Log    Log    `mapstructure:"log"`
}

const envPrefix = "GROUPSYNC"

func newViper(file string) (*viper.Viper, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return v, nil
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("db.driver", "sqlite3")
	v.SetDefault("db.dsn", "groupsync.db")
	v.SetDefault("feed.driver", "memory")
	v.SetDefault("feed.redis_url", "redis://localhost:6379/0")
	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.base_dir", "data/blobs")
	v.SetDefault("storage.public_prefix", "/media/")
	v.SetDefault("storage.signed_url_ttl", 15*time.Minute)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("limits.rps", 5.0)
	v.SetDefault("limits.burst", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// LoadServer reads defaults, the optional config file (section "server" if
// present) and GROUPSYNC_* environment overrides.
func LoadServer(file string) (*Server, error) {
	v, err := newViper(file)
	if err != nil {
		return nil, err
	}
	if sub := v.Sub("server"); sub != nil {
		sub.SetEnvPrefix(envPrefix)
		sub.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		sub.AutomaticEnv()
		v = sub
	}
	serverDefaults(v)

	var c Server
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, c.Validate()
}

func (c *Server) Validate() error {
	switch c.DB.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("db.driver %q: want sqlite3 or postgres", c.DB.Driver)
	}
	switch c.Feed.Driver {
	case "memory":
	case "redis":
		if c.Feed.RedisURL == "" {
			return fmt.Errorf("feed.redis_url required for redis feed")
		}
	default:
		return fmt.Errorf("feed.driver %q: want memory or redis", c.Feed.Driver)
	}
	switch c.Storage.Driver {
	case "file", "mem", "s3", "cos":
	default:
		return fmt.Errorf("storage.driver %q: want file, mem, s3 or cos", c.Storage.Driver)
	}
	if len(c.Auth.Secret) < 16 {
		return fmt.Errorf("auth.secret must be at least 16 bytes (GROUPSYNC_AUTH_SECRET)")
	}
	if c.Limits.RPS <= 0 || c.Limits.Burst <= 0 {
		return fmt.Errorf("limits.rps and limits.burst must be positive")
	}
	return nil
}

// LoadClient reads the terminal client configuration.
func LoadClient(file string) (*Client, error) {
	v, err := newViper(file)
	if err != nil {
		return nil, err
	}
	if sub := v.Sub("client"); sub != nil {
		sub.SetEnvPrefix(envPrefix)
		sub.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		sub.AutomaticEnv()
		v = sub
	}
	v.SetDefault("server", "http://localhost:8080")
	v.SetDefault("token", "")
	v.SetDefault("sync.coalesce_window", 150*time.Millisecond)
	v.SetDefault("sync.page_size", 100)
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")

	var c Client
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.Server == "" {
		return nil, fmt.Errorf("server url required")
	}
	if c.Sync.PageSize <= 0 {
		return nil, fmt.Errorf("sync.page_size must be positive")
	}
	return &c, nil
}
