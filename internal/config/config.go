package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	// MariaDB接続設定
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBName     string `yaml:"db_name"`

	// Redis (presence, dedup, relay). 空ならメモリ実装
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// サーバー設定
	ServerPort string `yaml:"server_port"`
	Env        string `yaml:"env"`
	LogLevel   string `yaml:"log_level"`

	// CORS設定
	AllowedOrigins []string `yaml:"allowed_origins"`

	// 認証
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`

	// ファイル保存先
	MediaRoot          string `yaml:"media_root"`
	ProtectedMediaRoot string `yaml:"protected_media_root"`
	MaxUploadMB        int    `yaml:"max_upload_mb"`

	// フォーラム
	EditWindow    time.Duration `yaml:"edit_window"`
	DeleteWindow  time.Duration `yaml:"delete_window"`
	PresenceTTL   time.Duration `yaml:"presence_ttl"`
	TypingTimeout time.Duration `yaml:"typing_timeout"`
	DedupTTL      time.Duration `yaml:"dedup_ttl"`
	WSRate        float64       `yaml:"ws_rate"`
	WSBurst       int           `yaml:"ws_burst"`

	// ダウンロードトークン
	DownloadTokenTTL time.Duration `yaml:"download_token_ttl"`
	DownloadMaxTimes int           `yaml:"download_max_times"`
	DownloadTimeout  time.Duration `yaml:"download_timeout"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		DBHost:             "localhost",
		DBPort:             "3306",
		ServerPort:         "8080",
		Env:                "development",
		LogLevel:           "info",
		AllowedOrigins:     []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		JWTIssuer:          "examhub",
		MediaRoot:          "media",
		ProtectedMediaRoot: "protected_media",
		MaxUploadMB:        200,
		EditWindow:         5 * time.Minute,
		DeleteWindow:       5 * time.Minute,
		PresenceTTL:        5 * time.Minute,
		TypingTimeout:      3 * time.Second,
		DedupTTL:           5 * time.Minute,
		WSRate:             10,
		WSBurst:            20,
		DownloadTokenTTL:   48 * time.Hour,
		DownloadMaxTimes:   3,
		DownloadTimeout:    5 * time.Second,
	}
}

// Load loads configuration from environment variables
func Load() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	return cfg
}

// LoadFile reads a YAML file over the defaults, then applies environment
// variables on top. An empty path behaves like Load.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if c.EditWindow <= 0 || c.DeleteWindow <= 0 {
		return fmt.Errorf("edit and delete windows must be positive")
	}
	if c.TypingTimeout <= 0 || c.PresenceTTL <= 0 {
		return fmt.Errorf("typing timeout and presence ttl must be positive")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be positive")
	}
	if c.DownloadMaxTimes <= 0 {
		return fmt.Errorf("download_max_times must be positive")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

// UseDatabase reports whether MySQL is configured.
func (c Config) UseDatabase() bool { return c.DBName != "" }

// UseRedis reports whether Redis is configured.
func (c Config) UseRedis() bool { return c.RedisAddr != "" }

func applyEnv(cfg *Config) {
	setString(&cfg.DBHost, "DB_HOST")
	setString(&cfg.DBPort, "DB_PORT")
	setString(&cfg.DBUser, "DB_USER")
	setString(&cfg.DBPassword, "DB_PASSWORD")
	setString(&cfg.DBName, "DB_NAME")

	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.RedisDB, "REDIS_DB")

	setString(&cfg.ServerPort, "SERVER_PORT")
	setString(&cfg.Env, "ENV")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}
	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}

	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")

	setString(&cfg.MediaRoot, "MEDIA_ROOT")
	setString(&cfg.ProtectedMediaRoot, "PROTECTED_MEDIA_ROOT")
	setInt(&cfg.MaxUploadMB, "FORUM_MAX_UPLOAD_MB")

	setDuration(&cfg.EditWindow, "EDIT_WINDOW")
	setDuration(&cfg.DeleteWindow, "DELETE_WINDOW")
	setDuration(&cfg.PresenceTTL, "PRESENCE_TTL")
	setDuration(&cfg.TypingTimeout, "TYPING_TIMEOUT")
	setDuration(&cfg.DedupTTL, "DEDUP_TTL")
	setFloat(&cfg.WSRate, "WS_RATE")
	setInt(&cfg.WSBurst, "WS_BURST")

	// 元の設定に合わせて時間単位で指定する
	if v := os.Getenv("DOWNLOAD_TOKEN_TTL_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			cfg.DownloadTokenTTL = time.Duration(hours) * time.Hour
		}
	}
	setInt(&cfg.DownloadMaxTimes, "DOWNLOAD_MAX_TIMES")
	setDuration(&cfg.DownloadTimeout, "DOWNLOAD_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
