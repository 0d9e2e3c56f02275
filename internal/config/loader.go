package config

import (
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rpattn/entrack/internal/db"
)

// Config is the full server configuration.
type Config struct {
	Database       db.Config
	ServerAddr     string
	MigrationsPath string
	AllowedOrigins []string
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() Config {
	return Config{
		Database:       db.DefaultConfig(),
		ServerAddr:     ":8080",
		MigrationsPath: "./migrations",
		AllowedOrigins: []string{"http://localhost:3000"},
	}
}

// Load reads config.yaml from the given path, with environment overrides
// (ENTRACK_DATABASE_HOST, ENTRACK_SERVER_ADDR, ...). Missing files are fine;
// defaults and env vars apply.
func Load(configPath string, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("ENTRACK")

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("server.addr")
	v.BindEnv("server.migrations_path")

	if err := v.ReadInConfig(); err != nil {
		logger.Info("no config.yaml found, using defaults and env vars")
	} else {
		logger.Info("loaded config file", zap.String("file", v.ConfigFileUsed()))
	}

	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("server.addr") {
		cfg.ServerAddr = v.GetString("server.addr")
	}
	if v.IsSet("server.migrations_path") {
		cfg.MigrationsPath = v.GetString("server.migrations_path")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}

	return cfg, nil
}
