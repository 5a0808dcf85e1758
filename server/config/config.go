// runtime configuration: environment first, flags override
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
)

// Config mirrors the classic short-flag surface plus the paths the
// server needs. Environment variables use the WEBSERV_ prefix.
type Config struct {
	Port     int `envconfig:"PORT"`
	LogAsync int `envconfig:"LOG_ASYNC"` // 0 sync, 1 async
	TrigMode int `envconfig:"TRIG_MODE"` // bit 0 listen ET, bit 1 conn ET
	Linger   int `envconfig:"LINGER"`    // 0 off, 1 on
	SQLConns int `envconfig:"SQL_CONNS"`
	Workers  int `envconfig:"WORKERS"`
	CloseLog int `envconfig:"CLOSE_LOG"` // 1 disables logging
	Actor    int `envconfig:"ACTOR"`     // 0 proactor, 1 reactor

	Root    string `envconfig:"ROOT"`
	DBPath  string `envconfig:"DB_PATH"`
	Metrics string `envconfig:"METRICS"` // listen address, empty disables
	LogDir  string `envconfig:"LOG_DIR"`
}

func Default() Config {
	return Config{
		Port:     9006,
		LogAsync: 0,
		TrigMode: 0,
		Linger:   0,
		SQLConns: 8,
		Workers:  8,
		CloseLog: 0,
		Actor:    0,
		Root:     "./root",
		DBPath:   "./webserv.db",
		Metrics:  "",
		LogDir:   ".",
	}
}

// Load fills defaults, applies the environment, then the flags
func Load(args []string) (Config, error) {
	cfg := Default()
	if err := envconfig.Process("webserv", &cfg); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}

	fs := pflag.NewFlagSet("webserv", pflag.ContinueOnError)
	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "listen port")
	fs.IntVarP(&cfg.LogAsync, "log-write", "l", cfg.LogAsync, "log mode, 0 sync 1 async")
	fs.IntVarP(&cfg.TrigMode, "trig-mode", "m", cfg.TrigMode, "trigger mode, bit 0 listen ET, bit 1 conn ET")
	fs.IntVarP(&cfg.Linger, "linger", "o", cfg.Linger, "graceful close, 0 off 1 on")
	fs.IntVarP(&cfg.SQLConns, "sql-conns", "s", cfg.SQLConns, "database connection pool size")
	fs.IntVarP(&cfg.Workers, "threads", "t", cfg.Workers, "worker count")
	fs.IntVarP(&cfg.CloseLog, "close-log", "c", cfg.CloseLog, "disable logging, 0 on 1 off")
	fs.IntVarP(&cfg.Actor, "actor", "a", cfg.Actor, "concurrency model, 0 proactor 1 reactor")
	fs.StringVar(&cfg.Root, "root", cfg.Root, "document root")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.Metrics, "metrics", cfg.Metrics, "metrics listen address, empty disables")
	fs.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "log file directory")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.TrigMode < 0 || c.TrigMode > 3 {
		return fmt.Errorf("trigger mode out of range: %d", c.TrigMode)
	}
	if c.SQLConns <= 0 {
		return fmt.Errorf("pool size must be positive: %d", c.SQLConns)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("worker count must be positive: %d", c.Workers)
	}
	if c.Actor != 0 && c.Actor != 1 {
		return fmt.Errorf("actor model must be 0 or 1: %d", c.Actor)
	}
	return nil
}

// trigger-mode bits map onto the two sockets
func (c Config) ListenET() bool { return c.TrigMode&1 != 0 }
func (c Config) ConnET() bool   { return c.TrigMode&2 != 0 }

func (c Config) Proactor() bool { return c.Actor == 0 }
func (c Config) AsyncLog() bool { return c.LogAsync == 1 }
func (c Config) LogOff() bool   { return c.CloseLog == 1 }
func (c Config) SoLinger() bool { return c.Linger == 1 }
