// Package config loads viewer settings from the environment and applies
// command-line overrides on top. Flags win over environment variables,
// which win over the built-in defaults.
package config

import (
	"flag"
	"time"

	"github.com/caarlos0/env/v11"

	"agent-world/viewer/internal/loop"
	"agent-world/viewer/internal/telemetry"
)

// Config carries every runtime setting of the viewer daemon.
type Config struct {
	BindAddr        string `env:"VIEWER_BIND_ADDR"        envDefault:"127.0.0.1:7780"`
	HTTPAddr        string `env:"VIEWER_HTTP_ADDR"        envDefault:"127.0.0.1:7781"`
	ClientDir       string `env:"VIEWER_CLIENT_DIR"`
	Mode            string `env:"VIEWER_MODE"             envDefault:"scripted"`
	QueueCapacity   int    `env:"VIEWER_QUEUE_CAPACITY"   envDefault:"64"`
	EnqueueWaitMS   int    `env:"VIEWER_ENQUEUE_WAIT_MS"  envDefault:"50"`
	CommitWaitMS    int    `env:"VIEWER_COMMIT_WAIT_MS"   envDefault:"50"`
	JournalCapacity int    `env:"VIEWER_JOURNAL_CAPACITY" envDefault:"256"`
	AgentCount      int    `env:"VIEWER_AGENT_COUNT"      envDefault:"8"`
	Seed            int64  `env:"VIEWER_SEED"`
	MaxConns        int    `env:"VIEWER_MAX_CONNS"        envDefault:"64"`
	MetricsEvery    uint64 `env:"VIEWER_METRICS_EVERY"    envDefault:"10"`
	TickMS          int    `env:"VIEWER_TICK_MS"          envDefault:"100"`
}

// Default returns the built-in settings with no environment applied.
func Default() Config {
	return Config{
		BindAddr:        "127.0.0.1:7780",
		HTTPAddr:        "127.0.0.1:7781",
		Mode:            "scripted",
		QueueCapacity:   64,
		EnqueueWaitMS:   50,
		CommitWaitMS:    50,
		JournalCapacity: 256,
		AgentCount:      8,
		MaxConns:        64,
		MetricsEvery:    10,
		TickMS:          100,
	}
}

// Parse loads the environment, registers the override flags on fs and
// parses args. Unparsable environment values are reported through logger
// and replaced by defaults; flag errors are returned to the caller.
func Parse(fs *flag.FlagSet, args []string, logger telemetry.Logger) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		logf(logger, "invalid environment value, using defaults where needed: %v", err)
	}

	fs.StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "line transport listen address")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "websocket bridge listen address")
	fs.StringVar(&cfg.ClientDir, "client-dir", cfg.ClientDir, "static client bundle directory (empty disables)")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "advancement mode: scripted or consensus")
	fs.IntVar(&cfg.QueueCapacity, "queue-capacity", cfg.QueueCapacity, "event queue capacity")
	fs.IntVar(&cfg.EnqueueWaitMS, "enqueue-wait-ms", cfg.EnqueueWaitMS, "bounded producer wait when the queue is full")
	fs.IntVar(&cfg.CommitWaitMS, "commit-wait-ms", cfg.CommitWaitMS, "consensus source await timeout")
	fs.IntVar(&cfg.JournalCapacity, "journal-capacity", cfg.JournalCapacity, "retained snapshots for seek")
	fs.IntVar(&cfg.AgentCount, "agents", cfg.AgentCount, "number of simulated agents")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "world seed (0 derives one from the clock)")
	fs.IntVar(&cfg.MaxConns, "max-conns", cfg.MaxConns, "concurrent line transport connection cap")
	fs.Uint64Var(&cfg.MetricsEvery, "metrics-every", cfg.MetricsEvery, "applied ticks between metrics reports")
	fs.IntVar(&cfg.TickMS, "tick-ms", cfg.TickMS, "scripted drive interval in milliseconds")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.normalize(logger)
	return cfg, nil
}

// normalize replaces out-of-range settings with defaults so the config
// the daemon reports is the config it actually runs with.
func (c *Config) normalize(logger telemetry.Logger) {
	def := Default()
	if c.Mode != "scripted" && c.Mode != "consensus" {
		logf(logger, "unknown mode %q, using %q", c.Mode, def.Mode)
		c.Mode = def.Mode
	}
	if c.BindAddr == "" {
		c.BindAddr = def.BindAddr
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = def.HTTPAddr
	}
	clampInt(logger, "queue capacity", &c.QueueCapacity, def.QueueCapacity)
	clampInt(logger, "enqueue wait", &c.EnqueueWaitMS, def.EnqueueWaitMS)
	clampInt(logger, "commit wait", &c.CommitWaitMS, def.CommitWaitMS)
	clampInt(logger, "journal capacity", &c.JournalCapacity, def.JournalCapacity)
	clampInt(logger, "agent count", &c.AgentCount, def.AgentCount)
	clampInt(logger, "max conns", &c.MaxConns, def.MaxConns)
	clampInt(logger, "tick interval", &c.TickMS, def.TickMS)
	if c.MetricsEvery < 1 {
		logf(logger, "invalid metrics interval %d, using %d", c.MetricsEvery, def.MetricsEvery)
		c.MetricsEvery = def.MetricsEvery
	}
}

func clampInt(logger telemetry.Logger, name string, value *int, fallback int) {
	if *value >= 1 {
		return
	}
	logf(logger, "invalid %s %d, using %d", name, *value, fallback)
	*value = fallback
}

// LoopMode converts the textual mode to the loop's enum.
func (c Config) LoopMode() loop.Mode {
	if c.Mode == "consensus" {
		return loop.ModeConsensus
	}
	return loop.ModeScripted
}

// EnqueueWait is the bounded producer wait as a duration.
func (c Config) EnqueueWait() time.Duration {
	return time.Duration(c.EnqueueWaitMS) * time.Millisecond
}

// CommitWait is the consensus await timeout as a duration.
func (c Config) CommitWait() time.Duration {
	return time.Duration(c.CommitWaitMS) * time.Millisecond
}

// TickInterval is the scripted drive cadence as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}

func logf(logger telemetry.Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
