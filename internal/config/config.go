// Package config loads the CLI/env/file configuration shared by the manager, worker, and
// reconciler entrypoints (spec §6 "CLI surfaces" and "Environment variables").
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the union of settings every process may need; each cmd/* main reads only the
// fields relevant to it.
type Config struct {
	BusURL            string `yaml:"busURL"`
	LogLevel          string `yaml:"logLevel"`
	MetricsAddress    string `yaml:"metricsAddress"`
	MaxConcurrentTask int    `yaml:"maxConcurrentTasks"`

	// worker "job" mode (spec §6 TASK_METHOD/TASK_ARGS/TASK_TIMEOUT)
	Mode        string `yaml:"mode"`
	TaskMethod  string `yaml:"-"`
	TaskArgs    string `yaml:"-"`
	TaskTimeout int    `yaml:"-"`

	LoadPlugins []string `yaml:"loadPlugins"`

	// reconciler
	OrchestratorURL string `yaml:"orchestratorURL"`
}

func defaults() Config {
	return Config{
		BusURL:            "nats://127.0.0.1:4222",
		LogLevel:          "info",
		MetricsAddress:    "localhost:4317",
		MaxConcurrentTask: 8,
		Mode:              "worker",
		TaskTimeout:       30,
	}
}

// Load builds a Config from defaults, then an optional YAML file, then env vars, then flags —
// each phase overrides the previous one, so a flag wins over an env var; the same precedence the teacher's services apply via
// getEnvDefault-style helpers (task_executor.go) generalized to a shared loader.
func Load(args []string) (Config, error) {
	cfg := defaults()

	fs := flag.NewFlagSet(progName(args), flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	busURL := fs.String("bus-url", "", "override bus URL")
	logLevel := fs.String("log-level", "", "override log level")
	metricsAddr := fs.String("metrics-address", "", "override metrics/OTLP address")
	maxConcurrent := fs.Int("max-concurrent-tasks", 0, "override max concurrent tasks")
	mode := fs.String("mode", "", "worker|job")
	loadPlugin := multiFlag{}
	fs.Var(&loadPlugin, "load-plugin", "path to a shared-library plugin (repeatable)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if *busURL != "" {
		cfg.BusURL = *busURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *metricsAddr != "" {
		cfg.MetricsAddress = *metricsAddr
	}
	if *maxConcurrent != 0 {
		cfg.MaxConcurrentTask = *maxConcurrent
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if len(loadPlugin) > 0 {
		cfg.LoadPlugins = append(cfg.LoadPlugins, loadPlugin...)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BUS_URL"); v != "" {
		cfg.BusURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("METRICS_ADDRESS"); v != "" {
		cfg.MetricsAddress = v
	}
	if v := os.Getenv("MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentTask = n
		}
	}
	cfg.TaskMethod = os.Getenv("TASK_METHOD")
	cfg.TaskArgs = os.Getenv("TASK_ARGS")
	if v := os.Getenv("TASK_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskTimeout = n
		}
	}
}

func progName(args []string) string {
	return "taskscheduler"
}

type multiFlag []string

func (m *multiFlag) String() string { return fmt.Sprintf("%v", []string(*m)) }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}
