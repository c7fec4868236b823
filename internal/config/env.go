package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
}

type SkillEnv struct {
	PluginDir string `envconfig:"PLUGIN_DIR" default:".mordomo/skills"`
}

type SafetyEnv struct {
	RulesPath string `envconfig:"SAFETY_RULES" default:""`
}

type ExecutorEnv struct {
	Workers             int           `envconfig:"WORKERS" default:"4"`
	QueueBacklog        int           `envconfig:"QUEUE_BACKLOG" default:"256"`
	TaskTimeout         time.Duration `envconfig:"TASK_TIMEOUT" default:"2m"`
	ConfirmationTimeout time.Duration `envconfig:"CONFIRMATION_TIMEOUT" default:"5m"`
}

type AuditEnv struct {
	DataDir string `envconfig:"DATA_DIR" default:".mordomo/data"`
	// Retention prunes audit records older than the window. Zero keeps
	// everything, which is the safe default.
	Retention time.Duration `envconfig:"AUDIT_RETENTION" default:"0"`
}

type Env struct {
	BaseEnv
	SkillEnv
	SafetyEnv
	ExecutorEnv
	AuditEnv
}

const namespace = "MORDOMO"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}
