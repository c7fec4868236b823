package main

import (
	"context"
	"log/slog"

	"github.com/mfigueira/mordomo/internal/router"
	"github.com/mfigueira/mordomo/internal/skill"
	"github.com/mfigueira/mordomo/internal/task"
)

// coreHandle exposes core services to skills. It closes the loop between
// registry, router and executor without the skill package depending on
// either.
type coreHandle struct {
	router   *router.Router
	executor *task.Executor
	registry *skill.Registry
	logger   *slog.Logger
}

// SubmitText routes text exactly as an external submission would, so a skill
// can chain follow-up commands. Built-in system phrases are ignored here;
// they only make sense on the interactive surface.
func (c *coreHandle) SubmitText(ctx context.Context, text string) error {
	cmd, err := c.router.Route(text)
	if err != nil {
		return err
	}
	if cmd.System != router.SystemNone {
		return nil
	}
	_, err = c.executor.Submit(ctx, cmd)
	return err
}

func (c *coreHandle) Logger() *slog.Logger {
	return c.logger
}

func (c *coreHandle) RegisterAction(skillName string, action skill.Action) error {
	return c.registry.RegisterAction(skillName, action)
}
