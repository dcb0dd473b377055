package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tenex-run/tenex/internal/daemon"
	"github.com/tenex-run/tenex/internal/obs"
	"github.com/tenex-run/tenex/internal/project"
	"github.com/tenex-run/tenex/internal/store"
)

// ProjectCmd groups project-scoped commands.
type ProjectCmd struct {
	Run ProjectRunCmd `cmd:"" help:"Run a single project from a local definition file, without daemon-wide project discovery."`
}

// ProjectRunCmd is the single-project compat/dev mode: run exactly one
// project read from <path>/project.json rather than discovering it from a
// relay.
type ProjectRunCmd struct {
	Path string `help:"Directory containing project.json." type:"path" required:""`
}

func (c *ProjectRunCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("project run: %w", err)
	}

	var def project.Definition
	defPath := filepath.Join(c.Path, "project.json")
	if err := store.ReadJSON(defPath, &def); err != nil {
		return fmt.Errorf("project run: read %s: %w", defPath, err)
	}

	d, err := daemon.New(*cfg)
	if err != nil {
		return fmt.Errorf("project run: build daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs.Logger().Info("project starting", "project", def.ID, "path", c.Path)
	if err := d.RunSingleProject(ctx, def); err != nil {
		return fmt.Errorf("project run: %w", err)
	}
	obs.Logger().Info("project stopped", "project", def.ID)
	return nil
}
