package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/deltaruntime/overlayrt/cmd/core"
	"github.com/deltaruntime/overlayrt/internal/plan"
	"github.com/deltaruntime/overlayrt/internal/runtimebuild"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Create(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	name := args[0]
	description, _ := cmd.Flags().GetString("description")

	if err := os.MkdirAll(conf.ProfileWorkspaceDir(name), 0o750); err != nil {
		return fmt.Errorf("create workspace dir for %q: %w", name, err)
	}

	reg := cmdcore.InitRegistry(conf)
	entry, err := reg.Create(ctx, name, description)
	if err != nil {
		return fmt.Errorf("create profile %q: %w", name, err)
	}
	fmt.Printf("created profile %q at %s\n", entry.Name, conf.ProfileDir(name))
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	reg := cmdcore.InitRegistry(conf)
	entries, err := reg.List(ctx)
	if err != nil {
		return fmt.Errorf("list profiles: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No profiles registered.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tCREATED\tLAST USED\tDESCRIPTION")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Name, e.CreatedAt.Local().Format(time.DateTime), e.LastUsedAt.Local().Format(time.DateTime), e.Description)
	}
	return w.Flush()
}

func (h Handler) Remove(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	name := args[0]
	reg := cmdcore.InitRegistry(conf)
	if err := reg.Remove(ctx, name); err != nil {
		return fmt.Errorf("remove profile %q: %w", name, err)
	}
	fmt.Printf("deregistered profile %q\n", name)
	return nil
}

func (h Handler) ComputePlan(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	profileName := args[0]

	store, err := cmdcore.InitStore(conf)
	if err != nil {
		return err
	}
	view := cmdcore.InitView(conf, profileName)
	planner := cmdcore.InitPlanner(conf, store)

	p, err := planner.Compute(ctx, profileName, view)
	if err != nil {
		return fmt.Errorf("compute plan for %q: %w", profileName, err)
	}

	planPath := conf.RuntimePlanFile(profileName)
	if err := os.MkdirAll(filepath.Dir(planPath), 0o750); err != nil {
		return fmt.Errorf("ensure plan dir: %w", err)
	}
	if err := plan.Save(planPath, p); err != nil {
		return fmt.Errorf("save plan for %q: %w", profileName, err)
	}

	log.WithFunc("cmd.profile.computePlan").Infof(ctx, "%s: %d files (%d base, %d blob), %s total",
		profileName, p.TotalFiles, p.BaseFiles, p.BlobFiles, cmdcore.FormatSize(p.TotalSize))
	return nil
}

func (h Handler) Build(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	profileName := args[0]
	logger := log.WithFunc("cmd.profile.build")

	store, err := cmdcore.InitStore(conf)
	if err != nil {
		return err
	}

	planPath := conf.RuntimePlanFile(profileName)
	p, err := plan.Load(planPath)
	if err != nil {
		return fmt.Errorf("load plan for %q (run compute-plan first): %w", profileName, err)
	}

	builder := cmdcore.InitBuilder(conf, store)
	result, err := builder.Build(ctx, profileName, p, func(pr runtimebuild.Progress) {
		if pr.Phase == runtimebuild.PhaseFailed {
			logger.Warnf(ctx, "%s: build failed: %v", profileName, pr.Err)
			return
		}
		logger.Infof(ctx, "%s: %s", profileName, pr.Phase)
	})
	if err != nil {
		return fmt.Errorf("build %q: %w", profileName, err)
	}

	logger.Infof(ctx, "%s: built %d files (%.1f files/s, %.1f MB/s) in %dms",
		profileName, result.TotalFiles, result.FilesPerSecond, result.MBPerSecond, result.BuildTimeMS)
	return nil
}

func (h Handler) CleanupTemp(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.profile.cleanupTemp")

	errs := runtimebuild.CleanupTemp(conf.RuntimesDir())
	for _, e := range errs {
		logger.Warnf(ctx, "cleanup: %v", e)
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup-temp: %d errors", len(errs))
	}
	logger.Info(ctx, "cleanup-temp: no errors")
	return nil
}

func (h Handler) CopyToWorkspace(cmd *cobra.Command, args []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	profileName, relPath := args[0], args[1]
	view := cmdcore.InitView(conf, profileName)
	if err := view.CopyToWorkspace(relPath); err != nil {
		return fmt.Errorf("copy-to-workspace %q %q: %w", profileName, relPath, err)
	}
	fmt.Printf("copied %s into %s's workspace\n", relPath, profileName)
	return nil
}

func (h Handler) Revert(cmd *cobra.Command, args []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	profileName, relPath := args[0], args[1]
	view := cmdcore.InitView(conf, profileName)
	if err := view.RevertToBase(relPath); err != nil {
		return fmt.Errorf("revert %q %q: %w", profileName, relPath, err)
	}
	fmt.Printf("reverted %s in %s to base\n", relPath, profileName)
	return nil
}

func (h Handler) DebugBlobs(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	store, err := cmdcore.InitStore(conf)
	if err != nil {
		return err
	}
	report, err := store.Debug(ctx)
	if err != nil {
		return fmt.Errorf("debug-blobs: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
