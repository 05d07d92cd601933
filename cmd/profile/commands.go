// Package profile implements the profile-lifecycle command surface:
// compute-plan, build, cleanup-temp, copy-to-workspace, revert, and
// debug-blobs (SPEC_FULL.md §6).
package profile

import "github.com/spf13/cobra"

// Actions defines the profile-lifecycle operations.
type Actions interface {
	Create(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Remove(cmd *cobra.Command, args []string) error
	ComputePlan(cmd *cobra.Command, args []string) error
	Build(cmd *cobra.Command, args []string) error
	CleanupTemp(cmd *cobra.Command, args []string) error
	CopyToWorkspace(cmd *cobra.Command, args []string) error
	Revert(cmd *cobra.Command, args []string) error
	DebugBlobs(cmd *cobra.Command, args []string) error
}

// Command builds the "profile" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage per-profile overlays and runtime builds",
	}
	createCmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Register a new profile",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Create,
	}
	createCmd.Flags().String("description", "", "optional profile description")

	profileCmd.AddCommand(
		createCmd,
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List registered profiles",
			RunE:    h.List,
		},
		&cobra.Command{
			Use:   "rm NAME",
			Short: "Deregister a profile (leaves workspace and blobs untouched)",
			Args:  cobra.ExactArgs(1),
			RunE:  h.Remove,
		},
		&cobra.Command{
			Use:   "compute-plan PROFILE",
			Short: "Walk a profile's overlay view and write its runtime plan",
			Args:  cobra.ExactArgs(1),
			RunE:  h.ComputePlan,
		},
		&cobra.Command{
			Use:   "build PROFILE",
			Short: "Materialize a profile's latest plan as a runtime directory",
			Args:  cobra.ExactArgs(1),
			RunE:  h.Build,
		},
		&cobra.Command{
			Use:   "cleanup-temp",
			Short: "Remove leftover staging directories from interrupted builds",
			RunE:  h.CleanupTemp,
		},
		&cobra.Command{
			Use:   "copy-to-workspace PROFILE PATH",
			Short: "Copy a base file into the workspace, promoting it to an override",
			Args:  cobra.ExactArgs(2),
			RunE:  h.CopyToWorkspace,
		},
		&cobra.Command{
			Use:   "revert PROFILE PATH",
			Short: "Remove a workspace override, restoring base visibility",
			Args:  cobra.ExactArgs(2),
			RunE:  h.Revert,
		},
		&cobra.Command{
			Use:   "debug-blobs",
			Short: "Report blob store consistency: orphans and missing blobs",
			RunE:  h.DebugBlobs,
		},
	)
	return profileCmd
}
