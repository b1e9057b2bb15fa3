package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobrunner/chartpacks/internal/app"
	"github.com/jobrunner/chartpacks/internal/ports/input"
)

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "List catalog regions and their installed packs",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app.App, _ *cobra.Command, _ []string) error {
		regions, err := a.Catalog.Regions(ctx)
		if err != nil {
			return fmt.Errorf("loading catalog: %w", err)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tPACKS\tINSTALLED")
		for _, r := range regions {
			installed, err := a.Manager.InstalledPacks(ctx, r.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
				r.ID, r.Name, r.NormalizedPrefix(), len(r.Packs), joinOrDash(installed))
		}
		return tw.Flush()
	}),
}

var installCmd = &cobra.Command{
	Use:   "install <region>...",
	Short: "Download and install every pack of the given regions",
	Args:  cobra.MinimumNArgs(1),
	RunE: withWritableApp(func(ctx context.Context, a *app.App, cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		quiet, _ := cmd.Flags().GetBool("no-progress")

		opts := input.RegionOptions{Force: force}

		var bars *progressBars
		if !quiet {
			bars = newProgressBars(ctx, a.Catalog)
			opts.OnStatus = bars.Update
		}

		summaries, err := a.Manager.DownloadRegions(ctx, args, opts)
		if bars != nil {
			bars.Stop()
		}

		for _, s := range summaries {
			printSummary(s)
		}
		return err
	}),
}

var deleteCmd = &cobra.Command{
	Use:   "delete <region> [pack]",
	Short: "Remove a region, or one of its packs",
	Args:  cobra.RangeArgs(1, 2),
	RunE: withWritableApp(func(ctx context.Context, a *app.App, _ *cobra.Command, args []string) error {
		regionID := args[0]

		others, err := a.OtherInstalledRegions(ctx, regionID)
		if err != nil {
			return err
		}

		var report *input.DeleteReport
		if len(args) == 2 {
			report, err = a.Manager.DeletePack(ctx, regionID, args[1], others)
		} else {
			report, err = a.Manager.DeleteRegion(ctx, regionID, others)
		}
		if report != nil {
			printReport(report)
		}
		return err
	}),
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Rebuild the manifest of installed charts",
	Args:  cobra.NoArgs,
	RunE: withWritableApp(func(ctx context.Context, a *app.App, _ *cobra.Command, _ []string) error {
		m, err := a.Manager.RegenerateManifest(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d chart archives\n", a.Manager.ManifestPath(), len(m.Packs))
		return nil
	}),
}

var bundlesCmd = &cobra.Command{
	Use:   "bundles",
	Short: "List pack bundles available in remote storage",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app.App, _ *cobra.Command, _ []string) error {
		objects, err := a.Storage.List(ctx)
		if err != nil {
			return fmt.Errorf("listing storage: %w", err)
		}
		sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tSIZE\tMODIFIED")
		for _, o := range objects {
			modified := "-"
			if o.LastModified > 0 {
				modified = time.Unix(o.LastModified, 0).UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", o.Key, formatBytes(o.Size), modified)
		}
		return tw.Flush()
	}),
}

type appFunc func(ctx context.Context, a *app.App, cmd *cobra.Command, args []string) error

// withApp runs fn against an application that is built but not serving.
// SIGINT and SIGTERM cancel fn's context.
func withApp(fn appFunc) func(*cobra.Command, []string) error {
	return runApp(fn, false)
}

// withWritableApp is withApp for commands that change the archive
// directory. The directory is claimed for the duration of fn, and
// leftovers of interrupted installs are swept when no other process
// holds it.
func withWritableApp(fn appFunc) func(*cobra.Command, []string) error {
	return runApp(fn, true)
}

func runApp(fn appFunc, writable bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// No server, no watcher
		cfg.Archives.Watch = false
		cfg.Metrics.Enabled = false

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing application: %w", err)
		}
		defer func() { _ = a.Close() }()

		if writable {
			if _, err := a.Manager.Acquire(ctx); err != nil {
				return fmt.Errorf("claiming archive directory: %w", err)
			}
		}

		return fn(ctx, a, cmd, args)
	}
}

func printSummary(s input.RegionSummary) {
	fmt.Printf("%s: %d installed, %d skipped, %d failed\n",
		s.RegionID, len(s.Succeeded), len(s.Skipped), len(s.Failed))

	ids := make([]string, 0, len(s.Failed))
	for id := range s.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("  %s: %v\n", id, s.Failed[id])
	}
}

func printReport(r *input.DeleteReport) {
	fmt.Printf("%s: removed %d files, freed %s\n", r.RegionID, len(r.FilesRemoved), formatBytes(r.BytesFreed))
	for _, f := range r.Kept {
		fmt.Printf("  kept %s (used by another region)\n", f)
	}

	files := make([]string, 0, len(r.Failures))
	for f := range r.Failures {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		fmt.Printf("  failed %s: %v\n", f, r.Failures[f])
	}
}

func joinOrDash(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ",")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
