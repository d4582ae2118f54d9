package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"astropipe/internal/config"
	"astropipe/internal/logging"
	"astropipe/internal/pipeline"
	"astropipe/internal/report"
	"astropipe/internal/resource"
	"astropipe/internal/scan"
	"astropipe/internal/storage"
	"astropipe/internal/watch"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "astropipe",
		Short: "Astropipe post-processes stacked astrophotography masters",
		Long: `Astropipe takes integrated masters (Ha, OIII, SII, R, G, B, L) and runs
the RGB and narrowband workflows: crop, gradient removal, linear fit,
combine, blur correction, denoise, stretch and star separation.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newPlanCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func addRunFlags(cmd *cobra.Command, o *runOptions) {
	for _, l := range resource.Labels {
		name := strings.ToLower(string(l))
		cmd.Flags().StringVar(o.channels[l], name, "", fmt.Sprintf("%s master file (overrides the scanned one)", l))
	}
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "output directory (default paths.output_dir)")
	cmd.Flags().StringVar(&o.preset, "preset", "", "TOML run preset merged over the configuration")
	cmd.Flags().StringVar(&o.crop, "crop", "", "crop descriptor file (.toml or .json)")
	cmd.Flags().StringVar(&o.format, "format", "", "output format (tif|png|fits)")
	cmd.Flags().BoolVar(&o.parallel, "parallel", false, "run the RGB and narrowband workflows concurrently")
	cmd.Flags().BoolVar(&o.strict, "strict", false, "fail when only some of R, G and B are assigned")
	cmd.Flags().BoolVar(&o.keep, "keep", false, "keep terminal images in memory after the run")
}

func newRunCmd(root *Root) *cobra.Command {
	o := newRunOptions()

	cmd := &cobra.Command{
		Use:   "run [masters_dir]",
		Short: "Process a set of masters",
		Long: `Scan a masters folder (or paths.masters_dir) and run both workflows.
Channels can also be assigned explicitly with --ha, --oiii, --sii, --r,
--g, --b and --l; explicit assignments replace scanned ones.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir string
			if len(args) > 0 {
				dir = args[0]
			}
			run, err := root.buildRun(dir, o)
			if err != nil {
				return err
			}
			run.ID = newID("run")

			job := pipeline.Job{
				ID:        run.ID,
				Type:      pipeline.JobRun,
				InputPath: dir,
				Output:    run.OutputDir,
				Run:       &run,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if res.Report != nil {
				if werr := report.WriteSummary(cmd.OutOrStdout(), *res.Report); werr != nil {
					root.log.Warn("unable to print summary", "error", werr)
				}
			}
			return err
		},
	}
	addRunFlags(cmd, o)
	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [masters_dir]",
		Short: "Classify the masters in a folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Paths.MastersDir
			if len(args) > 0 {
				dir = args[0]
			}
			job := pipeline.Job{
				ID:        newID("scan"),
				Type:      pipeline.JobScan,
				InputPath: dir,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			if res.Scan == nil {
				return nil
			}
			return writeScan(cmd, *res.Scan)
		},
	}
}

func writeScan(cmd *cobra.Command, res scan.Result) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tPATH")
	for _, m := range res.Masters {
		fmt.Fprintf(tw, "%s\t%s\n", m.Label, m.Path)
	}
	if len(res.Ignored) > 0 {
		fmt.Fprintf(tw, "\n%d file(s) not assigned\n", len(res.Ignored))
	}
	return tw.Flush()
}

func newPlanCmd(root *Root) *cobra.Command {
	o := newRunOptions()
	var order bool

	cmd := &cobra.Command{
		Use:   "plan [masters_dir]",
		Short: "Print the stage graph of a run without processing",
		Long: `Build the run exactly as "run" would and print its stage graph in DOT
format, or as a topological stage list with --order.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir string
			if len(args) > 0 {
				dir = args[0]
			}
			run, err := root.buildRun(dir, o)
			if err != nil {
				return err
			}
			g, err := pipeline.Plan(run)
			if err != nil {
				return err
			}
			if !order {
				return pipeline.WritePlanDOT(cmd.OutOrStdout(), g)
			}
			stages, err := pipeline.PlanOrder(g)
			if err != nil {
				return err
			}
			for _, s := range stages {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
	addRunFlags(cmd, o)
	cmd.Flags().BoolVar(&order, "order", false, "print the execution order instead of DOT")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	o := newRunOptions()
	var settle time.Duration

	cmd := &cobra.Command{
		Use:   "watch [masters_dir]",
		Short: "Watch a masters folder and process it whenever it changes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Paths.MastersDir
			if len(args) > 0 {
				dir = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w, err := watch.New(dir, settle, root.log, func(ctx context.Context, res scan.Result) error {
				return root.runScanned(ctx, cmd, res, o)
			})
			if err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}
	addRunFlags(cmd, o)
	cmd.Flags().DurationVar(&settle, "settle", watch.DefaultSettle, "quiet period before a changed folder is processed")
	return cmd
}

// runScanned processes one watcher scan and prints its summary.
func (r *Root) runScanned(ctx context.Context, cmd *cobra.Command, res scan.Result, o *runOptions) error {
	run, err := r.assembleRun(mergeAssignments(pipeline.Assignments(res), o.explicit()), o)
	if err != nil {
		return err
	}
	run.ID = newID("watch")
	job := pipeline.Job{ID: run.ID, Type: pipeline.JobRun, Output: run.OutputDir, Run: &run}
	out, err := r.enqueueAndWait(ctx, job)
	if out.Report != nil {
		_ = report.WriteSummary(cmd.OutOrStdout(), *out.Report)
	}
	return err
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("history store not available")
			}
			runs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tSTARTED\tRGB\tNB\tOUTPUTS\tERROR")
			for _, run := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					run.ID,
					run.Started.Local().Format(time.DateTime),
					okMark(run.RGBOK),
					okMark(run.NBOK),
					len(run.Outputs),
					run.Error,
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to list")
	return cmd
}

func okMark(ok bool) string {
	if ok {
		return "ok"
	}
	return "-"
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Check the external commands configured for operator stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := root.checkFn(root.cfg.Tools.Commands())
			if len(statuses) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No external tools configured")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STAGE\tCOMMAND\tSTATUS\tVERSION")
			for _, st := range statuses {
				logging.LogToolStatus(root.log, st.Name, st.Available, st.Version, st.Path, st.Error)
				state := "missing"
				if st.Available {
					state = "available"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.Name, st.Command, state, st.Version)
			}
			return tw.Flush()
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "astropipe %s (%s)\n", Version, runtime.Version())
		},
	}
}
