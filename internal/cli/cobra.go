package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"motionbrush/internal/config"
	"motionbrush/internal/fsutil"
	"motionbrush/internal/kling"
	"motionbrush/internal/pathextract"
	"motionbrush/internal/pipeline"
	"motionbrush/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe pipeline.Queue, tasks TaskStatuser) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store, tasks))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "motionbrush",
		Short: "Motionbrush turns painted layers into motion-brush video requests",
		Long: `Motionbrush composites dynamic and static brush layers into a mask,
traces a drawn path into waypoints and submits image-to-video generation tasks.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newExtractCmd(root))
	rootCmd.AddCommand(newGenerateCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// layerFlags are shared by extract and generate.
type layerFlags struct {
	dynamic   string
	static    string
	direction string
}

func (f *layerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dynamic, "dynamic", "", "dynamic brush layer (default: <base>.dynamic.png next to the path layer)")
	cmd.Flags().StringVar(&f.static, "static", "", "static brush layer (default: <base>.static.png when present)")
	cmd.Flags().StringVar(&f.direction, "direction", "", `scan direction: "Left to Right", "Right to Left", "Top to Bottom" or "Bottom to Top"`)
}

// options resolves sibling layers for pathLayer and returns the job options
// and the set they came from.
func (f *layerFlags) options(pathLayer string) (map[string]any, fsutil.LayerSet) {
	set, _ := fsutil.Siblings(pathLayer)
	if set.Path == "" {
		set.Path = pathLayer
	}
	if f.dynamic != "" {
		set.Dynamic = f.dynamic
	}
	if f.static != "" {
		set.Static = f.static
	}
	opts := map[string]any{
		pipeline.OptDynamic: set.Dynamic,
		pipeline.OptStatic:  set.Static,
	}
	if f.direction != "" {
		opts[pipeline.OptDirection] = f.direction
	}
	return opts, set
}

func newExtractCmd(root *Root) *cobra.Command {
	var (
		layers   layerFlags
		output   string
		upload   bool
		jsonMode bool
	)

	cmd := &cobra.Command{
		Use:   "extract <path_layer>",
		Short: "Composite brush layers and extract path waypoints",
		Long: `Trace the marked pixels of a path layer into at most 22 waypoints and render
the dynamic/static brush layers into a single mask image.

Examples:
  motionbrush extract scene.path.png
  motionbrush extract scene.path.png --direction "Right to Left" --upload`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if layers.direction != "" {
				if _, err := pathextract.ParseDirection(layers.direction); err != nil {
					return err
				}
			}
			opts, set := layers.options(args[0])
			opts[pipeline.OptUpload] = upload
			if output == "" && set.Base != "" {
				output = set.CompositePath()
			}

			res, err := root.enqueueAndWait(cmdContext(cmd), pipeline.Job{
				ID:        pipeline.NewJobID(string(pipeline.JobExtract)),
				Type:      pipeline.JobExtract,
				InputPath: args[0],
				Output:    output,
				Options:   opts,
			})
			if err != nil {
				return err
			}
			return printExtraction(cmd.OutOrStdout(), res.Meta, jsonMode)
		},
	}

	layers.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "composite output file (default: <base>.composite.png)")
	cmd.Flags().BoolVar(&upload, "upload", false, "publish the composite mask to object storage")
	cmd.Flags().BoolVar(&jsonMode, "json", false, "print the result as JSON")

	return cmd
}

func printExtraction(w io.Writer, meta map[string]any, jsonMode bool) error {
	if jsonMode {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	}
	fmt.Fprintf(w, "Direction: %v\n", meta["direction"])
	fmt.Fprintf(w, "Waypoints: %v\n", meta["waypoints"])
	fmt.Fprintf(w, "Points: %v\n", meta["points_text"])
	fmt.Fprintf(w, "Composite: %v\n", meta["composite"])
	if url, ok := meta["mask_url"]; ok {
		fmt.Fprintf(w, "Mask URL: %v\n", url)
	}
	return nil
}

func newGenerateCmd(root *Root) *cobra.Command {
	var (
		layers         layerFlags
		prompt         string
		negativePrompt string
		imageURL       string
		imageTailURL   string
		maskURL        string
		points         string
	)

	cmd := &cobra.Command{
		Use:   "generate [path_layer]",
		Short: "Submit a motion-brush video generation and wait for the video",
		Long: `Submit an image-to-video task. Either pass --mask-url and --points, or a path
layer whose brush layers are composited, uploaded and traced first.

Examples:
  motionbrush generate --image-url https://host/scene.png --mask-url https://host/mask.png --points "[{'x': 10, 'y': 20}]"
  motionbrush generate scene.path.png --image-url https://host/scene.png --prompt "run"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if imageURL == "" {
				return errors.New("--image-url is required")
			}
			if maskURL == "" && len(args) == 0 {
				return errors.New("either --mask-url or a path layer is required")
			}
			if points != "" {
				if _, err := kling.ParsePoints(points); err != nil {
					return err
				}
			}

			opts := map[string]any{}
			job := pipeline.Job{
				ID:   pipeline.NewJobID(string(pipeline.JobGenerate)),
				Type: pipeline.JobGenerate,
			}
			if len(args) == 1 {
				var set fsutil.LayerSet
				opts, set = layers.options(args[0])
				job.InputPath = args[0]
				if set.Base != "" {
					job.Output = set.CompositePath()
				}
			}
			opts[pipeline.OptPrompt] = prompt
			opts[pipeline.OptNegativePrompt] = negativePrompt
			opts[pipeline.OptImageURL] = imageURL
			opts[pipeline.OptImageTailURL] = imageTailURL
			opts[pipeline.OptMaskURL] = maskURL
			opts[pipeline.OptPoints] = points
			job.Options = opts

			res, err := root.enqueueAndWait(cmdContext(cmd), job)
			if err != nil {
				if id, ok := res.Meta["task_id"]; ok {
					fmt.Fprintf(cmd.ErrOrStderr(), "Task: %v\n", id)
				}
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Task: %v\n", res.Meta["task_id"])
			fmt.Fprintf(out, "Video: %v\n", res.Meta["video_url"])
			return nil
		},
	}

	layers.register(cmd)
	cmd.Flags().StringVar(&prompt, "prompt", "", "generation prompt (default from config)")
	cmd.Flags().StringVar(&negativePrompt, "negative-prompt", "", "negative prompt")
	cmd.Flags().StringVar(&imageURL, "image-url", "", "public URL of the source image")
	cmd.Flags().StringVar(&imageTailURL, "image-tail-url", "", "public URL of the final frame")
	cmd.Flags().StringVar(&maskURL, "mask-url", "", "public URL of the composite mask")
	cmd.Flags().StringVar(&points, "points", "", "waypoints, e.g. \"[{'x': 1, 'y': 2}]\"")

	return cmd
}

func newStatusCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task_id>",
		Short: "Show the state of a generation task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.tasks == nil {
				return kling.ErrMissingAPIKey
			}
			task, err := root.tasks.Status(cmdContext(cmd), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Task: %s\n", task.ID)
			fmt.Fprintf(out, "Status: %s\n", task.Status)
			if task.VideoURL != "" {
				fmt.Fprintf(out, "Video: %s\n", task.VideoURL)
			}
			if task.Error != "" {
				fmt.Fprintf(out, "Error: %s\n", task.Error)
			}
			return nil
		},
	}
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <directory>",
		Short: "List layer sets found under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sets, err := fsutil.ScanLayerSets(args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BASE\tDYNAMIC\tSTATIC\tREADY")
			for _, s := range sets {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", s.Base, orDash(s.Dynamic), orDash(s.Static), s.Complete())
			}
			return tw.Flush()
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newWatchCmd(root *Root) *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch <directory>...",
		Short: "Extract waypoints whenever layer files change",
		Long: `Watch directories for *.path.png / *.dynamic.png / *.static.png files and run
an extraction for every complete set. The composite is written to
<base>.composite.png and the waypoints to <base>.points.json.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.direction != "" {
				if _, err := pathextract.ParseDirection(opts.direction); err != nil {
					return err
				}
			}
			return root.watch(cmdContext(cmd), args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.direction, "direction", "", "scan direction (default from config)")
	cmd.Flags().BoolVar(&opts.upload, "upload", false, "publish composite masks to object storage")

	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var (
		limit       int
		generations bool
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs or generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("job store unavailable")
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if generations {
				gens, err := root.store.RecentGenerations(limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "ID\tTASK\tSTATUS\tVIDEO")
				for _, g := range gens {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.ID, orDash(g.TaskID), g.Status, orDash(g.VideoURL))
				}
				return tw.Flush()
			}
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCREATED\tERROR")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status,
					rec.CreatedAt.Format("2006-01-02 15:04:05"), orDash(rec.Error))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of rows")
	cmd.Flags().BoolVar(&generations, "generations", false, "list video generations instead of jobs")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		watchPaths []string
		opts       watchOptions
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server for extraction, generation and job monitoring.
Optionally watches directories for layer files at the same time.

Examples:
  # Basic server
  motionbrush serve --addr :8080

  # Server with layer monitoring
  motionbrush serve --addr :8080 --watch ./drawings`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmdContext(cmd))
			defer cancel()

			cfg := *root.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}

			root.log.Info("starting server",
				"addr", cfg.Server.Addr,
				"watch_paths", watchPaths,
			)

			watchErr := make(chan error, 1)
			if len(watchPaths) > 0 {
				go func() { watchErr <- root.watch(ctx, watchPaths, opts) }()
			}

			serveErr := make(chan error, 1)
			go func() { serveErr <- root.serveFn(ctx, &cfg, root.store, root.pipeline, root.log) }()

			select {
			case err := <-serveErr:
				return err
			case err := <-watchErr:
				if err != nil {
					cancel()
					<-serveErr
					return fmt.Errorf("watch: %w", err)
				}
				return <-serveErr
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port, default from config)")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "directories to monitor for layer files")
	cmd.Flags().StringVar(&opts.direction, "direction", "", "scan direction for watched layers")

	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(versionString())
		},
	}
}

// Version is overridden at build time with -ldflags.
var Version = "v0.1.0-dev"
