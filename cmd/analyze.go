package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/castfinder/internal/config"
	"github.com/andresmejia3/castfinder/internal/fetch"
	"github.com/andresmejia3/castfinder/internal/gallery"
	"github.com/andresmejia3/castfinder/internal/pipeline"
	"github.com/andresmejia3/castfinder/internal/tmdb"
	"github.com/andresmejia3/castfinder/internal/types"
	"github.com/andresmejia3/castfinder/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// analyzeOptions holds the per-run flag overrides for analyze.
type analyzeOptions struct {
	OutputDir  string
	Interval   float64
	EveryFrame bool
	Policy     string
	Workers    int
	Threshold  float64
	Timeout    time.Duration
	SkipEmpty  bool
	Movies     bool
	JSON       bool
}

var analyzeOpts analyzeOptions

var analyzeCmd = &cobra.Command{
	Use:   "analyze <video_path|url>",
	Short: "Recognise gallery identities in a video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyAnalyzeFlags(cmd, Cfg, analyzeOpts)
		return runAnalyze(cmd.Context(), args[0], analyzeOpts)
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOpts.OutputDir, "output", "o", "", "Directory for annotated frames (default: <output_dir>/<video name>)")
	analyzeCmd.Flags().Float64VarP(&analyzeOpts.Interval, "interval", "s", 0, "Seconds between sampled frames")
	analyzeCmd.Flags().BoolVar(&analyzeOpts.EveryFrame, "every-frame", false, "Sample every decoded frame")
	analyzeCmd.Flags().StringVarP(&analyzeOpts.Policy, "policy", "p", "", "Sampling policy: interval or face")
	analyzeCmd.Flags().IntVarP(&analyzeOpts.Workers, "workers", "w", 0, "Number of parallel engine workers")
	analyzeCmd.Flags().Float64VarP(&analyzeOpts.Threshold, "threshold", "t", 0, "Match threshold, euclidean_l2 (lower is stricter)")
	analyzeCmd.Flags().DurationVar(&analyzeOpts.Timeout, "timeout", 0, "Per-frame timeout (e.g. 60s)")
	analyzeCmd.Flags().BoolVar(&analyzeOpts.SkipEmpty, "skip-empty", false, "Don't write frames without faces")
	analyzeCmd.Flags().BoolVarP(&analyzeOpts.Movies, "movies", "m", false, "Look up films shared by the recognised people on TMDB")
	analyzeCmd.Flags().BoolVar(&analyzeOpts.JSON, "json", false, "Print the analysis as JSON")
	rootCmd.AddCommand(analyzeCmd)
}

// applyAnalyzeFlags copies explicitly set flags over the loaded configuration.
func applyAnalyzeFlags(cmd *cobra.Command, cfg *config.Config, opts analyzeOptions) {
	f := cmd.Flags()
	if f.Changed("interval") {
		cfg.Sampling.IntervalSeconds = opts.Interval
	}
	if f.Changed("every-frame") {
		cfg.Sampling.EveryFrame = opts.EveryFrame
	}
	if f.Changed("policy") {
		cfg.Sampling.Policy = strings.ToLower(strings.TrimSpace(opts.Policy))
	}
	if f.Changed("workers") && opts.Workers > 0 {
		cfg.Pool.Size = opts.Workers
	}
	if f.Changed("threshold") {
		cfg.Matching.Threshold = opts.Threshold
	}
	if f.Changed("timeout") && opts.Timeout > 0 {
		cfg.Pool.UnitTimeoutSeconds = max(1, int(opts.Timeout.Seconds()))
	}
	if f.Changed("skip-empty") {
		cfg.Matching.SkipEmptyFrames = opts.SkipEmpty
	}
}

func runAnalyze(ctx context.Context, input string, opts analyzeOptions) error {
	if err := Cfg.Validate(); err != nil {
		utils.ShowError("Invalid options", err, nil)
		return err
	}

	videoPath := input
	if isURL(input) {
		fmt.Fprintln(os.Stderr, "🌐 Downloading video...")
		d := &fetch.Downloader{Logger: Logger}
		path, err := d.Download(ctx, input, Cfg.Paths.UploadDir)
		if err != nil {
			utils.ShowError("Failed to download video", err, nil)
			return err
		}
		videoPath = path
	}

	outputDir := opts.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(Cfg.Paths.OutputDir, videoStem(videoPath))
	}

	fmt.Fprintf(os.Stderr, "⚙️  Starting %s engines...\n", Cfg.Engine.Kind)
	engines, err := newEngines(Cfg)
	if err != nil {
		utils.ShowError("Failed to initialise engine", err, nil)
		return err
	}

	g, err := loadGallery(ctx, Cfg, engines, Logger)
	if err != nil {
		utils.ShowError("Failed to load gallery", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "\n🗂️  Gallery: %d identities, %d references\n", len(g.Names()), g.Len())

	p := pipeline.New(pipelineConfig(Cfg, outputDir), engines, g, Logger)
	attachProgress(ctx, p, videoPath)

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", Cfg.Pool.Size)
	analysis, err := p.Run(ctx, videoPath)
	if err != nil {
		utils.ShowError("Analysis failed", err, nil)
		return err
	}

	if DB != nil {
		if err := DB.SaveAnalysis(ctx, videoPath, analysis); err != nil {
			utils.ShowError("Failed to save analysis", err, nil)
			return err
		}
	}

	var actors []tmdb.Actor
	var movies []string
	if opts.Movies && len(analysis.Identities) > 0 {
		actors, movies, err = lookupMovies(ctx, Cfg, analysis.Identities)
		if err != nil {
			utils.ShowError("Movie lookup failed", err, nil)
			return err
		}
	}

	if opts.JSON {
		return printAnalysisJSON(analysis, actors, movies)
	}
	printAnalysis(analysis, outputDir, actors, movies, opts.Movies)
	return nil
}

// attachProgress shows one bar while decoding and a second one while matching.
func attachProgress(ctx context.Context, p *pipeline.Pipeline, videoPath string) {
	total := utils.GetTotalFrames(ctx, videoPath)
	if total <= 0 {
		// Fallback to a spinner if ffprobe fails
		total = -1
	}
	decodeBar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🎞️  Sampling"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	var matchBar *progressbar.ProgressBar
	p.Hooks = pipeline.Hooks{
		OnDecoded: func() { decodeBar.Add(1) },
		OnSampled: func(n int) {
			decodeBar.Finish()
			fmt.Fprintln(os.Stderr)
			matchBar = progressbar.NewOptions(n,
				progressbar.OptionSetDescription("🔍 Matching"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
			)
		},
		OnFrame: func(types.FrameResult) {
			if matchBar != nil {
				matchBar.Add(1)
			}
		},
	}
}

func lookupMovies(ctx context.Context, cfg *config.Config, identities []string) ([]tmdb.Actor, []string, error) {
	client, err := tmdb.New(tmdb.Config{
		BearerToken: cfg.TMDB.BearerToken,
		BaseURL:     cfg.TMDB.BaseURL,
		Language:    cfg.TMDB.Language,
	})
	if err != nil {
		return nil, nil, err
	}
	fmt.Fprintln(os.Stderr, "🎬 Looking up shared films...")
	return client.SharedMovies(ctx, identities)
}

func printAnalysis(a types.VideoAnalysis, outputDir string, actors []tmdb.Actor, movies []string, withMovies bool) {
	fmt.Fprintf(os.Stderr, "\n🏁 Analysis Complete. Processed %d sampled frames.\n", a.TotalFrames)
	fmt.Fprintf(os.Stderr, "🖼️  Annotated frames: %s\n\n", outputDir)

	if len(a.Identities) == 0 {
		fmt.Println("❌ No known faces recognised.")
		return
	}

	fmt.Println(identityTable(a, actors))
	if !withMovies {
		return
	}
	if len(movies) == 0 {
		fmt.Println("🎬 No films shared by everyone found.")
		return
	}
	rows := make([][]string, len(movies))
	for i, m := range movies {
		rows[i] = []string{m}
	}
	fmt.Println(renderTable([]string{"SHARED FILMS"}, rows, nil))
}

// identityTable lists every recognised identity with the number of sampled frames it
// appeared in and, when looked up, whether TMDB knows them.
func identityTable(a types.VideoAnalysis, actors []tmdb.Actor) string {
	counts := make(map[string]int)
	for _, f := range a.Frames {
		for _, id := range f.Identities {
			counts[id]++
		}
	}
	found := make(map[string]bool, len(actors))
	for _, act := range actors {
		found[act.Name] = act.Found
	}

	headers := []string{"IDENTITY", "FRAMES"}
	aligns := []columnAlignment{alignLeft, alignRight}
	if len(actors) > 0 {
		headers = append(headers, "TMDB")
		aligns = append(aligns, alignLeft)
	}

	rows := make([][]string, 0, len(a.Identities))
	for _, id := range a.Identities {
		name := gallery.DisplayName(id)
		row := []string{name, fmt.Sprint(counts[id])}
		if len(actors) > 0 {
			status := "not found"
			if found[name] {
				status = "found"
			}
			row = append(row, status)
		}
		rows = append(rows, row)
	}
	return renderTable(headers, rows, aligns)
}

func printAnalysisJSON(a types.VideoAnalysis, actors []tmdb.Actor, movies []string) error {
	out := struct {
		VideoID     string       `json:"video_id"`
		TotalFrames int          `json:"total_frames"`
		Identities  []string     `json:"identities"`
		Actors      []tmdb.Actor `json:"actors,omitempty"`
		Movies      []string     `json:"movies,omitempty"`
	}{a.VideoID, a.TotalFrames, a.Identities, actors, movies}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func videoStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
