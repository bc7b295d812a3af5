package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/andresmejia3/castfinder/internal/fetch"
	"github.com/andresmejia3/castfinder/internal/gallery"
	"github.com/andresmejia3/castfinder/internal/logging"
	"github.com/andresmejia3/castfinder/internal/pipeline"
	"github.com/andresmejia3/castfinder/internal/tmdb"
	"github.com/andresmejia3/castfinder/internal/types"
	"github.com/andresmejia3/castfinder/internal/utils"
	"github.com/andresmejia3/castfinder/internal/web"
	"github.com/spf13/cobra"
)

var (
	serveBind       string
	serveConcurrent int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the upload page API over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if serveBind != "" {
			Cfg.Server.Bind = serveBind
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveBind, "bind", "b", "", "Address to listen on (default from config)")
	serveCmd.Flags().IntVar(&serveConcurrent, "concurrent", 1, "Analyses running at once; further requests queue")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	engines, err := newEngines(Cfg)
	if err != nil {
		utils.ShowError("Failed to initialise engine", err, nil)
		return err
	}

	// The gallery is embedded once and shared by every request
	g, err := loadGallery(ctx, Cfg, engines, Logger)
	if err != nil {
		utils.ShowError("Failed to load gallery", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "\n🗂️  Gallery: %d identities, %d references\n", len(g.Names()), g.Len())

	if DB != nil {
		if _, err := DB.SyncGallery(ctx, g); err != nil {
			Logger.Warn("failed to mirror gallery", logging.Err(err))
		}
	}

	deps := web.Deps{
		Analyze: analyzeFunc(engines, g),
		Fetcher: &fetch.Downloader{Logger: Logger},
		Logger:  Logger,
	}
	if Cfg.TMDB.BearerToken != "" {
		client, err := tmdb.New(tmdb.Config{
			BearerToken: Cfg.TMDB.BearerToken,
			BaseURL:     Cfg.TMDB.BaseURL,
			Language:    Cfg.TMDB.Language,
		})
		if err != nil {
			return err
		}
		deps.Movies = client
	} else {
		Logger.Warn("TMDB bearer token not set; film lookup disabled")
	}

	srv := web.NewServer(web.Config{
		Addr:          Cfg.Server.Bind,
		UploadDir:     Cfg.Paths.UploadDir,
		ResultsDir:    Cfg.Paths.OutputDir,
		MaxConcurrent: serveConcurrent,
	}, deps)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "🌐 Listening on http://%s\n", Cfg.Server.Bind)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// analyzeFunc builds a fresh pipeline per request around the shared gallery and
// records the result when a database is attached.
func analyzeFunc(engines pipeline.Engines, g *gallery.Gallery) web.AnalyzeFunc {
	return func(ctx context.Context, videoPath, outputDir string) (types.VideoAnalysis, error) {
		p := pipeline.New(pipelineConfig(Cfg, outputDir), engines, g, Logger)
		analysis, err := p.Run(ctx, videoPath)
		if err != nil {
			return analysis, err
		}
		if DB != nil {
			if err := DB.SaveAnalysis(ctx, videoPath, analysis); err != nil && !errors.Is(err, context.Canceled) {
				Logger.Warn("failed to save analysis", slog.String("video_id", analysis.VideoID), logging.Err(err))
			}
		}
		return analysis, nil
	}
}
