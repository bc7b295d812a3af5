package cmd

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/castfinder/internal/faces"
	"github.com/andresmejia3/castfinder/internal/gallery"
	"github.com/andresmejia3/castfinder/internal/matcher"
	"github.com/andresmejia3/castfinder/internal/pipeline"
	"github.com/andresmejia3/castfinder/internal/utils"
	"github.com/spf13/cobra"
)

var findThreshold float64

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Identify the face in an image and list the videos it was seen in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if cmd.Flags().Changed("threshold") {
			Cfg.Matching.Threshold = findThreshold
		}
		return runFind(cmd.Context(), args[0])
	},
}

func init() {
	findCmd.Flags().Float64VarP(&findThreshold, "threshold", "t", 0, "Match threshold, euclidean_l2 (lower is stricter)")
	rootCmd.AddCommand(findCmd)
}

func runFind(ctx context.Context, imagePath string) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}
	img, err := faces.LoadImage(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	engines, err := newEngines(Cfg)
	if err != nil {
		utils.ShowError("Failed to initialise engine", err, nil)
		return err
	}

	// We use ID 0 for this ad-hoc engine
	det, emb, err := engines(ctx, 0)
	if err != nil {
		utils.ShowError("Failed to start AI engine", err, nil)
		return err
	}
	defer func() {
		det.Close()
		if any(det) != any(emb) {
			emb.Close()
		}
	}()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	ext := &faces.Extractor{Detector: det, MinConfidence: Cfg.Matching.DetectionConfidence}
	found, err := ext.Extract(ctx, img)
	if err != nil {
		utils.ShowError("AI processing failed", err, nil)
		return err
	}

	// Pick largest face if multiple
	face, ok := faces.Largest(found)
	if !ok {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if len(found) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the largest face.\n", len(found))
	}

	var name string
	var distance float64
	if DB != nil {
		name, distance, err = findInDatabase(ctx, emb, face.Image)
	} else {
		name, distance, err = findInGallery(ctx, engines, emb, face.Image)
	}
	if err != nil {
		utils.ShowError("Search failed", err, nil)
		return err
	}

	if name == "" {
		fmt.Println("❌ No match found.")
		return nil
	}
	fmt.Printf("✅ Found Match: %s (distance %.3f)\n", gallery.DisplayName(name), distance)

	if DB == nil {
		return nil
	}
	appearances, err := DB.FindAppearances(ctx, name)
	if err != nil {
		utils.ShowError("Failed to retrieve history", err, nil)
		return err
	}
	if len(appearances) == 0 {
		fmt.Println("No analysed videos contain this person yet.")
		return nil
	}

	rows := make([][]string, 0, len(appearances))
	for _, a := range appearances {
		rows = append(rows, []string{
			filepath.Base(a.VideoPath),
			fmtFrames(a.Frames),
			a.IndexedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	fmt.Println()
	fmt.Println(renderTable([]string{"VIDEO", "FRAMES", "ANALYSED"}, rows, nil))
	return nil
}

func findInDatabase(ctx context.Context, emb matcher.Embedder, crop image.Image) (string, float64, error) {
	fmt.Fprintln(os.Stderr, "🗄️  Searching database...")
	vec, err := emb.Embed(ctx, crop)
	if err != nil {
		return "", 0, err
	}
	return DB.FindClosestIdentity(ctx, emb.Model(), vec, Cfg.Matching.Threshold)
}

func findInGallery(ctx context.Context, engines pipelineEngines, emb matcher.Embedder, crop image.Image) (string, float64, error) {
	g, err := loadGallery(ctx, Cfg, engines, Logger)
	if err != nil {
		return "", 0, err
	}
	fmt.Fprintln(os.Stderr)
	m, err := matcher.New(emb, g, matcher.Config{
		TempDir:   Cfg.Paths.TempDir,
		Threshold: Cfg.Matching.Threshold,
		TopK:      Cfg.Matching.TopK,
	})
	if err != nil {
		return "", 0, err
	}
	results, err := m.Match(ctx, 0, 0, crop)
	if err != nil {
		return "", 0, err
	}
	best, ok := matcher.Best(results)
	if !ok {
		return "", 0, nil
	}
	return best.Identity, best.Distance, nil
}

// fmtFrames renders sample indices compactly, collapsing consecutive runs ("0-3, 7").
func fmtFrames(frames []int) string {
	var parts []string
	for i := 0; i < len(frames); {
		j := i
		for j+1 < len(frames) && frames[j+1] == frames[j]+1 {
			j++
		}
		if i == j {
			parts = append(parts, fmt.Sprint(frames[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", frames[i], frames[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ", ")
}
