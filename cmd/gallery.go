package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/castfinder/internal/gallery"
	"github.com/andresmejia3/castfinder/internal/utils"
	"github.com/spf13/cobra"
)

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Manage the gallery of known faces",
}

var galleryIndexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed every reference image and refresh the cache (and database mirror)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runGalleryIndex(cmd.Context())
	},
}

var galleryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the identities in the gallery",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runGalleryList(cmd.Context())
	},
}

func init() {
	galleryCmd.AddCommand(galleryIndexCmd, galleryListCmd)
	rootCmd.AddCommand(galleryCmd)
}

func runGalleryIndex(ctx context.Context) error {
	engines, err := newEngines(Cfg)
	if err != nil {
		utils.ShowError("Failed to initialise engine", err, nil)
		return err
	}

	g, err := loadGallery(ctx, Cfg, engines, Logger)
	if err != nil {
		utils.ShowError("Failed to index gallery", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "\n✅ Indexed %d references for %d identities.\n", g.Len(), len(g.Names()))

	if DB == nil {
		return nil
	}
	n, err := DB.SyncGallery(ctx, g)
	if err != nil {
		utils.ShowError("Failed to mirror gallery to database", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "🗄️  Mirrored %d references to the database.\n", n)
	return nil
}

func runGalleryList(ctx context.Context) error {
	entries, err := gallery.Scan(Cfg.Paths.GalleryDir)
	if err != nil {
		utils.ShowError("Failed to read gallery", err, nil)
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No identities found in", Cfg.Paths.GalleryDir)
		return nil
	}

	// Video counts come from the database when one is attached
	videos := make(map[string]int)
	if DB != nil {
		identities, err := DB.ListIdentities(ctx)
		if err != nil {
			utils.ShowError("Failed to list identities", err, nil)
			return err
		}
		for _, id := range identities {
			videos[id.Name] = id.Videos
		}
	}

	headers := []string{"IDENTITY", "NAME", "IMAGES"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight}
	if DB != nil {
		headers = append(headers, "VIDEOS")
		aligns = append(aligns, alignRight)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		row := []string{e.Name, gallery.DisplayName(e.Name), fmt.Sprint(len(e.Images))}
		if DB != nil {
			row = append(row, fmt.Sprint(videos[e.Name]))
		}
		rows = append(rows, row)
	}
	fmt.Println(renderTable(headers, rows, aligns))
	return nil
}
