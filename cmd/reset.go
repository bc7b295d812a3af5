package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/castfinder/internal/cache"
	"github.com/andresmejia3/castfinder/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
	resetCache bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Results, Embedding Cache)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles && !resetCache {
			resetDB = true
			resetFiles = true
			resetCache = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if DB == nil {
				fmt.Println("ℹ️  No database configured, skipping.")
			} else if confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all database tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetFiles {
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to delete all annotated frames and uploads?") {
				fmt.Println("🗑️  Clearing Output Files (Results, Uploads)...")
				removeDir(Cfg.Paths.OutputDir)
				removeDir(Cfg.Paths.UploadDir)
			}
		}

		if resetCache {
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to delete the gallery embedding cache?") {
				fmt.Println("🗑️  Clearing Embedding Cache...")
				purgeCache(cmd)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear PostgreSQL database")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear generated files (annotated frames, uploads)")
	resetCmd.Flags().BoolVar(&resetCache, "cache", false, "Clear the gallery embedding cache")
	rootCmd.AddCommand(resetCmd)
}

// purgeCache empties the cache in place; if it cannot be opened the file is removed.
func purgeCache(cmd *cobra.Command) {
	path := Cfg.CachePath()
	c, err := cache.Open(path)
	if err != nil {
		removeFile(path)
		return
	}
	defer c.Close()
	n, _ := c.Len(cmd.Context())
	if err := c.Purge(cmd.Context()); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to purge %s: %v\n", path, err)
		return
	}
	fmt.Printf("   Removed %d cached embeddings.\n", n)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
