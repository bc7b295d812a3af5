package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/castfinder/internal/config"
	"github.com/andresmejia3/castfinder/internal/engine/onnx"
	"github.com/andresmejia3/castfinder/internal/logging"
	"github.com/andresmejia3/castfinder/internal/worker"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// workerCmd is what the process engine spawns: it answers detect/embed requests on
// stdin and writes responses to fd 3. Logs go to stderr, which the parent captures.
var workerCmd = &cobra.Command{
	Use:         "worker",
	Short:       "Run a detection/embedding worker (used by the process engine)",
	Hidden:      true,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{annotationNoSetup: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		_ = godotenv.Load()
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		logger := logging.New(logging.Options{Format: "json", Level: cfg.Logging.Level, Writer: os.Stderr})

		data := os.NewFile(3, "data")
		if _, err := data.Stat(); err != nil {
			return fmt.Errorf("worker: fd 3 is not open: %w", err)
		}
		defer data.Close()

		if err := onnx.Init(cfg.Engine.ONNXLibrary); err != nil {
			return err
		}
		defer onnx.Shutdown()

		eng, err := onnx.Open(onnxConfig(cfg))
		if err != nil {
			return err
		}
		defer eng.Close()

		return worker.Serve(cmd.Context(), os.Stdin, data, eng, logging.Component(logger, "worker"))
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
