package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "doppel",
	Short: "A CLI tool for targeted impersonation attacks on face embeddings",
	Long: `Doppel mounts gradient-based impersonation attacks against a frozen
face-recognition embedding model: it perturbs a source face crop until its
embedding converges toward a chosen target's embedding, composites the
perturbed crop back into the full-resolution frame and measures the damage
in pixel space and embedding space.

Face detection and the pretrained recognizer are external services; doppel
only drives them.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
