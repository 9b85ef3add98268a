package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "leadscore",
	Short: "Score company websites as sales leads",
	Long: `leadscore fetches a company's website, extracts firmographic signals,
scores the company with a trained model and drafts outreach for it.

Examples:
  leadscore score https://acme.io --compose
  leadscore batch --input urls.txt --workers 8
  leadscore train --synthetic 2000
  leadscore leads list --sort score`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")
	rootCmd.AddCommand(scoreCmd, batchCmd, trainCmd, modelsCmd, leadsCmd, serveCmd, stopCmd, statusCmd, jobsCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
