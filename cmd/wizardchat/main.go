package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wizardchat",
	Short: "WizardCHAT reply gateway",
	Long: `WizardCHAT answers chat messages through DeepSeek with a reply cache,
request coalescing, retry with backoff, and ritual progress for long replies.

Settings come from the environment (or a .env file): PORT, CACHE_BACKEND,
REDIS_ADDR, CACHE_TTL, DEEPSEEK_API_KEY, LONG_THRESHOLD, RITUAL_CEILING, ...`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wizardchat: %v\n", err)
		os.Exit(1)
	}
}
