package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL   string
	userID      string
	httpOnly    bool
	patternPath string
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "minghe-cli",
	Short: "Command line companion for the minghe chat service",
	Long: `minghe-cli talks to a running minghe server or classifies messages offline.

Run "minghe-cli chat" for an interactive conversation and
"minghe-cli detect <message>" to check how the crisis rules classify a message.`,
	SilenceUsage: true,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Opens a session on the server and reads messages from stdin.

Commands inside the chat:
  /cancel  cancel the reply in progress (websocket mode)
  /quit    end the session and exit`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

var detectCmd = &cobra.Command{
	Use:   "detect [message]",
	Short: "Classify a message with the crisis pattern table",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDetect,
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	chatCmd.Flags().StringVar(&serverURL, "server", envOr("MINGHE_SERVER", "http://localhost:8080"), "server base URL")
	chatCmd.Flags().StringVar(&userID, "user", envOr("MINGHE_USER", "cli-user"), "user id to chat as")
	chatCmd.Flags().BoolVar(&httpOnly, "http", false, "use request/response turns instead of the websocket")

	detectCmd.Flags().StringVar(&patternPath, "patterns", "", "pattern table file (defaults to the built-in table)")

	rootCmd.AddCommand(chatCmd, detectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
