package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cortexhub/cortex-chatgate/internal/credential"
	"github.com/cortexhub/cortex-chatgate/internal/server"
)

var (
	cfgFile    string
	bcryptCost int
)

var rootCmd = &cobra.Command{
	Use:   "chatgate",
	Short: "Chat gateway for local LLM backends",
	Long: `chatgate bridges Telegram, Discord and a WebSocket chat to local
inference engines. Users unlock it with a shared secret and keep a
per-user conversation context.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	RunE:  runServe,
}

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret <secret>",
	Short: "Print a bcrypt hash for auth.secret_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := credential.NewFromSecret(args[0], bcryptCost)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s.Hash())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "chatgate %s\n", server.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $CHATGATE_CONFIG or none)")
	hashSecretCmd.Flags().IntVar(&bcryptCost, "cost", 0, "bcrypt cost (0 = default)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hashSecretCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
