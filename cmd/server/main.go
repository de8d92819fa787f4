package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mirage-mcp-server/internal/config"
)

var (
	configPath   string
	noWorkspace  bool
	workspaceDir string
)

var rootCmd = &cobra.Command{
	Use:   "mirage",
	Short: "Synthetic data for analytics dashboard demos",
	Long: `mirage intercepts an analytics dashboard's report calls and answers them with
synthetic data shaped by a stored configuration template.

It runs either as an MCP server driving Chrome (serve) or as a reverse proxy in front of
the analytics backend (proxy).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file layered over the workspace config")
	rootCmd.PersistentFlags().BoolVar(&noWorkspace, "no-workspace", false, "Skip .mirage workspace discovery")
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace-dir", "", "Use this directory as the workspace root")

	rootCmd.AddCommand(serveCmd, proxyCmd, decodeCmd, initCmd)
}

func loadConfig() (config.Config, string, error) {
	return config.LoadWithWorkspace(configPath, config.WorkspaceOptions{
		Disable:     noWorkspace,
		ExplicitDir: workspaceDir,
	})
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a .mirage workspace with a template config",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := "."
		if len(args) == 1 {
			root = args[0]
		}
		if err := config.InitWorkspace(root); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s/%s\n", root, config.WorkspaceDirName)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
