package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"kelda/cli/api"
)

var (
	apiURL string
	client *api.Client
)

var rootCmd = &cobra.Command{
	Use:   "kelda",
	Short: "Control plane CLI for self-hosted Kubernetes fleets",
	Long: `Kelda is a control plane for self-hosted Kubernetes fleets.

Register servers over SSH, provision them with Ansible, stand up a
cluster and deploy workloads from the terminal.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		client = api.New(apiURL, os.Getenv("KELDA_API_TOKEN"))
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultURL := os.Getenv("KELDA_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8700"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultURL, "Kelda API URL")
}
