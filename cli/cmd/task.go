package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"kelda/cli/style"
)

var taskCmd = &cobra.Command{
	Use:   "task <id>",
	Short: "Show a task's status and accumulated log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := client.GetTask(args[0])
		if err != nil {
			return err
		}

		var badge string
		switch snap.Status {
		case "completed":
			badge = style.StepDone.Render("✓ completed")
		case "failed":
			badge = style.StepFailed.Render("✗ failed")
		case "running":
			badge = style.StepRunning.Render(fmt.Sprintf("… running %d%%", snap.Progress))
		default:
			badge = style.DimText.Render(snap.Status)
		}

		fmt.Printf("%s %s\n", style.Bold.Render(args[0]), badge)
		if snap.Error != "" {
			fmt.Println(style.ErrorBox.Render(snap.Error))
		}
		if snap.Logs != "" {
			fmt.Println()
			fmt.Print(snap.Logs)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(taskCmd)
}
