package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"kelda/cli/style"
)

var unitsCmd = &cobra.Command{
	Use:   "units",
	Short: "List deployment units",
	RunE:  runUnits,
}

var unitDeployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Create and deploy a unit",
	RunE:  runUnitDeploy,
}

var unitScaleCmd = &cobra.Command{
	Use:   "scale <id> <replicas>",
	Short: "Scale a unit (0 stops it, 1 starts it)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		replicas, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("replicas must be a number")
		}
		u, err := client.ScaleUnit(args[0], replicas)
		if err != nil {
			return err
		}
		fmt.Printf("%s is now %s\n", style.Bold.Render(u.ShortID), unitStatus(u.Status))
		return nil
	},
}

var unitRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Tear a unit down and delete it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.DeleteUnit(args[0]); err != nil {
			return err
		}
		fmt.Println("removed")
		return nil
	},
}

var (
	deployOwner     string
	deployProject   string
	deployComponent string
	deployFramework string
	deployMethod    string
	deployImage     string
	deployDomain    string
	deployNamespace string
	deployArchive   string
)

func init() {
	unitDeployCmd.Flags().StringVar(&deployOwner, "owner", "", "owner id")
	unitDeployCmd.Flags().StringVar(&deployProject, "project", "", "project id")
	unitDeployCmd.Flags().StringVar(&deployComponent, "component", "backend", "backend or frontend")
	unitDeployCmd.Flags().StringVar(&deployFramework, "framework", "", "SPRING_BOOT, NODE or STATIC")
	unitDeployCmd.Flags().StringVar(&deployMethod, "method", "DOCKER", "DOCKER or FILE")
	unitDeployCmd.Flags().StringVar(&deployImage, "image", "", "image reference (DOCKER method)")
	unitDeployCmd.Flags().StringVar(&deployDomain, "domain", "", "ingress host")
	unitDeployCmd.Flags().StringVar(&deployNamespace, "namespace", "default", "target namespace")
	unitDeployCmd.Flags().StringVar(&deployArchive, "archive", "", "source archive path (FILE method)")

	unitsCmd.AddCommand(unitDeployCmd, unitScaleCmd, unitRemoveCmd)
	rootCmd.AddCommand(unitsCmd)
}

func runUnits(cmd *cobra.Command, args []string) error {
	units, err := client.ListUnits()
	if err != nil {
		return fmt.Errorf("failed to fetch units: %w", err)
	}
	if len(units) == 0 {
		fmt.Println(style.DimText.Render("No deployment units."))
		return nil
	}

	header := fmt.Sprintf("  %-12s %-10s %-12s %-12s %-24s %s", "SHORTID", "COMPONENT", "FRAMEWORK", "STATUS", "DOMAIN", "IMAGE")
	fmt.Println(style.TableHeader.Render(header))
	for _, u := range units {
		fmt.Printf("  %-12s %-10s %-12s %s %-24s %s\n",
			style.Bold.Render(padRight(u.ShortID, 12)),
			u.Component, u.Framework,
			unitStatus(padRight(u.Status, 12)),
			u.Domain,
			style.DimText.Render(u.Image),
		)
	}
	return nil
}

func runUnitDeploy(cmd *cobra.Command, args []string) error {
	body := fmt.Sprintf(`{"ownerId":%q,"projectId":%q,"component":%q,"frameworkType":%q,"deploymentMethod":%q,"imageReference":%q,"domain":%q,"namespace":%q,"sourceArchivePath":%q}`,
		deployOwner, deployProject, deployComponent, deployFramework, deployMethod, deployImage, deployDomain, deployNamespace, deployArchive)
	u, err := client.CreateUnit(body)
	if err != nil {
		return err
	}
	fmt.Printf("deploying %s (%s)\n", style.Bold.Render(u.ShortID), u.ID)
	fmt.Println(style.DimText.Render("follow with: kelda units (or the event hub)"))
	return nil
}

func unitStatus(s string) string {
	switch strings.TrimSpace(s) {
	case "RUNNING":
		return style.Healthy.Render(s)
	case "ERROR":
		return style.Unhealthy.Render(s)
	case "BUILDING":
		return style.StepRunning.Render(s)
	default:
		return style.DimText.Render(s)
	}
}
