package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"kelda/cli/style"
)

var serversCmd = &cobra.Command{
	Use:     "servers",
	Short:   "List registered servers",
	Aliases: []string{"s", "ls"},
	RunE:    runServers,
}

var serverAddCmd = &cobra.Command{
	Use:   "add <host>",
	Short: "Register a server",
	Args:  cobra.ExactArgs(1),
	RunE:  runServerAdd,
}

var serverAssignCmd = &cobra.Command{
	Use:   "assign <id> <role>",
	Short: "Assign a cluster role (MASTER, WORKER, DOCKER, ANSIBLE, DATABASE)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client.AssignServer(args[0], strings.ToUpper(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("%s %s is now %s / %s\n", style.StatusDot(s.Status), style.Bold.Render(s.Name), s.Role, s.ClusterStatus)
		return nil
	},
}

var serverUnassignCmd = &cobra.Command{
	Use:   "unassign <id>",
	Short: "Remove a server from cluster participation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := client.UnassignServer(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s is now %s\n", style.StatusDot(s.Status), style.Bold.Render(s.Name), s.ClusterStatus)
		return nil
	},
}

var serverPingCmd = &cobra.Command{
	Use:   "ping <id>",
	Short: "Verify SSH reachability with the stored credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.PingServer(args[0]); err != nil {
			fmt.Println(style.ErrorBox.Render("✗ " + err.Error()))
			return fmt.Errorf("ping failed")
		}
		fmt.Println(style.SuccessBox.Render("✓ server reachable"))
		return nil
	},
}

var serverRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a server registration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.DeleteServer(args[0]); err != nil {
			return err
		}
		fmt.Println("removed")
		return nil
	},
}

var (
	addName     string
	addPort     int
	addUser     string
	addPassword string
	addKeyFile  string
	addNopasswd bool
)

func init() {
	serverAddCmd.Flags().StringVar(&addName, "name", "", "display name (defaults to host)")
	serverAddCmd.Flags().IntVar(&addPort, "port", 22, "SSH port")
	serverAddCmd.Flags().StringVar(&addUser, "user", "root", "SSH username")
	serverAddCmd.Flags().StringVar(&addPassword, "password", "", "SSH password")
	serverAddCmd.Flags().StringVar(&addKeyFile, "key", "", "path to a private key file")
	serverAddCmd.Flags().BoolVar(&addNopasswd, "sudo-nopasswd", false, "server allows passwordless sudo")

	serversCmd.AddCommand(serverAddCmd, serverAssignCmd, serverUnassignCmd, serverPingCmd, serverRemoveCmd)
	rootCmd.AddCommand(serversCmd)
}

func runServers(cmd *cobra.Command, args []string) error {
	servers, err := client.ListServers()
	if err != nil {
		return fmt.Errorf("failed to fetch servers: %w", err)
	}
	if len(servers) == 0 {
		fmt.Println(style.DimText.Render("No servers registered. Add one with: kelda servers add <host>"))
		return nil
	}

	fmt.Println(style.Banner.Render("KELDA") + style.Subtitle.Render(fmt.Sprintf("  %d server(s)", len(servers))))
	fmt.Println()

	header := fmt.Sprintf("  %-2s  %-18s %-16s %-6s %-10s %-12s %s", "", "NAME", "HOST", "PORT", "ROLE", "CLUSTER", "ID")
	fmt.Println(style.TableHeader.Render(header))

	for _, s := range servers {
		role := s.Role
		if role == "" {
			role = "-"
		}
		cluster := s.ClusterStatus
		if cluster == "AVAILABLE" {
			cluster = style.Healthy.Render(padRight(cluster, 12))
		} else {
			cluster = style.DimText.Render(padRight(cluster, 12))
		}
		fmt.Printf("  %s  %s %-16s %-6d %s %s %s\n",
			style.StatusDot(s.Status),
			style.Bold.Render(padRight(s.Name, 18)),
			s.Host, s.Port,
			style.RoleBadge.Render(padRight(role, 8)),
			cluster,
			style.DimText.Render(s.ID),
		)
	}
	fmt.Println()
	return nil
}

func runServerAdd(cmd *cobra.Command, args []string) error {
	host := args[0]
	key := ""
	if addKeyFile != "" {
		data, err := os.ReadFile(addKeyFile)
		if err != nil {
			return err
		}
		key = string(data)
	}
	body := fmt.Sprintf(`{"name":%q,"host":%q,"port":%d,"username":%q,"password":%q,"privateKey":%q,"sudoNopasswd":%t}`,
		addName, host, addPort, addUser, addPassword, key, addNopasswd)
	s, err := client.RegisterServer(body)
	if err != nil {
		return err
	}
	fmt.Printf("registered %s (%s)\n", style.Bold.Render(s.Name), s.ID)
	return nil
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
