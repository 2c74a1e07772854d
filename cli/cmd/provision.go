package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"kelda/cli/style"
)

var provisionCmd = &cobra.Command{
	Use:   "provision <step>",
	Short: "Run a provisioning step on the fleet",
	Long: `Run one provisioning step and watch it live.

Steps: install, directories, inventory, keys, verify (or 1-5).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchSubmitted("PROVISION "+strings.ToUpper(args[0]), func() (string, error) {
			return client.AnsibleStep(args[0])
		})
	},
}

var playbookCmd = &cobra.Command{
	Use:   "playbook <name>",
	Short: "Run an Ansible playbook from the controller",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchSubmitted("PLAYBOOK "+args[0], func() (string, error) {
			return client.RunPlaybook(args[0])
		})
	},
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Install and grow the Kubernetes cluster",
}

var clusterInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install k3s on the master",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchSubmitted("CLUSTER INSTALL", client.InstallCluster)
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join all assigned workers to the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchSubmitted("CLUSTER JOIN", client.JoinWorkers)
	},
}

var clusterKubeconfigCmd = &cobra.Command{
	Use:   "kubeconfig",
	Short: "Print the cluster kubeconfig",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := client.Kubeconfig()
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var provisionStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show which provisioning steps have completed",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := client.ProvisionState()
		if err != nil {
			return err
		}
		if len(state) == 0 {
			fmt.Println(style.DimText.Render("No steps completed yet."))
			return nil
		}
		steps := make([]string, 0, len(state))
		for step := range state {
			steps = append(steps, step)
		}
		sort.Strings(steps)
		for _, step := range steps {
			fmt.Printf("  %s %s  %s\n", style.DotHealthy, padRight(step, 20),
				style.DimText.Render(state[step].Format(time.RFC3339)))
		}
		return nil
	},
}

func init() {
	provisionCmd.AddCommand(provisionStateCmd)
	clusterCmd.AddCommand(clusterInstallCmd, clusterJoinCmd, clusterKubeconfigCmd)
	rootCmd.AddCommand(provisionCmd, playbookCmd, clusterCmd)
}

// watchSubmitted submits a task and follows it to a terminal state,
// streaming log lines as they arrive over the event hub.
func watchSubmitted(title string, submit func() (string, error)) error {
	m := newWatchModel(title, submit)
	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return err
	}
	wm := final.(watchModel)
	if wm.logs != "" {
		fmt.Print(wm.logs)
	}
	if wm.failed {
		return fmt.Errorf("task failed: %s", wm.errMsg)
	}
	return nil
}

// --- Messages ---

type hubEvent struct {
	Type    string                 `json:"type"`
	Subject string                 `json:"subject"`
	Payload map[string]interface{} `json:"payload"`
}

type taskStarted struct {
	taskID string
	ch     chan tea.Msg
}

type taskProgress struct {
	progress int
	status   string
	errMsg   string
}

type watchError struct{ err error }

// --- Model ---

type watchModel struct {
	title     string
	submit    func() (string, error)
	spinner   spinner.Model
	taskID    string
	progress  int
	status    string // "connecting" | "running" | "completed" | "failed"
	logs      string
	errMsg    string
	failed    bool
	startTime time.Time
	eventCh   chan tea.Msg
}

func newWatchModel(title string, submit func() (string, error)) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(style.Primary)
	return watchModel{
		title:     title,
		submit:    submit,
		spinner:   s,
		status:    "connecting",
		startTime: time.Now(),
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, connectAndSubmit(m.submit))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case taskStarted:
		m.status = "running"
		m.taskID = msg.taskID
		m.eventCh = msg.ch
		return m, waitForEvent(m.eventCh)

	case taskProgress:
		m.progress = msg.progress
		switch msg.status {
		case "completed":
			m.status = "completed"
			return m, fetchLogs(&m)
		case "failed":
			m.status = "failed"
			m.errMsg = msg.errMsg
			m.failed = true
			return m, fetchLogs(&m)
		}
		return m, waitForEvent(m.eventCh)

	case logsFetched:
		m.logs = msg.logs
		if msg.errMsg != "" && m.errMsg == "" {
			m.errMsg = msg.errMsg
		}
		return m, tea.Quit

	case watchError:
		m.status = "failed"
		m.errMsg = msg.err.Error()
		m.failed = true
		return m, tea.Quit
	}

	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	b.WriteString(style.Banner.Render("KELDA " + m.title))
	b.WriteString("\n")
	if m.taskID != "" {
		b.WriteString(style.Key.Render("Task"))
		b.WriteString(style.DimText.Render(m.taskID))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	elapsed := time.Since(m.startTime).Round(time.Second)

	switch m.status {
	case "connecting":
		b.WriteString(m.spinner.View() + style.DimText.Render(" Submitting..."))
	case "running":
		b.WriteString(m.spinner.View() + style.StepRunning.Render(fmt.Sprintf(" %d%%", m.progress)) +
			style.DimText.Render(fmt.Sprintf("  running (%s)", elapsed)))
	case "completed":
		b.WriteString(style.SuccessBox.Render(fmt.Sprintf("✓ Completed in %s", elapsed)))
	case "failed":
		msg := "Task failed"
		if m.errMsg != "" {
			msg = "Task failed: " + m.errMsg
		}
		b.WriteString(style.ErrorBox.Render("✗ " + msg))
	}

	b.WriteString("\n")
	return b.String()
}

// --- Commands ---

// connectAndSubmit opens the websocket before triggering the task so
// no task.update event is missed, then feeds matching events to the
// model.
func connectAndSubmit(submit func() (string, error)) tea.Cmd {
	return func() tea.Msg {
		conn, _, err := websocket.DefaultDialer.Dial(client.WebSocketURL(), nil)
		if err != nil {
			return watchError{err: fmt.Errorf("websocket connect: %w", err)}
		}

		taskID, err := submit()
		if err != nil {
			conn.Close()
			return watchError{err: err}
		}

		ch := make(chan tea.Msg, 32)
		go func() {
			defer conn.Close()
			defer close(ch)

			for {
				_, message, err := conn.ReadMessage()
				if err != nil {
					ch <- watchError{err: fmt.Errorf("websocket read: %w", err)}
					return
				}

				var event hubEvent
				if err := json.Unmarshal(message, &event); err != nil {
					continue
				}
				if event.Type != "task.update" || event.Subject != taskID {
					continue
				}

				status, _ := event.Payload["status"].(string)
				progress, _ := event.Payload["progress"].(float64)
				errMsg, _ := event.Payload["error"].(string)
				ch <- taskProgress{progress: int(progress), status: status, errMsg: errMsg}
				if status == "completed" || status == "failed" {
					return
				}
			}
		}()

		return taskStarted{taskID: taskID, ch: ch}
	}
}

func waitForEvent(ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return taskProgress{status: "completed", progress: 100}
		}
		return msg
	}
}

type logsFetched struct {
	logs   string
	errMsg string
}

// fetchLogs pulls the final snapshot so the full log is printed after
// the live view exits.
func fetchLogs(m *watchModel) tea.Cmd {
	taskID := m.taskID
	return func() tea.Msg {
		snap, err := client.GetTask(taskID)
		if err != nil {
			return logsFetched{}
		}
		return logsFetched{logs: snap.Logs, errMsg: snap.Error}
	}
}
