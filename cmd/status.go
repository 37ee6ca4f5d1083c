package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/rowanhq/foreman/internal/agent"
	"github.com/rowanhq/foreman/internal/config"
	"github.com/rowanhq/foreman/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D87F0"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	statusStyles = map[agent.Status]lipgloss.Style{
		agent.StatusPending:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		agent.StatusQueued:    lipgloss.NewStyle().Foreground(lipgloss.Color("#E2C08D")),
		agent.StatusSpawning:  lipgloss.NewStyle().Foreground(lipgloss.Color("#E2C08D")),
		agent.StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("#73C2F5")),
		agent.StatusPaused:    lipgloss.NewStyle().Foreground(lipgloss.Color("#E2C08D")),
		agent.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("#73F59F")),
		agent.StatusTimedOut:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8787")),
		agent.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8787")),
		agent.StatusEscalated: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8787")).Bold(true),
	}
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every role in the run",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir(cfg.ProjectName)
	}

	db, err := store.Open(filepath.Join(dataDir, "state.db"))
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer db.Close()
	st := store.New(db)
	defer st.Close()

	ctx := context.Background()
	proj, err := st.Project(ctx)
	if err != nil {
		return fmt.Errorf("no run recorded in %s", dataDir)
	}

	fmt.Printf("%s  %s\n", headerStyle.Render(proj.Name), dimStyle.Render(string(proj.Phase)))
	fmt.Println(dimStyle.Render(fmt.Sprintf("started %s", proj.StartedAt.Format(time.RFC822))))
	fmt.Println()

	states, err := st.List(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%-20s %-12s %-8s %-20s %s\n",
		headerStyle.Render("ROLE"), headerStyle.Render("STATUS"),
		headerStyle.Render("RETRY"), headerStyle.Render("LAST SEEN"),
		headerStyle.Render("DETAIL"))
	for _, s := range states {
		style, ok := statusStyles[s.Status]
		if !ok {
			style = dimStyle
		}

		lastSeen := "-"
		if s.LastHeartbeat != nil {
			lastSeen = fmt.Sprintf("%s ago", time.Since(*s.LastHeartbeat).Round(time.Second))
		}

		detail := s.LastMessage
		if s.LastError != "" {
			detail = s.LastError
		}
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}

		fmt.Printf("%-20s %-12s %-8d %-20s %s\n",
			s.Role, style.Render(string(s.Status)), s.RetryCount, lastSeen, dimStyle.Render(detail))
	}
	return nil
}
