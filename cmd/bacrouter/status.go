package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/krisarmstrong/bacrouter/internal/config"
	"github.com/krisarmstrong/bacrouter/pkg/diag"
	"github.com/krisarmstrong/bacrouter/pkg/gateway"
	"github.com/krisarmstrong/bacrouter/pkg/logging"
)

var statusConfigFile string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Run the router with a live status dashboard",
	Long: `Status starts the router the same way run does, but layers a
terminal dashboard on top showing MS/TP, BVLC, and router counters as
they change.`,
	Example: `  # Run with the live dashboard
  bacrouter status --config bacrouter.yaml`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusConfigFile, "config", "c", "", "Configuration file (required)")
	statusCmd.MarkFlagRequired("config")
}

func runStatus(cmd *cobra.Command, args []string) error {
	logging.InitColors(true)

	cfg, err := config.Load(statusConfigFile)
	if err != nil {
		return err
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- gw.Run(ctx) }()

	m := newStatusModel(cfg, gw)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		cancel()
		<-runErrCh
		return fmt.Errorf("run status dashboard: %w", err)
	}

	cancel()
	return <-runErrCh
}

var (
	statusTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("170")).
				Background(lipgloss.Color("235")).
				Padding(0, 1)
	statusDimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
)

type statusTickMsg time.Time

type statusModel struct {
	cfg       *config.Config
	gw        *gateway.Gateway
	startedAt time.Time
	counters  table.Model
}

func newStatusModel(cfg *config.Config, gw *gateway.Gateway) statusModel {
	columns := []table.Column{
		{Title: "Category", Width: 10},
		{Title: "Counter", Width: 20},
		{Title: "Value", Width: 10},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithRows(rowsFor(diag.Snapshot{})),
		table.WithFocused(false),
		table.WithHeight(len(countersSpec)),
	)
	return statusModel{cfg: cfg, gw: gw, startedAt: time.Now(), counters: t}
}

// countersSpec names, in display order, every counter the status table
// renders and how to pull it from a Snapshot.
var countersSpec = []struct {
	category string
	label    string
	value    func(diag.Snapshot) uint64
}{
	{"MS/TP", "frames sent", func(s diag.Snapshot) uint64 { return s.MSTP.FramesSent }},
	{"MS/TP", "frames received", func(s diag.Snapshot) uint64 { return s.MSTP.FramesReceived }},
	{"MS/TP", "header CRC errors", func(s diag.Snapshot) uint64 { return s.MSTP.HeaderCRCErrors }},
	{"MS/TP", "data CRC errors", func(s diag.Snapshot) uint64 { return s.MSTP.DataCRCErrors }},
	{"MS/TP", "reply timeouts", func(s diag.Snapshot) uint64 { return s.MSTP.ReplyTimeouts }},
	{"MS/TP", "token failures", func(s diag.Snapshot) uint64 { return s.MSTP.TokenPassFailures }},
	{"MS/TP", "discovered masters", func(s diag.Snapshot) uint64 { return uint64(s.DiscoveredMasters) }},
	{"BVLC", "BDT size", func(s diag.Snapshot) uint64 { return uint64(s.BDTSize) }},
	{"BVLC", "FDT size", func(s diag.Snapshot) uint64 { return uint64(s.FDTSize) }},
	{"Router", "open transactions", func(s diag.Snapshot) uint64 { return uint64(s.TransactionCount) }},
	{"Router", "known addresses", func(s diag.Snapshot) uint64 { return uint64(s.AddressCount) }},
}

func rowsFor(snap diag.Snapshot) []table.Row {
	rows := make([]table.Row, len(countersSpec))
	for i, c := range countersSpec {
		rows[i] = table.Row{c.category, c.label, strconv.FormatUint(c.value(snap), 10)}
	}
	return rows
}

func statusTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return statusTickMsg(t) })
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(statusTickCmd(), tea.EnterAltScreen)
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case statusTickMsg:
		m.counters.SetRows(rowsFor(m.gw.Snapshot()))
		return m, statusTickCmd()
	}
	return m, nil
}

func (m statusModel) View() string {
	var s strings.Builder

	s.WriteString(statusTitleStyle.Render(fmt.Sprintf(" bacrouter - %s <-> %s ", m.cfg.SerialPort, m.cfg.Interface)))
	s.WriteString("\n\n")

	s.WriteString(statusDimStyle.Render(fmt.Sprintf("uptime: %s", time.Since(m.startedAt).Round(time.Second))))
	s.WriteString("\n\n")

	s.WriteString(m.counters.View())
	s.WriteString("\n\n")

	s.WriteString("Controls: [q] quit")
	return s.String()
}
