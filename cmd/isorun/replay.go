package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/omniglot-go/isorun/internal/trace"
	"github.com/omniglot-go/isorun/internal/ui/colorize"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	footerStyle = lipgloss.NewStyle().Faint(true)
)

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open trace dump: %w", err)
	}
	defer f.Close()

	session, err := trace.Load(f)
	if err != nil {
		return fmt.Errorf("load trace dump: %w", err)
	}

	events := session.Events()
	if len(events) == 0 {
		fmt.Println("trace dump contains no events")
		return nil
	}

	m := newReplayModel(events)
	p := tea.NewProgram(m)
	_, err = p.Run()
	return err
}

// replayModel scrolls through a formatted rendering of one session's
// recorded events, one line per event, in a bubbles viewport.
type replayModel struct {
	vp     viewport.Model
	events []*trace.Event
	ready  bool
}

func newReplayModel(events []*trace.Event) replayModel {
	return replayModel{events: events}
}

func (m replayModel) Init() tea.Cmd { return nil }

func (m replayModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		vpHeight := msg.Height - headerHeight - footerHeight
		if !m.ready {
			m.vp = viewport.New(msg.Width, vpHeight)
			m.vp.SetContent(renderEvents(m.events))
			m.ready = true
		} else {
			m.vp.Width = msg.Width
			m.vp.Height = vpHeight
		}
	}

	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

func (m replayModel) View() string {
	if !m.ready {
		return "initializing..."
	}
	return m.headerView() + "\n" + m.vp.View() + "\n" + m.footerView()
}

func (m replayModel) headerView() string {
	return headerStyle.Render(fmt.Sprintf("isorun replay — %d events", len(m.events)))
}

func (m replayModel) footerView() string {
	return footerStyle.Render("↑/↓ or j/k scroll, q to quit")
}

func renderEvents(events []*trace.Event) string {
	var b strings.Builder
	for i, e := range events {
		pc := colorize.Address(e.PC)
		if e.Tags.Primary() == trace.CallbackDispatch {
			pc = colorize.Springboard(fmt.Sprintf("%08X", e.PC))
		}
		b.WriteString(fmt.Sprintf("%4d  %s  %s", i, pc, colorize.Tag(e.PrimaryTag())))
		if e.Name != "" {
			b.WriteString("  " + colorize.FuncName(e.Name))
		}
		if e.Detail != "" {
			b.WriteString("  " + colorize.Detail(e.Detail))
		}
		for k, v := range e.Annotations {
			b.WriteString(fmt.Sprintf("  %s", colorize.Comment(k+"="+v)))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
