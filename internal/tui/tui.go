// Package tui renders the live dashboard for a running daemon: workers,
// accounts, recent runs, and a tail of bus events, all read through the
// gateway.
package tui

import (
	"context"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/drover/internal/gateway"
)

// feedMax bounds the event tail kept on screen.
const feedMax = 12

type model struct {
	client  *gateway.Client
	refresh time.Duration

	snap    gateway.StatusSnapshot
	snapErr string

	events    <-chan gateway.StreamEvent
	feed      []string
	streaming bool

	width  int
	height int
}

type tickMsg time.Time

type statusMsg struct {
	snap gateway.StatusSnapshot
	err  error
}

type streamMsg struct {
	ev gateway.StreamEvent
	ok bool
}

func newModel(client *gateway.Client, refresh time.Duration) model {
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	return model{client: client, refresh: refresh}
}

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) fetchCmd() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := client.Status(ctx)
		return statusMsg{snap: snap, err: err}
	}
}

// waitEventCmd parks on the stream channel and resolves with the next event.
func (m model) waitEventCmd() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		ev, ok := <-events
		return streamMsg{ev: ev, ok: ok}
	}
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.fetchCmd(), m.tickCmd()}
	if m.events != nil {
		cmds = append(cmds, m.waitEventCmd())
	}
	return tea.Batch(cmds...)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), m.tickCmd())
	case statusMsg:
		if msg.err != nil {
			m.snapErr = msg.err.Error()
			return m, nil
		}
		m.snap = msg.snap
		m.snapErr = ""
	case streamMsg:
		if !msg.ok {
			m.streaming = false
			return m, nil
		}
		line := time.Now().Format("15:04:05") + "  " + formatEvent(msg.ev)
		m.feed = append(m.feed, line)
		if len(m.feed) > feedMax {
			m.feed = m.feed[len(m.feed)-feedMax:]
		}
		return m, m.waitEventCmd()
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	header := lipgloss.NewStyle().Bold(true)
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errS := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	var out strings.Builder
	out.WriteString(title.Render("drover") + "  " + dim.Render("q quit, r refresh") + "\n\n")

	if m.snapErr != "" {
		out.WriteString(errS.Render("gateway: "+m.snapErr) + "\n\n")
	}

	out.WriteString(header.Render("Workers") + "\n")
	if len(m.snap.Workers) == 0 {
		out.WriteString(dim.Render("  none") + "\n")
	}
	for _, w := range m.snap.Workers {
		out.WriteString("  " + workerRow(w) + "\n")
	}

	out.WriteString("\n" + header.Render("Accounts") + "\n")
	if len(m.snap.Accounts) == 0 {
		out.WriteString(dim.Render("  none") + "\n")
	}
	for _, a := range m.snap.Accounts {
		out.WriteString("  " + accountRow(a) + "\n")
	}

	out.WriteString("\n" + header.Render("Recent runs") + "\n")
	if len(m.snap.Runs) == 0 {
		out.WriteString(dim.Render("  none") + "\n")
	}
	for i, r := range m.snap.Runs {
		if i == 8 {
			break
		}
		out.WriteString("  " + runRow(r) + "\n")
	}

	out.WriteString("\n" + header.Render("Events") + "\n")
	switch {
	case !m.streaming:
		out.WriteString(dim.Render("  (stream closed)") + "\n")
	case len(m.feed) == 0:
		out.WriteString(dim.Render("  (waiting)") + "\n")
	}
	for _, line := range m.feed {
		out.WriteString("  " + line + "\n")
	}

	return out.String()
}

// Run drives the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, client *gateway.Client) error {
	defer bestEffortResetTTY()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newModel(client, 2*time.Second)
	events, stop, err := client.Stream(ctx)
	if err != nil {
		// Status polling still works without the feed.
		m.snapErr = err.Error()
	} else {
		defer stop()
		m.events = events
		m.streaming = true
	}

	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
