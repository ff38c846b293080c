// Package tui renders one storytelling session as a terminal view. The
// session controller owns all submission state; the view forwards player
// intent to it and repaints from the events it emits.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/emberlane/storyloom/internal/session"
	"github.com/emberlane/storyloom/internal/transcript"
)

// Messages posted into the bubbletea program by the controller forwarder.
type (
	// TranscriptMsg carries the full visible transcript after a change.
	TranscriptMsg struct{ Entries []transcript.Entry }

	// StateMsg reports a submission state transition.
	StateMsg struct{ State session.State }

	// RetryMsg reports automatic retry progress for the status line.
	RetryMsg struct {
		Attempt int
		Max     int
		Delay   time.Duration
	}

	// InputRestoredMsg repopulates the input field after a failed turn.
	InputRestoredMsg struct{ Input string }

	// OnlineMsg reports a connectivity transition from the monitor.
	OnlineMsg struct{ Online bool }
)

// Forwarder bridges controller events into a running bubbletea program.
// Send is typically (*tea.Program).Send.
type Forwarder struct {
	Send func(tea.Msg)
}

func (f Forwarder) OnTranscriptChanged(entries []transcript.Entry) {
	f.Send(TranscriptMsg{Entries: entries})
}

func (f Forwarder) OnStateChanged(state session.State) {
	f.Send(StateMsg{State: state})
}

func (f Forwarder) OnRetryProgress(attempt, max int, delay time.Duration) {
	f.Send(RetryMsg{Attempt: attempt, Max: max, Delay: delay})
}

func (f Forwarder) OnInputRestored(input string) {
	f.Send(InputRestoredMsg{Input: input})
}

type theme struct {
	header    lipgloss.Style
	online    lipgloss.Style
	offline   lipgloss.Style
	narration lipgloss.Style
	dialogue  lipgloss.Style
	action    lipgloss.Style
	choice    lipgloss.Style
	system    lipgloss.Style
	errorLine lipgloss.Style
	status    lipgloss.Style
	help      lipgloss.Style
}

func newTheme() theme {
	return theme{
		header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#c792ea")),
		online:    lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1")).Bold(true),
		offline:   lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5370")).Bold(true),
		narration: lipgloss.NewStyle().Foreground(lipgloss.Color("#d0d0d0")),
		dialogue:  lipgloss.NewStyle().Foreground(lipgloss.Color("#82aaff")).Italic(true),
		action:    lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1")),
		choice:    lipgloss.NewStyle().Foreground(lipgloss.Color("#ffd166")),
		system:    lipgloss.NewStyle().Foreground(lipgloss.Color("#8a8a8a")),
		errorLine: lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5370")).Bold(true),
		status:    lipgloss.NewStyle().Foreground(lipgloss.Color("#82aaff")),
		help:      lipgloss.NewStyle().Foreground(lipgloss.Color("#5c5c5c")),
	}
}

// Model is the bubbletea model for one session view.
type Model struct {
	title      string
	controller *session.Controller

	entries []transcript.Entry
	state   session.State
	online  bool
	retry   *RetryMsg
	pending bool

	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model
	theme    theme

	width  int
	height int
	ready  bool
}

// New builds the session view. The controller must already be started; the
// caller wires a Forwarder as its listener before running the program.
func New(controller *session.Controller, title string) Model {
	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 2000
	input.Placeholder = "What do you do?"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#c792ea"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true

	return Model{
		title:      title,
		controller: controller,
		state:      session.StateIdle,
		online:     true,
		input:      input,
		timeline:   timeline,
		spinner:    sp,
		theme:      newTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.timeline.Width = msg.Width
		m.timeline.Height = max(msg.Height-5, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.ready = true
		m.timeline.SetContent(m.renderEntries())
		m.timeline.GotoBottom()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case TranscriptMsg:
		m.entries = msg.Entries
		m.timeline.SetContent(m.renderEntries())
		m.timeline.GotoBottom()
		return m, nil

	case StateMsg:
		m.state = msg.State
		m.pending = msg.State != session.StateIdle
		if msg.State == session.StateIdle {
			m.retry = nil
		}
		return m, nil

	case RetryMsg:
		retry := msg
		m.retry = &retry
		return m, nil

	case InputRestoredMsg:
		m.input.SetValue(msg.Input)
		m.input.CursorEnd()
		return m, nil

	case OnlineMsg:
		m.online = msg.Online
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text != "" && !m.pending {
				m.controller.Submit(text)
				m.input.SetValue("")
			}
			return m, nil
		case tea.KeyCtrlR:
			m.controller.RetryLastFailed()
			return m, nil
		case tea.KeyCtrlD:
			if id := m.lastErrorEntryID(); id != "" {
				m.controller.DismissError(id)
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.controller.SetInput(m.input.Value())

	m.timeline, cmd = m.timeline.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if !m.ready {
		return "loading session..."
	}

	var b strings.Builder
	b.WriteString(m.headerLine())
	b.WriteString("\n")
	b.WriteString(m.timeline.View())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.theme.help.Render("enter submit · ctrl+r retry · ctrl+d dismiss error · ctrl+c quit"))
	return b.String()
}

func (m Model) headerLine() string {
	indicator := m.theme.online.Render("● online")
	if !m.online {
		indicator = m.theme.offline.Render("● offline")
	}
	return m.theme.header.Render(m.title) + "  " + indicator
}

func (m Model) statusLine() string {
	switch m.state {
	case session.StateSubmitting:
		if m.retry != nil {
			return m.theme.status.Render(fmt.Sprintf("%s retrying (%d/%d) in %s...",
				m.spinner.View(), m.retry.Attempt, m.retry.Max, m.retry.Delay))
		}
		return m.theme.status.Render(m.spinner.View() + " the story unfolds...")
	case session.StateSettling:
		return m.theme.status.Render(m.spinner.View() + " settling...")
	default:
		return ""
	}
}

// renderEntries paints the transcript, one block per entry.
func (m Model) renderEntries() string {
	if len(m.entries) == 0 {
		return m.theme.system.Render("The story has not started yet.")
	}

	var b strings.Builder
	for i, entry := range m.entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.renderEntry(entry))
	}
	return b.String()
}

func (m Model) renderEntry(entry transcript.Entry) string {
	switch entry.Kind {
	case transcript.KindAction:
		return m.theme.action.Render("you: " + entry.Content)
	case transcript.KindDialogue:
		return m.theme.dialogue.Render(entry.Content)
	case transcript.KindChoiceSet:
		var b strings.Builder
		b.WriteString(m.theme.choice.Render("Choose:"))
		for i, choice := range entry.Choices {
			b.WriteString("\n")
			b.WriteString(m.theme.choice.Render(fmt.Sprintf("  %d. %s", i+1, choice)))
		}
		return b.String()
	case transcript.KindError:
		line := m.theme.errorLine.Render("! " + entry.Content)
		if retryable, ok := entry.Auxiliary[session.AuxRetryable].(bool); ok && retryable {
			line += "\n" + m.theme.help.Render("  press ctrl+r to retry")
		}
		return line
	case transcript.KindSystem:
		return m.theme.system.Render(entry.Content)
	default:
		if entry.Author == transcript.AuthorSystem {
			return m.theme.system.Render(entry.Content)
		}
		return m.theme.narration.Render(entry.Content)
	}
}

func (m Model) lastErrorEntryID() string {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Kind == transcript.KindError {
			return m.entries[i].ID
		}
	}
	return ""
}
