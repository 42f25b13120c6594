// Package tui is the interactive chat surface: a viewport transcript, an
// input line, and a status bar showing the connected server and its tool
// count. Queries run off the UI loop in a tea.Cmd; answers and errors, with
// any partial progress, append to the transcript.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/harida/titian/pkg/agent"
	"github.com/harida/titian/pkg/bridge"
	"github.com/rs/zerolog"
)

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
)

// Processor turns one query into a final answer.
type Processor interface {
	Process(ctx context.Context, query string) (string, error)
}

// Config holds chat surface configuration.
type Config struct {
	Processor Processor
	Bridge    *bridge.Bridge
	Catalog   *agent.Catalog
	Logger    zerolog.Logger
}

type answerMsg struct {
	text string
	err  error
}

// Model is the bubbletea model for the chat surface.
type Model struct {
	processor Processor
	bridge    *bridge.Bridge
	catalog   *agent.Catalog
	logger    zerolog.Logger

	viewport viewport.Model
	input    textinput.Model
	spin     spinner.Model

	transcript []string
	busy       bool
	ready      bool
	width      int
	height     int
}

// New creates the chat surface model.
func New(cfg Config) (*Model, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	input := textinput.New()
	input.Placeholder = "Ask something..."
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	return &Model{
		processor: cfg.Processor,
		bridge:    cfg.Bridge,
		catalog:   cfg.Catalog,
		logger:    cfg.Logger.With().Str("component", "tui").Logger(),
		input:     input,
		spin:      spin,
	}, nil
}

// Run drives the chat surface until the user quits.
func Run(cfg Config) error {
	model, err := New(cfg)
	if err != nil {
		return err
	}

	_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		viewportHeight := msg.Height - 4
		if viewportHeight < 1 {
			viewportHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, viewportHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = viewportHeight
		}
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if m.busy {
				return m, nil
			}
			query := strings.TrimSpace(m.input.Value())
			if query == "" {
				return m, nil
			}
			m.input.SetValue("")
			m.busy = true
			m.appendLine(userStyle.Render("you: ") + query)
			return m, tea.Batch(m.spin.Tick, m.processQuery(query))
		}

	case answerMsg:
		m.busy = false
		if msg.text != "" {
			m.appendLine(assistantStyle.Render("assistant: ") + msg.text)
		}
		if msg.err != nil {
			m.appendLine(errorStyle.Render("error: " + msg.err.Error()))
		}
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var inputCmd, viewportCmd tea.Cmd
	m.input, inputCmd = m.input.Update(msg)
	m.viewport, viewportCmd = m.viewport.Update(msg)
	return m, tea.Batch(inputCmd, viewportCmd)
}

// processQuery runs the query off the UI loop. Partial progress reaches the
// transcript even when the query errors out.
func (m *Model) processQuery(query string) tea.Cmd {
	return func() tea.Msg {
		answer, err := m.processor.Process(context.Background(), query)
		return answerMsg{text: answer, err: err}
	}
}

func (m *Model) appendLine(line string) {
	m.transcript = append(m.transcript, line)
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.transcript, "\n\n"))
	m.viewport.GotoBottom()
}

// statusLine renders the connection status from the bridge handshake and the
// catalog snapshot.
func (m *Model) statusLine() string {
	info, ok := m.bridge.ServerInfo()
	if !ok {
		return statusStyle.Render("Disconnected")
	}

	status := fmt.Sprintf("Connected to %s", info.Name)
	if info.Version != "" {
		status += " " + info.Version
	}
	if m.catalog != nil {
		tools, _, stale := m.catalog.Tools()
		status += fmt.Sprintf(" (%d tools", len(tools))
		if stale {
			status += ", stale"
		}
		status += ")"
	}

	if m.busy {
		status = m.spin.View() + " thinking... | " + status
	}
	return statusStyle.Render(status)
}

// View implements tea.Model.
func (m *Model) View() string {
	if !m.ready {
		return "loading..."
	}
	return fmt.Sprintf("%s\n%s\n%s", m.viewport.View(), m.statusLine(), m.input.View())
}
