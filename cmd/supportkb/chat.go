package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kalambet/supportkb/internal/api"
	"github.com/kalambet/supportkb/internal/conversation"
	"github.com/kalambet/supportkb/internal/kb"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive search with conversation context",
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetInt("window")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ask := func(ctx context.Context, req api.QueryRequest) (kb.Result, error) {
			out, err := postQuery(ctx, client, req)
			if err != nil {
				return kb.Result{}, err
			}
			var r kb.Result
			if err := json.Unmarshal(out.Result, &r); err != nil {
				return kb.Result{}, fmt.Errorf("decoding result: %w", err)
			}
			return r, nil
		}
		m := newChatModel(cmd.Context(), ask, window)
		_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
		return err
	},
}

func init() {
	chatCmd.Flags().Int("window", conversation.DefaultWindowSize, "number of prior turns sent with each query")
}

// askFunc sends one query with its conversation history.
type askFunc func(ctx context.Context, req api.QueryRequest) (kb.Result, error)

type answerMsg struct {
	result kb.Result
	err    error
}

type chatModel struct {
	ctx        context.Context
	ask        askFunc
	conv       *conversation.Manager
	input      textinput.Model
	viewport   viewport.Model
	transcript []string
	status     string
	busy       bool
	ready      bool
}

func newChatModel(ctx context.Context, ask askFunc, window int) chatModel {
	if ctx == nil {
		ctx = context.Background()
	}
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Describe the problem and press Enter (/reset clears context)"
	ti.Focus()
	ti.CharLimit = 0
	return chatModel{
		ctx:      ctx,
		ask:      ask,
		conv:     conversation.NewManager(window),
		input:    ti,
		viewport: viewport.New(0, 0),
		status:   "Ready.",
	}
}

func (m chatModel) Init() tea.Cmd { return textinput.Blink }

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, bh := transcriptBoxStyle.GetFrameSize()
		_, ih := inputBoxStyle.GetFrameSize()
		reserved := 1 + 1 + ih + 1 // header, status, input line
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved-bh)
		m.refresh()
		return m, nil

	case answerMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			m.transcript = append(m.transcript, colorize(styleError, "✗ "+msg.err.Error()))
			m.refresh()
			return m, nil
		}
		m.conv.Append(assistantTurn(msg.result))
		m.transcript = append(m.transcript, renderResult(msg.result))
		m.status = fmt.Sprintf("Context: %d/%d turns", len(m.conv.Window()), m.conv.Size())
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case tea.KeyEnter:
			return m.submit()
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m chatModel) submit() (tea.Model, tea.Cmd) {
	q := strings.TrimSpace(m.input.Value())
	if q == "" || m.busy {
		return m, nil
	}
	m.input.SetValue("")

	if q == "/reset" {
		m.conv.Reset()
		m.transcript = nil
		m.status = "Context cleared."
		m.refresh()
		return m, nil
	}

	req := api.QueryRequest{
		Text:                q,
		ConversationHistory: historyFromTurns(m.conv.Window()),
	}
	m.conv.Append(conversation.Turn{Role: conversation.RoleUser, Content: q})
	m.transcript = append(m.transcript, colorize(styleBold, "> "+q))
	m.busy = true
	m.status = "Searching..."
	m.refresh()

	ctx, ask := m.ctx, m.ask
	return m, func() tea.Msg {
		r, err := ask(ctx, req)
		return answerMsg{result: r, err: err}
	}
}

// assistantTurn reduces a result to the text kept in the conversation
// window. Only turns that carried hits count as having results.
func assistantTurn(r kb.Result) conversation.Turn {
	t := conversation.Turn{Role: conversation.RoleAssistant}
	if hits, ok := r.Hits(); ok {
		data, _ := json.Marshal(hits)
		t.Content, _ = conversation.Reduce(data)
		t.Results = len(hits) > 0
		return t
	}
	t.Content, _ = r.RawText()
	return t
}

func (m *chatModel) refresh() {
	if len(m.transcript) == 0 {
		m.viewport.SetContent(colorize(styleMuted, "No questions yet."))
		return
	}
	m.viewport.SetContent(strings.Join(m.transcript, "\n\n"))
	m.viewport.GotoBottom()
}

func (m chatModel) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("supportkb chat")
	body := transcriptBoxStyle.Render(m.viewport.View())
	input := inputBoxStyle.Render(m.input.View())
	status := colorize(styleMuted, m.status)
	return header + "\n" + body + "\n" + input + "\n" + status
}

var (
	transcriptBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputBoxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)
