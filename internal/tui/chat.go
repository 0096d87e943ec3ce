package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/wwwzy/nyc311bot/internal/conversation"
	"github.com/wwwzy/nyc311bot/internal/graph"
	"github.com/wwwzy/nyc311bot/internal/message"
	"github.com/wwwzy/nyc311bot/internal/ui"
)

type ChatUI struct{}

func (u *ChatUI) Run(ctx context.Context, backend ui.ChatBackend, opts ui.ChatOptions) error {
	m := newChatModel(ctx, backend, opts)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// streamEventMsg 携带工作流推送的一个事件
type streamEventMsg struct {
	ev graph.Event
}

// turnDoneMsg 表示一轮问答结束，事件通道随后关闭
type turnDoneMsg struct {
	turn conversation.Turn
	err  error
}

type clearedMsg struct {
	n   int64
	err error
}

type cancelMsg struct{}

type entryKind int

const (
	entryHuman entryKind = iota
	entryAI
	entryInfo
	entryError
)

type chatEntry struct {
	kind    entryKind
	id      string
	content string
}

type chatModel struct {
	ctx     context.Context
	backend ui.ChatBackend

	sessionID   string
	showDetails bool

	entries []chatEntry
	status  string
	events  chan tea.Msg

	width  int
	height int

	viewport   viewport.Model
	input      textinput.Model
	spinner    spinner.Model
	thinking   bool
	followTail bool

	renderer *glamour.TermRenderer
}

func newChatModel(ctx context.Context, backend ui.ChatBackend, opts ui.ChatOptions) chatModel {
	s := spinner.New()
	s.Spinner = spinner.MiniDot

	ti := textinput.New()
	ti.Placeholder = "输入问题，回车发送；/help 查看命令"
	ti.Prompt = ""
	ti.Focus()

	vp := viewport.New(0, 0)
	vp.SetContent("")

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = conversation.NewSessionID()
	}

	return chatModel{
		ctx:         ctx,
		backend:     backend,
		sessionID:   sessionID,
		showDetails: opts.ShowDetails,
		viewport:    vp,
		input:       ti,
		spinner:     s,
		followTail:  true,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitCancel(m.ctx))
}

func waitCancel(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return cancelMsg{}
	}
}

// startAsk 在后台运行一轮问答，事件经由通道逐个交给 Update
func startAsk(ctx context.Context, backend ui.ChatBackend, sessionID, question string) chan tea.Msg {
	ch := make(chan tea.Msg, 64)
	go func() {
		defer close(ch)
		turn, err := backend.Ask(ctx, sessionID, question, func(ev graph.Event) {
			ch <- streamEventMsg{ev: ev}
		})
		ch <- turnDoneMsg{turn: turn, err: err}
	}()
	return ch
}

func waitEvent(ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func clearSession(ctx context.Context, backend ui.ChatBackend, sessionID string) tea.Cmd {
	return func() tea.Msg {
		n, err := backend.Clear(ctx, sessionID)
		return clearedMsg{n: n, err: err}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case cancelMsg:
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		inputHeight := 3
		footerHeight := 1
		headerHeight := 1
		chatHeight := m.height - inputHeight - footerHeight - headerHeight
		if chatHeight < 1 {
			chatHeight = 1
		}

		m.viewport.Width = m.width
		m.viewport.Height = chatHeight

		m.input.Width = max(10, m.width-4)

		m.resetMarkdownRenderer()
		m.updateViewportContent(m.renderChat())
		return m, nil

	case spinner.TickMsg:
		if m.thinking {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case streamEventMsg:
		m.applyEvent(msg.ev)
		m.updateViewportContent(m.renderChat())
		return m, waitEvent(m.events)

	case turnDoneMsg:
		m.thinking = false
		m.status = ""
		m.events = nil
		m.finishTurn(msg.turn, msg.err)
		m.followTail = true
		m.updateViewportContent(m.renderChat())
		return m, nil

	case clearedMsg:
		if msg.err != nil {
			m.entries = append(m.entries, chatEntry{kind: entryError, content: fmt.Sprintf("清空失败：%v", msg.err)})
		} else {
			m.entries = []chatEntry{{kind: entryInfo, content: fmt.Sprintf("已清空 %d 条消息", msg.n)}}
		}
		m.updateViewportContent(m.renderChat())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "pgup", "pageup":
			m.viewport.PageUp()
			m.followTail = false
			return m, nil
		case "pgdown", "pagedown":
			m.viewport.PageDown()
			if m.viewport.AtBottom() {
				m.followTail = true
			}
			return m, nil
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)

		if msg.String() == "enter" {
			if m.thinking {
				return m, cmd
			}
			line := m.input.Value()
			m.input.SetValue("")
			return m.submit(line, cmd)
		}
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m chatModel) submit(line string, cmd tea.Cmd) (tea.Model, tea.Cmd) {
	c := ui.ParseCommand(line)
	switch c.Kind {
	case ui.CmdEmpty:
		return m, cmd
	case ui.CmdExit:
		return m, tea.Quit
	case ui.CmdHelp:
		m.entries = append(m.entries, chatEntry{kind: entryInfo, content: ui.HelpText})
	case ui.CmdExamples:
		m.entries = append(m.entries, chatEntry{kind: entryInfo, content: ui.ExamplesText()})
	case ui.CmdDetails:
		m.showDetails = !m.showDetails
		m.entries = append(m.entries, chatEntry{kind: entryInfo, content: fmt.Sprintf("查询详情: %t", m.showDetails)})
	case ui.CmdUnknown:
		m.entries = append(m.entries, chatEntry{kind: entryError, content: c.Err.Error()})
	case ui.CmdClear:
		return m, tea.Batch(cmd, clearSession(m.ctx, m.backend, m.sessionID))
	case ui.CmdAsk:
		m.entries = append(m.entries, chatEntry{kind: entryHuman, content: c.Question})
		m.followTail = true
		m.thinking = true
		m.events = startAsk(m.ctx, m.backend, m.sessionID, c.Question)
		m.updateViewportContent(m.renderChat())
		return m, tea.Batch(cmd, m.spinner.Tick, waitEvent(m.events))
	}
	m.followTail = true
	m.updateViewportContent(m.renderChat())
	return m, cmd
}

// applyEvent 把增量片段拼到同 ID 的回答上，撤回事件删除对应回答
func (m *chatModel) applyEvent(ev graph.Event) {
	if ev.Mode == graph.ModeMessages {
		msg := ev.Message
		switch {
		case msg.Chunk:
			if i := m.findEntry(msg.ID); i >= 0 {
				m.entries[i].content += msg.Content
			} else {
				m.entries = append(m.entries, chatEntry{kind: entryAI, id: msg.ID, content: msg.Content})
			}
			return
		case msg.Role == message.RoleRemove:
			if i := m.findEntry(msg.ID); i >= 0 {
				m.entries = append(m.entries[:i], m.entries[i+1:]...)
			}
			return
		}
	}
	if line := ui.Progress(ev); line != "" {
		m.status = line
	}
}

func (m *chatModel) finishTurn(turn conversation.Turn, err error) {
	if err != nil {
		m.entries = append(m.entries, chatEntry{kind: entryError, content: fmt.Sprintf("发生错误：%v", err)})
		return
	}
	switch {
	case turn.Result == conversation.ResultFailed:
		m.entries = append(m.entries, chatEntry{kind: entryError, content: "(无回复)"})
	case turn.AnswerID != "":
		// 护栏拦截的理由不经过流式输出，这里补上；流式回答以最终内容为准
		if i := m.findEntry(turn.AnswerID); i >= 0 {
			m.entries[i].content = turn.Answer
		} else {
			m.entries = append(m.entries, chatEntry{kind: entryAI, id: turn.AnswerID, content: turn.Answer})
		}
	}
	if m.showDetails {
		m.entries = append(m.entries, chatEntry{kind: entryInfo, content: ui.Details(turn)})
	}
}

func (m *chatModel) findEntry(id string) int {
	if id == "" {
		return -1
	}
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].kind == entryAI && m.entries[i].id == id {
			return i
		}
	}
	return -1
}

func (m chatModel) View() string {
	header := lipgloss.NewStyle().Bold(true).Render("NYC 311 Chat") +
		lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("  session "+m.sessionID)

	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), m.inputView(), m.footerView())
}

func (m chatModel) footerView() string {
	left := "Enter 发送 | PgUp/PgDn 滚动 | Ctrl+C 退出"
	right := ""
	if m.thinking {
		status := m.status
		if status == "" {
			status = "Thinking..."
		}
		right = m.spinner.View() + " " + status
	}
	style := lipgloss.NewStyle().Width(m.width).Padding(0, 1)
	return style.Render(lipgloss.JoinHorizontal(lipgloss.Left, left, lipgloss.NewStyle().Width(max(0, m.width-lipgloss.Width(left)-lipgloss.Width(right)-2)).Render(""), right))
}

func (m chatModel) inputView() string {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1).
		Width(max(1, m.input.Width+2)).
		Render(m.input.View())
}

func (m *chatModel) updateViewportContent(content string) {
	oldYOffset := m.viewport.YOffset
	m.viewport.SetContent(content)
	if m.followTail {
		m.viewport.GotoBottom()
		return
	}
	m.viewport.SetYOffset(oldYOffset)
}

func (m *chatModel) resetMarkdownRenderer() {
	if m.width <= 0 {
		return
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(m.bubbleMaxContentWidth()),
	)
	if err == nil {
		m.renderer = r
	}
}

func (m chatModel) renderChat() string {
	if m.width <= 0 {
		m.width = 80
	}

	var b strings.Builder
	for _, e := range m.entries {
		content := strings.TrimRight(e.content, "\n")
		if strings.TrimSpace(content) == "" {
			continue
		}
		var line string
		switch e.kind {
		case entryHuman:
			line = m.renderUser(content)
		case entryAI:
			line = m.renderAssistant(content)
		case entryError:
			line = m.renderNote("ERROR", content, "160")
		default:
			line = m.renderNote("INFO", content, "240")
		}
		b.WriteString(line)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m chatModel) bubbleMaxContentWidth() int {
	if m.width <= 0 {
		return 72
	}
	return max(20, m.width-8)
}

func (m chatModel) desiredContentWidth(s string) int {
	w := max(10, maxLineWidth(s))
	return min(m.bubbleMaxContentWidth(), w)
}

func (m chatModel) wrapToWidth(s string, width int) string {
	if width <= 0 {
		return s
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

func maxLineWidth(s string) int {
	s = strings.TrimRight(s, "\n")
	if strings.TrimSpace(s) == "" {
		return 0
	}
	maxW := 0
	for _, line := range strings.Split(s, "\n") {
		if w := lipgloss.Width(strings.TrimRight(line, " ")); w > maxW {
			maxW = w
		}
	}
	return maxW
}

func (m chatModel) renderAssistant(content string) string {
	md := content
	if m.renderer != nil {
		if rendered, err := m.renderer.Render(md); err == nil {
			md = strings.TrimRight(rendered, "\n")
		}
	}
	md = m.wrapToWidth(md, m.desiredContentWidth(md))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		Padding(0, 1).
		MaxWidth(max(20, m.width-4)).
		Render(md)
}

func (m chatModel) renderUser(content string) string {
	content = m.wrapToWidth(content, m.desiredContentWidth(content))
	bubble := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("205")).
		Padding(0, 1).
		MaxWidth(max(20, m.width-4)).
		Render(content)
	return lipgloss.NewStyle().Width(m.width).Align(lipgloss.Right).Render(bubble)
}

func (m chatModel) renderNote(label, content, color string) string {
	body := m.wrapToWidth(content, m.desiredContentWidth(content))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(color)).
		Foreground(lipgloss.Color("245")).
		Padding(0, 1).
		MaxWidth(max(20, m.width-4)).
		Render(label + "\n" + body)
}
