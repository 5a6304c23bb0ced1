// Package review is a terminal UI for working through the approval queue.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"carhunter/approval"
	"carhunter/payload"
)

// Queue is the subset of *approval.Queue the reviewer drives.
type Queue interface {
	ListPending(ctx context.Context, excludeExpired bool) ([]approval.Request, error)
	Resolve(ctx context.Context, id string, outcome approval.Status, res approval.Resolution) (approval.Request, error)
}

type loadedMsg struct {
	requests []approval.Request
	err      error
}

type resolvedMsg struct {
	request approval.Request
	outcome approval.Status
	err     error
}

// Model lists pending requests and resolves the selected one on a keypress.
type Model struct {
	queue    Queue
	reviewer string
	timeout  time.Duration

	requests []approval.Request
	cursor   int
	status   string
	loading  bool
	resolved int
	width    int
}

func New(queue Queue, reviewer string) *Model {
	return &Model{queue: queue, reviewer: reviewer, timeout: 10 * time.Second, loading: true}
}

// Resolved reports how many requests were closed during the session.
func (m *Model) Resolved() int { return m.resolved }

func (m *Model) Init() tea.Cmd {
	return m.load()
}

func (m *Model) load() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		reqs, err := m.queue.ListPending(ctx, true)
		return loadedMsg{requests: reqs, err: err}
	}
}

func (m *Model) resolve(req approval.Request, outcome approval.Status) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		resolved, err := m.queue.Resolve(ctx, req.ID, outcome, approval.Resolution{By: m.reviewer, Notes: "resolved from review console"})
		if err != nil {
			resolved = req
		}
		return resolvedMsg{request: resolved, outcome: outcome, err: err}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case loadedMsg:
		m.loading = false
		if msg.err != nil {
			m.status = fmt.Sprintf("load failed: %v", msg.err)
			return m, nil
		}
		m.requests = msg.requests
		if m.cursor >= len(m.requests) {
			m.cursor = max(0, len(m.requests)-1)
		}
		return m, nil

	case resolvedMsg:
		switch {
		case errors.Is(msg.err, approval.ErrAlreadyResolved), errors.Is(msg.err, approval.ErrExpired):
			m.status = fmt.Sprintf("%s: %v", shortID(msg.request.ID), msg.err)
			m.remove(msg.request.ID)
		case msg.err != nil:
			m.status = fmt.Sprintf("resolve failed: %v", msg.err)
		default:
			m.resolved++
			m.status = fmt.Sprintf("%s %s", shortID(msg.request.ID), msg.outcome)
			m.remove(msg.request.ID)
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.requests)-1 {
				m.cursor++
			}
		case "a":
			if req, ok := m.selected(); ok {
				return m, m.resolve(req, approval.StatusApproved)
			}
		case "r":
			if req, ok := m.selected(); ok {
				return m, m.resolve(req, approval.StatusRejected)
			}
		case "g":
			m.loading = true
			return m, m.load()
		}
	}
	return m, nil
}

func (m *Model) selected() (approval.Request, bool) {
	if m.cursor < 0 || m.cursor >= len(m.requests) {
		return approval.Request{}, false
	}
	return m.requests[m.cursor], true
}

func (m *Model) remove(id string) {
	for i, r := range m.requests {
		if r.ID == id {
			m.requests = append(m.requests[:i], m.requests[i+1:]...)
			break
		}
	}
	if m.cursor >= len(m.requests) && m.cursor > 0 {
		m.cursor = len(m.requests) - 1
	}
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F1C40F"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2ECC71"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	detailStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).MarginTop(1)
)

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Pending approvals (%d)", len(m.requests))))
	b.WriteString("\n\n")

	switch {
	case m.loading:
		b.WriteString(mutedStyle.Render("loading..."))
	case len(m.requests) == 0:
		b.WriteString(mutedStyle.Render("queue is empty"))
	default:
		for i, r := range m.requests {
			line := fmt.Sprintf("%s  %-18s %-10s %s", shortID(r.ID), r.CheckpointType, r.DealID, r.Description)
			if i == m.cursor {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		if req, ok := m.selected(); ok {
			b.WriteString(detailStyle.Render(describe(req)))
		}
	}

	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(m.status)
		b.WriteString("\n")
	}
	b.WriteString(mutedStyle.Render("a approve  r reject  g refresh  q quit"))
	return b.String()
}

func describe(r approval.Request) string {
	lines := []string{
		fmt.Sprintf("id:        %s", r.ID),
		fmt.Sprintf("action:    %s", r.ActionType),
		fmt.Sprintf("created:   %s", r.CreatedAt.Format(time.RFC3339)),
	}
	if r.ExpiresAt != nil {
		lines = append(lines, fmt.Sprintf("expires:   %s", r.ExpiresAt.Format(time.RFC3339)))
	}
	if r.ThresholdValue != nil {
		lines = append(lines, fmt.Sprintf("threshold: %d", *r.ThresholdValue))
	}
	if r.Reasoning != "" {
		lines = append(lines, fmt.Sprintf("reasoning: %s", r.Reasoning))
	}
	if raw, err := payload.Marshal(r.Payload); err == nil && r.Payload != nil {
		lines = append(lines, fmt.Sprintf("payload:   %s", raw))
	}
	return strings.Join(lines, "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
