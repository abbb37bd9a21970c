// Package tui renders a live view of a session while another process runs it.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Iron-Ham/cadence/internal/logging"
	"github.com/Iron-Ham/cadence/internal/session"
	"github.com/Iron-Ham/cadence/internal/styles"
)

const (
	defaultInterval = 500 * time.Millisecond
	defaultLogLines = 8
	defaultWidth    = 80
	barWidth        = 24
)

type tickMsg time.Time

type loadedMsg struct {
	sess *session.Session
	logs []logging.LogEntry
	err  error
}

// Model polls a session record and the tail of its debug log. The session
// store is the only interface: the watcher never takes the session lock.
type Model struct {
	store    *session.Store
	id       string
	interval time.Duration
	logLines int

	spinner spinner.Model
	sess    *session.Session
	logs    []logging.LogEntry
	err     error
	width   int
	done    bool
}

// Option configures a Model.
type Option func(*Model)

// WithInterval sets how often the session is re-read.
func WithInterval(d time.Duration) Option {
	return func(m *Model) { m.interval = d }
}

// WithLogLines sets how many recent log entries are shown.
func WithLogLines(n int) Option {
	return func(m *Model) { m.logLines = n }
}

// New returns a Model watching session id in store.
func New(store *session.Store, id string, opts ...Option) Model {
	m := Model{
		store:    store,
		id:       id,
		interval: defaultInterval,
		logLines: defaultLogLines,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(styles.Primary)),
		width:    defaultWidth,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Err returns the last error from reading the session, if any.
func (m Model) Err() error {
	return m.err
}

// Session returns the last session record read.
func (m Model) Session() *session.Session {
	return m.sess
}

func (m Model) load() tea.Cmd {
	store, id, n := m.store, m.id, m.logLines
	return func() tea.Msg {
		sess, err := store.Load(id)
		if err != nil {
			return loadedMsg{err: err}
		}
		// A missing or unreadable log only hides the activity pane.
		entries, _ := logging.AggregateLogs(store.Dir(id))
		if len(entries) > n {
			entries = entries[len(entries)-n:]
		}
		return loadedMsg{sess: sess, logs: entries}
	}
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load(), m.spinner.Tick)
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
		}
		return m, nil

	case tickMsg:
		return m, m.load()

	case loadedMsg:
		m.err = msg.err
		if msg.sess != nil {
			m.sess = msg.sess
			m.logs = msg.logs
		}
		if m.sess != nil && m.sess.Status.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, tick(m.interval)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the session.
func (m Model) View() string {
	if m.sess == nil {
		if m.err != nil {
			return styles.Error.Render(m.err.Error()) + "\n"
		}
		return m.spinner.View() + " loading session " + m.id + "\n"
	}

	var b strings.Builder
	sess := m.sess

	status := styles.Status(string(sess.Status)).Render(string(sess.Status))
	if sess.NeedsReconciliation() {
		status = styles.Warning.Render("reconciliation")
	}
	head := styles.Title.Render("Session "+sess.ID) + "  " + status
	if !m.done && !sess.Status.Terminal() {
		head = m.spinner.View() + " " + head
	}
	b.WriteString(head + "\n")
	b.WriteString(styles.Muted.Render(styles.Truncate(sess.PlanRef, m.width)) + "\n\n")

	total := len(sess.Completed) + len(sess.Remaining)
	b.WriteString(progressBar(len(sess.Completed), total) + "\n\n")

	phase := m.currentPhase()
	for _, id := range sess.Completed {
		b.WriteString("  " + styles.Success.Render("✓") + " " + id + "\n")
	}
	for _, id := range sess.Remaining {
		switch {
		case id == sess.CurrentStep && phase != "":
			b.WriteString("  " + styles.Info.Render("▸") + " " + id + styles.Muted.Render(" "+phase) + "\n")
		case id == sess.CurrentStep:
			b.WriteString("  " + styles.Info.Render("▸") + " " + id + "\n")
		default:
			b.WriteString("  " + styles.Muted.Render("· "+id) + "\n")
		}
	}

	if h := sess.Halt; h != nil {
		line := fmt.Sprintf("halted at %s", h.Step)
		if h.Phase != "" {
			line += "/" + h.Phase
		}
		b.WriteString("\n" + styles.Warning.Render(styles.Truncate(line+": "+h.Reason, m.width)) + "\n")
	}
	if rec := sess.Reconciliation; rec != nil && !rec.Acknowledged {
		b.WriteString(styles.Warning.Render(styles.Truncate(
			fmt.Sprintf("tracker item %s for step %s is still open", rec.Item, rec.Step), m.width)) + "\n")
	}

	if len(m.logs) > 0 {
		b.WriteString("\n" + styles.Header.Render("Recent activity") + "\n")
		for _, entry := range m.logs {
			line := styles.Truncate(logging.FormatEntry(entry), m.width)
			switch entry.Level {
			case logging.LevelError:
				line = styles.Error.Render(line)
			case logging.LevelWarn:
				line = styles.Warning.Render(line)
			default:
				line = styles.Muted.Render(line)
			}
			b.WriteString(line + "\n")
		}
	}

	if m.err != nil {
		b.WriteString("\n" + styles.Error.Render(styles.Truncate(m.err.Error(), m.width)) + "\n")
	}
	if !m.done {
		b.WriteString("\n" + styles.Muted.Render("q to quit") + "\n")
	}
	return b.String()
}

// currentPhase is the phase of the newest log entry for the current step.
func (m Model) currentPhase() string {
	for i := len(m.logs) - 1; i >= 0; i-- {
		e := m.logs[i]
		if e.StepID == m.sess.CurrentStep && e.Phase != "" {
			return e.Phase
		}
	}
	return ""
}

func progressBar(done, total int) string {
	filled := 0
	if total > 0 {
		filled = done * barWidth / total
	}
	bar := styles.Success.Render(strings.Repeat("█", filled)) +
		styles.Muted.Render(strings.Repeat("░", barWidth-filled))
	return fmt.Sprintf("%s %d/%d steps", bar, done, total)
}
