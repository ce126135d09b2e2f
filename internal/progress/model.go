// Package progress renders execution events, either as a live terminal view
// or as plain log lines.
package progress

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/planwright/planwright/internal/executor"
)

// EventMsg delivers an executor event to the model.
type EventMsg struct {
	Event executor.Event
}

// DoneMsg reports that the execution returned.
type DoneMsg struct {
	Execution *executor.Execution
	Err       error
}

type statementRow struct {
	status  executor.StatementStatus
	attempt int
	err     string
}

// Model is the bubbletea model for a single execution.
type Model struct {
	title       string
	executionID string
	status      executor.Status
	statements  []statementRow
	spinner     spinner.Model
	stop        func()
	cancelling  bool
	done        bool
	result      *executor.Execution
	err         error
}

// New returns a model for an execution of total statements. stop is called
// once when the user presses ctrl+c; the execution is expected to finish the
// statement in flight and then report back.
func New(title string, total int, stop func()) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	rows := make([]statementRow, total)
	for i := range rows {
		rows[i].status = executor.StatementPending
	}
	return &Model{
		title:      title,
		status:     executor.StatusPending,
		statements: rows,
		spinner:    sp,
		stop:       stop,
	}
}

func (m *Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			// The execution stops at the next statement boundary; the view
			// stays up until it reports back.
			if !m.cancelling && !m.done && m.stop != nil {
				m.cancelling = true
				m.stop()
			}
		}
		return m, nil

	case EventMsg:
		m.apply(msg.Event)
		return m, nil

	case DoneMsg:
		m.done = true
		m.result = msg.Execution
		m.err = msg.Err
		if msg.Execution != nil {
			m.status = msg.Execution.Status
			for _, s := range msg.Execution.Statements {
				if i := s.StatementNumber - 1; i >= 0 && i < len(m.statements) {
					m.statements[i] = statementRow{status: s.Status, attempt: s.AttemptCount, err: s.LastError}
				}
			}
		}
		return m, tea.Quit

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) apply(ev executor.Event) {
	if ev.ExecutionID != "" {
		m.executionID = ev.ExecutionID
	}
	if ev.ExecutionStatus != "" {
		m.status = ev.ExecutionStatus
	}
	i := ev.StatementNumber - 1
	if i < 0 {
		return
	}
	// Grow rather than drop events for statements the caller did not count.
	for len(m.statements) <= i {
		m.statements = append(m.statements, statementRow{status: executor.StatementPending})
	}
	m.statements[i] = statementRow{status: ev.StatementStatus, attempt: ev.Attempt, err: ev.Error}
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Executing " + m.title))
	if m.executionID != "" {
		b.WriteString(mutedStyle.Render("  " + m.executionID))
	}
	b.WriteString("\n\n")

	total := len(m.statements)
	for i, s := range m.statements {
		label := fmt.Sprintf("statement %d/%d", i+1, total)
		switch s.status {
		case executor.StatementSucceeded:
			b.WriteString(successStyle.Render(iconSuccess) + " " + label)
		case executor.StatementFailed:
			b.WriteString(errorStyle.Render(iconError) + " " + label)
		case executor.StatementSubmitted, executor.StatementRunning:
			b.WriteString(m.spinner.View() + label + mutedStyle.Render(" "+strings.ToLower(string(s.status))))
		default:
			b.WriteString(mutedStyle.Render(iconPending + " " + label))
		}
		if s.attempt > 1 {
			b.WriteString(warningStyle.Render(fmt.Sprintf(" %s attempt %d", iconRetry, s.attempt)))
		}
		b.WriteString("\n")
		if s.err != "" {
			b.WriteString(mutedStyle.Render("    " + firstLine(s.err)))
			b.WriteString("\n")
		}
	}

	switch {
	case m.done:
		b.WriteString(statusBarStyle.Render(m.summary()))
	case m.cancelling:
		b.WriteString(statusBarStyle.Render("cancelling after the current statement..."))
	default:
		b.WriteString(statusBarStyle.Render("ctrl+c to cancel"))
	}
	b.WriteString("\n")
	return b.String()
}

func (m *Model) summary() string {
	if m.result == nil {
		if m.err != nil {
			return "execution failed: " + firstLine(m.err.Error())
		}
		return "execution finished"
	}
	done := 0
	for _, s := range m.statements {
		if s.status == executor.StatementSucceeded {
			done++
		}
	}
	return fmt.Sprintf("%s: %d of %d statements succeeded", m.status, done, len(m.statements))
}

// Result returns what the execution returned once DoneMsg was received.
func (m *Model) Result() (*executor.Execution, error) {
	return m.result, m.err
}

// RunFunc runs an execution, reporting progress through onEvent.
type RunFunc func(ctx context.Context, onEvent func(executor.Event)) (*executor.Execution, error)

// Run shows a live view while run executes. ctrl+c calls stop, or cancels
// the context passed to run when stop is nil. Run always waits for run to
// return so the execution is fully recorded before the caller proceeds.
func Run(ctx context.Context, title string, total int, in io.Reader, out io.Writer, stop func(), run RunFunc) (*executor.Execution, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if stop == nil {
		stop = cancel
	}

	model := New(title, total, stop)
	p := tea.NewProgram(model, tea.WithInput(in), tea.WithOutput(out))

	type outcome struct {
		exec *executor.Execution
		err  error
	}
	results := make(chan outcome, 1)
	go func() {
		exec, err := run(ctx, func(ev executor.Event) { p.Send(EventMsg{Event: ev}) })
		results <- outcome{exec, err}
		p.Send(DoneMsg{Execution: exec, Err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		res := <-results
		if res.err != nil {
			return res.exec, res.err
		}
		return res.exec, fmt.Errorf("progress display failed: %w", err)
	}
	res := <-results
	return res.exec, res.err
}

// Printer returns an event handler that writes one line per event to w.
func Printer(w io.Writer) func(executor.Event) {
	return func(ev executor.Event) {
		if ev.StatementNumber == 0 {
			if ev.Error != "" {
				_, _ = fmt.Fprintf(w, "execution %s %s: %s\n", ev.ExecutionID, ev.ExecutionStatus, firstLine(ev.Error))
				return
			}
			_, _ = fmt.Fprintf(w, "execution %s %s\n", ev.ExecutionID, ev.ExecutionStatus)
			return
		}
		line := fmt.Sprintf("  statement %d %s", ev.StatementNumber, ev.StatementStatus)
		if ev.Attempt > 1 {
			line += fmt.Sprintf(" (attempt %d)", ev.Attempt)
		}
		if ev.Error != "" {
			line += ": " + firstLine(ev.Error)
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
