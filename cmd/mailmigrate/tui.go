package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	lipgloss "github.com/charmbracelet/lipgloss"

	"github.com/pepperpark/mailmigrate/internal/migrate"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// maxShownProblems caps the failure lines kept on screen; the log has all of them.
const maxShownProblems = 8

type folderProgress struct {
	total int
	done  int
}

type model struct {
	cancel   context.CancelFunc
	events   <-chan migrate.Event
	prog     map[string]folderProgress
	current  string
	totalAll int
	doneAll  int
	failed   int
	problems []string
	spinner  spinner.Model
	bar      progress.Model
	stopping bool
	finished bool
	rate     rateMeter
}

type tickMsg time.Time
type eventMsg migrate.Event
type doneMsg struct{}

func newModel(cancel context.CancelFunc, events <-chan migrate.Event) *model {
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	return &model{cancel: cancel, events: events, prog: map[string]folderProgress{}, spinner: s, bar: bar, rate: newRateMeter()}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick(), waitEvent(m.events))
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// waitEvent delivers the next engine event, or doneMsg once the run is over.
func waitEvent(events <-chan migrate.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			// keep running until the engine has saved state and logged out
			m.stopping = true
			m.cancel()
		}
		return m, nil
	case doneMsg:
		m.finished = true
		return m, tea.Quit
	case eventMsg:
		m.apply(migrate.Event(msg))
		return m, waitEvent(m.events)
	case tickMsg:
		m.rate.update(m.doneAll)
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *model) apply(ev migrate.Event) {
	switch ev.Type {
	case migrate.EventFolderStart:
		m.current = ev.Folder
	case migrate.EventFolderProgress, migrate.EventFolderDone:
		m.prog[ev.Folder] = folderProgress{total: ev.Total, done: ev.Done}
		m.recomputeTotals()
	case migrate.EventMessageFailed:
		m.failed++
		m.prog[ev.Folder] = folderProgress{total: ev.Total, done: ev.Done}
		m.recomputeTotals()
		m.addProblem(fmt.Sprintf("%s UID %d: %v", ev.Folder, ev.UID, ev.Err))
	case migrate.EventFolderSkipped:
		if ev.Err != nil {
			m.addProblem(fmt.Sprintf("%s skipped: %v", ev.Folder, ev.Err))
		}
	}
}

func (m *model) addProblem(s string) {
	m.problems = append(m.problems, s)
	if len(m.problems) > maxShownProblems {
		m.problems = m.problems[len(m.problems)-maxShownProblems:]
	}
}

func (m *model) recomputeTotals() {
	total, done := 0, 0
	for _, p := range m.prog {
		total += p.total
		done += p.done
	}
	m.totalAll, m.doneAll = total, done
}

func (m *model) View() string {
	s := titleStyle.Render("mailmigrate") + "\n\n"
	switch {
	case m.stopping && !m.finished:
		s += hintStyle.Render("Stopping after the current message, saving state...") + "\n\n"
	default:
		s += "Press q to stop\n\n"
	}
	if m.current != "" {
		p := m.prog[m.current]
		s += fmt.Sprintf("Folder %s  %d/%d\n", m.current, p.done, p.total)
	}
	pct := 0.0
	if m.totalAll > 0 {
		pct = float64(m.doneAll) / float64(m.totalAll)
	}
	s += fmt.Sprintf("%s Overall %d/%d   %s\n", m.spinner.View(), m.doneAll, m.totalAll, m.rate.eta(m.totalAll, m.doneAll))
	s += m.bar.ViewAs(pct) + "\n\n"
	if m.failed > 0 {
		s += errStyle.Render(fmt.Sprintf("%d message(s) failed, they will be retried on the next run", m.failed)) + "\n"
	}
	for _, p := range m.problems {
		s += errStyle.Render(" - "+p) + "\n"
	}
	return s
}

// runProgressTUI shows migration progress until events is closed. q and
// ctrl+c call cancel.
func runProgressTUI(cancel context.CancelFunc, events <-chan migrate.Event) error {
	_, err := tea.NewProgram(newModel(cancel, events)).Run()
	return err
}

// rateMeter keeps a smoothed messages/second rate for the ETA.
type rateMeter struct {
	started  time.Time
	emaRate  float64
	lastDone int
	lastAt   time.Time
}

func newRateMeter() rateMeter {
	now := time.Now()
	return rateMeter{started: now, lastAt: now}
}

// update folds the progress since the last call into an EMA with a half-life
// of about 3s.
func (r *rateMeter) update(done int) {
	now := time.Now()
	dt := now.Sub(r.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(done-r.lastDone) / dt
	alpha := 1 - math.Exp(-math.Ln2*dt/3.0)
	if r.emaRate == 0 {
		r.emaRate = inst
	} else {
		r.emaRate = alpha*inst + (1-alpha)*r.emaRate
	}
	r.lastDone = done
	r.lastAt = now
}

func (r *rateMeter) eta(total, done int) string {
	if total == 0 {
		return "ETA --"
	}
	remaining := total - done
	if remaining <= 0 {
		return "ETA 0s"
	}
	// Prefer smoothed rate if available; fallback to average rate
	rate := r.emaRate
	if rate <= 0.01 {
		elapsed := time.Since(r.started)
		if elapsed <= 0 {
			return "ETA --"
		}
		rate = float64(done) / elapsed.Seconds()
	}
	if rate <= 0.01 {
		return "ETA --"
	}
	return formatETA(time.Duration(float64(remaining)/rate*float64(time.Second)))
}

func formatETA(d time.Duration) string {
	switch {
	case d < time.Second:
		return "ETA <1s"
	case d > 99*time.Hour:
		return "ETA >99h"
	case d >= time.Hour:
		h := int(d / time.Hour)
		return fmt.Sprintf("ETA %dh%dm", h, int((d-time.Duration(h)*time.Hour)/time.Minute))
	case d >= time.Minute:
		return fmt.Sprintf("ETA %dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("ETA %ds", int(d.Seconds()))
	}
}

// --- Confirmation TUI ---

type confirmModel struct {
	title   string
	summary string
	choice  *bool
}

func newConfirmModel(title, summary string) *confirmModel {
	return &confirmModel{title: title, summary: summary}
}

func (m *confirmModel) Init() tea.Cmd { return nil }

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "enter":
			v := true
			m.choice = &v
			return m, tea.Quit
		case "n", "q", "esc", "ctrl+c":
			v := false
			m.choice = &v
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *confirmModel) View() string {
	title := titleStyle.Render(m.title)
	desc := hintStyle.Render("Press y to confirm, n to cancel")
	box := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2).Width(78).Render(m.summary)
	return fmt.Sprintf("%s\n\n%s\n\n%s\n", title, box, desc)
}

// runConfirmTUI displays a confirmation dialog with a summary and returns true if confirmed.
func runConfirmTUI(title, summary string) (bool, error) {
	m := newConfirmModel(title, summary)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		return false, err
	}
	if m.choice == nil {
		return false, nil
	}
	return *m.choice, nil
}
