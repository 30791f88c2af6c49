// Package progresstui is a live terminal viewer for a run's ProgressEvent
// stream (spec.md §4.8), grounded on internal/tui/tui.go's bubbletea model
// shape (a StatusProvider polled on a tick) adapted to a push source: events
// arrive off scheduler.EventStream instead of being sampled from a snapshot
// function, so the model's tick becomes a channel read forwarded into the
// bubbletea program via p.Send.
package progresstui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/storyorchestrator/core/internal/scheduler"
)

// stepState is the last known status of one step, built up as events arrive.
type stepState struct {
	name     string
	status   string // "pending", "running", "done", "failed"
	output   string
	errText  string
}

// model holds everything rendered to the screen. Zero value is a valid
// starting point: View renders an empty run waiting for its first event.
type model struct {
	storyID    string
	totalWaves int
	wave       int

	steps    map[string]*stepState
	order    []string // insertion order, for stable rendering

	completedCount int
	failedCount    int

	gateStatus string // "", "running", "passed", "failed"
	gateError  string

	lastEvent string
	done      bool
	failText  string

	events <-chan tea.Msg
	start  time.Time
}

// eventMsg wraps a ProgressEvent so Update can type-switch on it without
// colliding with bubbletea's own message types.
type eventMsg scheduler.ProgressEvent

// streamClosedMsg signals the event channel drained; the program should
// stop accepting further input but stay up so the user can read the result.
type streamClosedMsg struct{}

func (m model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func waitForEvent(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return msg
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case streamClosedMsg:
		m.done = true
		return m, nil
	case eventMsg:
		m.apply(scheduler.ProgressEvent(msg))
		if isTerminal(scheduler.ProgressEvent(msg).Kind) {
			m.done = true
			return m, nil
		}
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func isTerminal(k scheduler.EventKind) bool {
	return k == scheduler.EventReadyToComplete || k == scheduler.EventFailed
}

func (m *model) apply(ev scheduler.ProgressEvent) {
	m.lastEvent = string(ev.Kind)
	if ev.StoryID != "" {
		m.storyID = ev.StoryID
	}
	if m.steps == nil {
		m.steps = map[string]*stepState{}
	}

	switch ev.Kind {
	case scheduler.EventStarted:
		m.totalWaves = ev.TotalWaves
		m.start = time.Now()
	case scheduler.EventWaveStarted:
		m.wave = ev.Wave
	case scheduler.EventStepStarted:
		m.upsertStep(ev.StepID, ev.StepName, "running", "", "")
	case scheduler.EventStepCompleted:
		m.upsertStep(ev.StepID, ev.StepName, "done", ev.Output, "")
		m.completedCount = ev.CompletedCount
	case scheduler.EventStepFailed:
		m.upsertStep(ev.StepID, ev.StepName, "failed", "", ev.ErrorText)
		m.failedCount = ev.FailedCount
	case scheduler.EventWaveCompleted:
		// wave/completed/failed counts already current from step events
	case scheduler.EventGateStarted:
		m.gateStatus = "running"
		m.gateError = ""
	case scheduler.EventGatePassed:
		m.gateStatus = "passed"
	case scheduler.EventGateFailed:
		m.gateStatus = "failed"
		if ev.GateResult != nil {
			m.gateError = ev.GateResult.Error
		}
	case scheduler.EventFailed:
		m.failText = ev.ErrorText
	}
}

func (m *model) upsertStep(id, name, status, output, errText string) {
	s, ok := m.steps[id]
	if !ok {
		s = &stepState{}
		m.steps[id] = s
		m.order = append(m.order, id)
	}
	s.name, s.status = name, status
	if output != "" {
		s.output = output
	}
	if errText != "" {
		s.errText = errText
	}
}

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	headerStyle = lipgloss.NewStyle().Bold(true)
)

func (m model) View() string {
	var b strings.Builder

	title := fmt.Sprintf("Story %s", m.storyID)
	if m.totalWaves > 0 {
		title += fmt.Sprintf("  (wave %d/%d)", m.wave, m.totalWaves)
	}
	b.WriteString(headerStyle.Render(title) + "\n\n")

	for _, id := range m.order {
		s := m.steps[id]
		b.WriteString(renderStep(s) + "\n")
	}
	if len(m.order) == 0 {
		b.WriteString(dimStyle.Render("waiting for the first step to start...") + "\n")
	}

	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Completed: %d  Failed: %d\n", m.completedCount, m.failedCount))

	if m.gateStatus != "" {
		line := fmt.Sprintf("Gate: %s", m.gateStatus)
		switch m.gateStatus {
		case "passed":
			line = okStyle.Render(line)
		case "failed":
			line = failStyle.Render(line)
			if m.gateError != "" {
				line += "\n  " + m.gateError
			}
		}
		b.WriteString(line + "\n")
	}

	if m.failText != "" {
		b.WriteString(failStyle.Render("Run failed: "+m.failText) + "\n")
	}

	b.WriteString("\n" + dimStyle.Render("last event: "+m.lastEvent))
	if m.done {
		b.WriteString(dimStyle.Render("  (stream closed, press q to exit)"))
	}
	b.WriteString("\n" + dimStyle.Render("Press q to quit.") + "\n")

	return b.String()
}

func renderStep(s *stepState) string {
	marker := "  "
	line := fmt.Sprintf("%s %s", marker, s.name)
	switch s.status {
	case "running":
		return dimStyle.Render("» " + s.name)
	case "done":
		return okStyle.Render("✓ " + s.name)
	case "failed":
		out := failStyle.Render("✗ " + s.name)
		if s.errText != "" {
			out += "\n    " + s.errText
		}
		return out
	default:
		return line
	}
}

// Run drives a bubbletea program off an EventStream until the stream emits
// a terminal event (ready_to_complete or failed), the user quits, or ctx is
// cancelled — the same select-on-ctx-vs-done shape as tui.Run, generalized
// from a polled StatusProvider to a pushed event channel.
func Run(ctx context.Context, storyID string, stream scheduler.EventStream) error {
	defer bestEffortResetTTY()

	relay := make(chan tea.Msg)
	go func() {
		defer close(relay)
		for {
			select {
			case ev, ok := <-stream:
				if !ok {
					return
				}
				select {
				case relay <- eventMsg(ev):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	m := model{storyID: storyID, steps: map[string]*stepState{}, events: relay}
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
