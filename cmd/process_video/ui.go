package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pavementscan"
)

const (
	fieldInput = iota
	fieldOutput
	fieldStart
	fieldEnd
	fieldWhole
	fieldCount
)

type request struct {
	Input  string
	Output string
	Window pavementscan.WindowSpec
}

// runner executes one job on the worker goroutine, reporting through progress.
type runner func(ctx context.Context, req request, progress pavementscan.ProgressFunc) (string, error)

type progressMsg pavementscan.ProgressUpdate

type doneMsg struct {
	output string
	err    error
}

type job struct {
	updates chan pavementscan.ProgressUpdate
	done    chan doneMsg
	cancel  context.CancelFunc
}

// listen delivers the next progress update, or the final result once the worker has finished.
func (j *job) listen() tea.Cmd {
	return func() tea.Msg {
		if u, ok := <-j.updates; ok {
			return progressMsg(u)
		}
		return <-j.done
	}
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#4A90C2")).Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Width(14)
	focusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4A90C2")).Bold(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#1E6FD9"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#D93025"))
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

type model struct {
	fields    []textinput.Model
	whole     bool
	focus     int
	modelName string

	run     runner
	current *job
	running bool

	status   string
	failed   bool
	last     pavementscan.ProgressUpdate
	bar      progress.Model
	quitting bool

	// set when the user quits mid-run; the program exits once the worker has returned
	quitAfterJob bool
}

func newModel(run runner, modelName string) model {
	labels := []string{"video.mp4", "output.mp4", "0", "0"}
	fields := make([]textinput.Model, 4)
	for i := range fields {
		ti := textinput.New()
		ti.Placeholder = labels[i]
		ti.Prompt = ""
		ti.CharLimit = 512
		ti.Width = 48
		fields[i] = ti
	}
	fields[fieldStart].SetValue("0")
	fields[fieldEnd].SetValue("0")
	fields[fieldInput].Focus()

	return model{
		fields:    fields,
		whole:     true,
		modelName: modelName,
		run:       run,
		status:    "Ready",
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(48)),
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			if m.running {
				m.cancelJob()
				m.quitAfterJob = true
				m.status = "Cancelling..."
				return m, nil
			}
			m.quitting = true
			return m, tea.Quit
		case "esc":
			if m.running {
				m.cancelJob()
				m.status = "Cancelling..."
				return m, nil
			}
			m.quitting = true
			return m, tea.Quit
		case "tab", "down":
			return m, m.setFocus((m.focus + 1) % fieldCount)
		case "shift+tab", "up":
			return m, m.setFocus((m.focus + fieldCount - 1) % fieldCount)
		case " ":
			if m.focus == fieldWhole {
				m.whole = !m.whole
				return m, nil
			}
		case "enter":
			if m.running {
				return m, nil
			}
			return m.start()
		}
	case progressMsg:
		m.last = pavementscan.ProgressUpdate(msg)
		m.status = fmt.Sprintf("Progress: %.1f%%", m.last.Percent)
		if m.current == nil {
			return m, nil
		}
		return m, m.current.listen()
	case doneMsg:
		m.running = false
		m.current = nil
		switch {
		case msg.err == nil:
			m.failed = false
			m.status = "Video processed: " + msg.output
		case errors.Is(msg.err, context.Canceled):
			m.failed = false
			m.status = "Cancelled"
		default:
			m.failed = true
			m.status = "Failed: " + msg.err.Error()
		}
		if m.quitAfterJob {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	}

	if m.focus < len(m.fields) && !m.running {
		var cmd tea.Cmd
		m.fields[m.focus], cmd = m.fields[m.focus].Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *model) setFocus(i int) tea.Cmd {
	m.focus = i
	var cmd tea.Cmd
	for f := range m.fields {
		if f == i {
			cmd = m.fields[f].Focus()
		} else {
			m.fields[f].Blur()
		}
	}
	return cmd
}

func (m *model) cancelJob() {
	if m.current != nil && m.current.cancel != nil {
		m.current.cancel()
	}
}

// buildRequest checks the form before a job starts: a video must be loaded and an output chosen.
func (m model) buildRequest() (request, error) {
	req := request{
		Input:  strings.TrimSpace(m.fields[fieldInput].Value()),
		Output: strings.TrimSpace(m.fields[fieldOutput].Value()),
	}
	if req.Input == "" {
		return req, errors.New("load a video first")
	}
	if !pavementscan.IsSupportedVideo(req.Input) {
		return req, fmt.Errorf("unsupported video type %q", req.Input)
	}
	if _, err := os.Stat(req.Input); err != nil {
		return req, fmt.Errorf("cannot read video: %w", err)
	}
	if req.Output == "" {
		return req, errors.New("choose an output path")
	}
	if m.whole {
		req.Window = pavementscan.WholeVideo()
		return req, nil
	}

	start, err := pavementscan.ParseMinutes(m.fields[fieldStart].Value())
	if err != nil {
		return req, err
	}
	end, err := pavementscan.ParseMinutes(m.fields[fieldEnd].Value())
	if err != nil {
		return req, err
	}
	req.Window = pavementscan.MinutesWindow(start, end)
	return req, req.Window.Validate()
}

func (m model) start() (tea.Model, tea.Cmd) {
	req, err := m.buildRequest()
	if err != nil {
		m.failed = true
		m.status = "Warning: " + err.Error()
		return m, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		updates: make(chan pavementscan.ProgressUpdate, 8),
		done:    make(chan doneMsg, 1),
		cancel:  cancel,
	}
	go func() {
		defer cancel()
		out, err := m.run(ctx, req, pavementscan.ProgressTo(j.updates))
		close(j.updates)
		j.done <- doneMsg{output: out, err: err}
	}()

	m.current = j
	m.running = true
	m.failed = false
	m.last = pavementscan.ProgressUpdate{}
	m.status = "Running inference..."
	return m, j.listen()
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Pavement irregularity detection"))
	b.WriteString("\n\n")

	names := []string{"Video", "Output", "Start (min)", "End (min)"}
	for i, f := range m.fields {
		label := labelStyle.Render(names[i])
		if i == m.focus {
			label = focusStyle.Inherit(labelStyle).Render(names[i])
		}
		b.WriteString(label + f.View() + "\n")
	}
	check := "[ ]"
	if m.whole {
		check = "[x]"
	}
	toggle := check + " Whole video"
	if m.focus == fieldWhole {
		toggle = focusStyle.Render(toggle)
	}
	b.WriteString(toggle + "\n\n")
	b.WriteString(hintStyle.Render("Model: "+m.modelName) + "\n\n")

	b.WriteString(m.bar.ViewAs(m.last.Percent/100) + "\n")
	if m.last.Written > 0 {
		b.WriteString(hintStyle.Render(fmt.Sprintf("frame %d · written %d · detections %d",
			m.last.FrameIndex, m.last.Written, m.last.Detections)) + "\n")
	}
	status := statusStyle.Render(m.status)
	if m.failed {
		status = errorStyle.Render(m.status)
	}
	b.WriteString(status + "\n\n")
	b.WriteString(hintStyle.Render("tab: next field · space: toggle · enter: start · esc: cancel/quit"))
	return b.String()
}
