// Package tui is the terminal front-end of the studio: a generation form,
// a live log pane, a gallery of image previews and a history panel.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Gelotto/zimage-studio/internal/export"
	"github.com/Gelotto/zimage-studio/internal/models"
	"github.com/Gelotto/zimage-studio/internal/studio"
)

const (
	fieldPrompt = iota
	fieldNegative
	fieldSteps
	fieldGuidance
	fieldWidth
	fieldHeight
	fieldSeed
	fieldBatch
	fieldCount
)

var fieldLabels = [fieldCount]string{
	"Prompt", "Negative", "Steps", "Guidance", "Width", "Height", "Seed", "Batch",
}

const (
	visibleLogs   = 8
	previewCols   = 24
	previewRows   = 12
	previewMargin = 2
)

type (
	snapshotMsg    studio.Snapshot
	runFinishedMsg struct{ err error }
	previewsMsg    struct {
		runID    string
		previews []string
	}
	savedMsg struct {
		paths []string
		err   error
	}
	historyMsg struct {
		action string
		err    error
	}
)

// Model is the Bubble Tea model of the studio
type Model struct {
	ctx    context.Context
	studio *studio.Studio

	inputs  []textinput.Model
	enhance bool
	focused int

	spinner  spinner.Model
	progress progress.Model

	snap       studio.Snapshot
	previews   []string
	previewRun string

	showHistory bool
	cursor      int

	status    string
	statusErr bool

	width  int
	height int
}

// New creates the model with the form filled from the configured defaults
func New(ctx context.Context, s *studio.Studio) Model {
	inputs := make([]textinput.Model, fieldCount)
	for i := range inputs {
		inputs[i] = textinput.New()
		inputs[i].Prompt = ""
		inputs[i].CharLimit = 16
		inputs[i].Width = 16
	}

	inputs[fieldPrompt].Placeholder = "a cat wearing a space helmet"
	inputs[fieldPrompt].CharLimit = 2000
	inputs[fieldPrompt].Width = 64
	inputs[fieldNegative].Placeholder = "optional"
	inputs[fieldNegative].CharLimit = 2000
	inputs[fieldNegative].Width = 64
	inputs[fieldSeed].Placeholder = "-1 for random"

	m := Model{
		ctx:      ctx,
		studio:   s,
		inputs:   inputs,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Moon)),
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		snap:     s.Snapshot(),
	}
	m.setParams(s.Config().Generation.Defaults)
	m.inputs[fieldPrompt].Focus()
	return m
}

// Run starts the program and blocks until the user quits or ctx ends
func Run(ctx context.Context, s *studio.Studio) error {
	p := tea.NewProgram(New(ctx, s), tea.WithAltScreen(), tea.WithContext(ctx))

	unsubscribe := s.Subscribe(func(snap studio.Snapshot) {
		p.Send(snapshotMsg(snap))
	})
	defer unsubscribe()

	_, err := p.Run()
	s.Cancel()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, m.refreshHistory())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case snapshotMsg:
		return m.applySnapshot(studio.Snapshot(msg))

	case previewsMsg:
		if msg.runID == m.snap.RunID {
			m.previews = msg.previews
		}
		return m, nil

	case runFinishedMsg:
		switch {
		case msg.err == nil:
			m.setStatus(fmt.Sprintf("Generated %d image(s)", len(m.snap.Results)), nil)
		case errors.Is(msg.err, studio.ErrRunCancelled):
			m.setStatus("Generation cancelled", nil)
		default:
			m.setStatus("", msg.err)
		}
		return m, nil

	case savedMsg:
		if msg.err != nil {
			m.setStatus("", msg.err)
		} else {
			m.setStatus(fmt.Sprintf("Saved %d image(s) to %s", len(msg.paths), m.studio.Config().Output.Dir), nil)
		}
		return m, nil

	case historyMsg:
		if msg.err != nil {
			m.setStatus("", msg.err)
		} else if msg.action != "" {
			m.setStatus(msg.action, nil)
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if model, cmd, handled := m.handleKey(msg); handled {
			return model, cmd
		}
	}

	var cmd tea.Cmd
	m.inputs[m.focused], cmd = m.inputs[m.focused].Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		m.studio.Cancel()
		return m, tea.Quit, true

	case "esc":
		if m.studio.Cancel() {
			m.setStatus("Cancelling...", nil)
		}
		return m, nil, true

	case "enter":
		if m.snap.Loading || m.studio.Loading() {
			return m, nil, true
		}
		req, err := m.request()
		if err != nil {
			m.setStatus("", err)
			return m, nil, true
		}
		m.setStatus("", nil)
		return m, m.generate(req, false), true

	case "tab", "down":
		if msg.String() == "down" && m.showHistory {
			if m.cursor < len(m.snap.History)-1 {
				m.cursor++
			}
			return m, nil, true
		}
		return m, m.focus(m.focused + 1), true

	case "shift+tab", "up":
		if msg.String() == "up" && m.showHistory {
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil, true
		}
		return m, m.focus(m.focused - 1), true

	case "ctrl+e":
		m.enhance = !m.enhance
		return m, nil, true

	case "ctrl+h":
		m.showHistory = !m.showHistory
		m.cursor = 0
		if m.showHistory {
			return m, m.refreshHistory(), true
		}
		return m, nil, true

	case "ctrl+x":
		return m, m.clearHistory(), true

	case "ctrl+r":
		if !m.showHistory || m.cursor >= len(m.snap.History) {
			return m, nil, true
		}
		item := m.snap.History[m.cursor]
		m.fill(item)
		m.setStatus("Regenerating from history", nil)
		return m, m.generate(item.Request(), true), true

	case "ctrl+s":
		if len(m.snap.Results) == 0 || m.snap.Loading {
			return m, nil, true
		}
		return m, m.save(m.snap.Results), true
	}

	return m, nil, false
}

func (m Model) applySnapshot(snap studio.Snapshot) (tea.Model, tea.Cmd) {
	m.snap = snap
	if m.cursor >= len(snap.History) {
		m.cursor = 0
	}

	if len(snap.Results) == 0 {
		m.previews = nil
		m.previewRun = ""
		return m, nil
	}
	if snap.RunID == m.previewRun {
		return m, nil
	}

	m.previewRun = snap.RunID
	return m, renderPreviews(snap.RunID, snap.Results)
}

func renderPreviews(runID string, images []models.GeneratedImage) tea.Cmd {
	return func() tea.Msg {
		previews := make([]string, len(images))
		for i, img := range images {
			preview, err := Preview(img, previewCols, previewRows)
			if err != nil {
				preview = errStyle.Render(err.Error())
			}
			previews[i] = preview
		}
		return previewsMsg{runID: runID, previews: previews}
	}
}

func (m Model) generate(req models.GenerationRequest, supersede bool) tea.Cmd {
	ctx, s := m.ctx, m.studio
	return func() tea.Msg {
		if supersede {
			return runFinishedMsg{err: s.Supersede(ctx, req)}
		}
		return runFinishedMsg{err: s.Generate(ctx, req)}
	}
}

func (m Model) save(images []models.GeneratedImage) tea.Cmd {
	ctx, dir := m.ctx, m.studio.Config().Output.Dir
	return func() tea.Msg {
		paths, err := export.SaveAll(ctx, dir, images)
		return savedMsg{paths: paths, err: err}
	}
}

func (m Model) refreshHistory() tea.Cmd {
	ctx, s := m.ctx, m.studio
	return func() tea.Msg {
		return historyMsg{err: s.RefreshHistory(ctx)}
	}
}

func (m Model) clearHistory() tea.Cmd {
	ctx, s := m.ctx, m.studio
	return func() tea.Msg {
		if err := s.ClearHistory(ctx); err != nil {
			return historyMsg{err: err}
		}
		return historyMsg{action: "History cleared"}
	}
}

func (m *Model) focus(i int) tea.Cmd {
	m.inputs[m.focused].Blur()
	m.focused = (i + fieldCount) % fieldCount
	return m.inputs[m.focused].Focus()
}

func (m *Model) setStatus(status string, err error) {
	if err != nil {
		m.status = err.Error()
		m.statusErr = true
		return
	}
	m.status = status
	m.statusErr = false
}

func (m *Model) setParams(p models.Params) {
	m.inputs[fieldSteps].SetValue(strconv.Itoa(p.Steps))
	m.inputs[fieldGuidance].SetValue(strconv.FormatFloat(p.GuidanceScale, 'f', -1, 64))
	m.inputs[fieldWidth].SetValue(strconv.Itoa(p.Width))
	m.inputs[fieldHeight].SetValue(strconv.Itoa(p.Height))
	m.inputs[fieldSeed].SetValue(strconv.FormatInt(p.Seed, 10))
	m.inputs[fieldBatch].SetValue(strconv.Itoa(p.NumImages))
	m.enhance = p.EnhancePrompt
}

// fill copies a history entry into the form
func (m *Model) fill(item models.HistoryItem) {
	m.inputs[fieldPrompt].SetValue(item.Prompt)
	m.inputs[fieldNegative].SetValue(item.Request().Negative())
	m.setParams(item.Params)
}

// request builds a generation request from the form. Width and height are
// snapped to the nearest valid dimension.
func (m Model) request() (models.GenerationRequest, error) {
	prompt := strings.TrimSpace(m.inputs[fieldPrompt].Value())
	if prompt == "" {
		return models.GenerationRequest{}, studio.ErrEmptyPrompt
	}

	var p models.Params
	var err error
	if p.Steps, err = m.intField(fieldSteps); err != nil {
		return models.GenerationRequest{}, err
	}
	if p.GuidanceScale, err = strconv.ParseFloat(strings.TrimSpace(m.inputs[fieldGuidance].Value()), 64); err != nil {
		return models.GenerationRequest{}, fmt.Errorf("%w: guidance must be a number", models.ErrInvalidParams)
	}
	if p.Width, err = m.intField(fieldWidth); err != nil {
		return models.GenerationRequest{}, err
	}
	if p.Height, err = m.intField(fieldHeight); err != nil {
		return models.GenerationRequest{}, err
	}
	p.Width = models.SnapDimension(p.Width)
	p.Height = models.SnapDimension(p.Height)

	p.Seed = models.RandomSeed
	if v := strings.TrimSpace(m.inputs[fieldSeed].Value()); v != "" {
		if p.Seed, err = strconv.ParseInt(v, 10, 64); err != nil {
			return models.GenerationRequest{}, fmt.Errorf("%w: seed must be an integer", models.ErrInvalidParams)
		}
	}
	if p.NumImages, err = m.intField(fieldBatch); err != nil {
		return models.GenerationRequest{}, err
	}
	p.EnhancePrompt = m.enhance

	req := models.NewGenerationRequest(prompt, strings.TrimSpace(m.inputs[fieldNegative].Value()), p)
	if err := req.Validate(); err != nil {
		return models.GenerationRequest{}, err
	}
	return req, nil
}

func (m Model) intField(field int) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(m.inputs[field].Value()))
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", models.ErrInvalidParams, strings.ToLower(fieldLabels[field]))
	}
	return v, nil
}

func (m Model) View() string {
	sections := []string{
		titleStyle.Render("Z-Image Studio"),
		m.viewForm(),
		m.viewStatus(),
	}
	if logs := m.viewLogs(); logs != "" {
		sections = append(sections, logs)
	}
	if gallery := m.viewGallery(); gallery != "" {
		sections = append(sections, gallery)
	}

	body := lipgloss.JoinVertical(lipgloss.Left, sections...)
	if m.showHistory {
		body = lipgloss.JoinHorizontal(lipgloss.Top, body, "  ", m.viewHistory())
	}

	help := helpStyle.Render("enter generate • esc cancel • tab next • ctrl+e enhance • ctrl+s save • ctrl+h history • ctrl+c quit")
	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, body, "", help))
}

func (m Model) viewForm() string {
	var s strings.Builder
	for i := range m.inputs {
		label := labelStyle.Render(fieldLabels[i])
		if i == m.focused {
			label = focusStyle.Bold(true).Width(10).Render(fieldLabels[i])
		}
		s.WriteString(label + " " + m.inputs[i].View() + "\n")
	}

	check := "[ ]"
	if m.enhance {
		check = okStyle.Render("[x]")
	}
	s.WriteString(labelStyle.Render("Enhance") + " " + check)
	return panelStyle.Render(s.String())
}

func (m Model) viewStatus() string {
	if m.snap.Loading {
		line := m.spinner.View() + " Generating"
		if p := m.snap.Progress; p != nil && p.Fraction() >= 0 {
			line += " " + m.progress.ViewAs(p.Fraction())
			if p.TotalSteps > 0 {
				line += fmt.Sprintf(" step %d/%d", p.Step, p.TotalSteps)
			}
		}
		return line
	}
	if m.status == "" {
		return ""
	}
	if m.statusErr {
		return errStyle.Render(m.status)
	}
	return okStyle.Render(m.status)
}

func (m Model) viewLogs() string {
	logs := m.snap.Logs
	if len(logs) == 0 {
		return ""
	}
	if len(logs) > visibleLogs {
		logs = logs[len(logs)-visibleLogs:]
	}

	lines := make([]string, len(logs))
	for i, entry := range logs {
		lines[i] = logStyle.Render(entry.Time.Format("15:04:05") + " " + entry.Message)
	}
	return strings.Join(lines, "\n")
}

func (m Model) viewGallery() string {
	if len(m.previews) == 0 {
		return ""
	}

	cells := make([]string, 0, len(m.previews))
	for i, preview := range m.previews {
		caption := ""
		if i < len(m.snap.Results) {
			caption = helpStyle.Render(fmt.Sprintf("seed %d", m.snap.Results[i].Seed))
		}
		cell := lipgloss.JoinVertical(lipgloss.Center, preview, caption)
		cells = append(cells, lipgloss.NewStyle().MarginRight(previewMargin).Render(cell))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, cells...)
}

func (m Model) viewHistory() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("History") + "\n")
	if len(m.snap.History) == 0 {
		s.WriteString(helpStyle.Render("no history yet"))
		return panelStyle.Render(s.String())
	}

	for i, item := range m.snap.History {
		line := fmt.Sprintf("%s (%dx%d)", truncate(item.Prompt, 40), item.Width, item.Height)
		if i == m.cursor {
			line = selectStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		s.WriteString(line + "\n")
	}
	s.WriteString(helpStyle.Render("ctrl+r regenerate • ctrl+x clear"))
	return panelStyle.Render(s.String())
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}
