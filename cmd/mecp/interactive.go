package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gnufoo/MeCP/runtime"
	"github.com/gnufoo/MeCP/tool"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateSelectTool modelState = iota
	stateInputArgs
	stateShowResult
)

// param is one argument field of a tool, read from its input schema.
type param struct {
	key      string // positional JSON key
	label    string // declared name, or the key
	typeName string
}

type toolEntry struct {
	name     string
	owner    string
	params   []param
	shadowed bool
}

type interactiveModel struct {
	ctx      context.Context
	err      error
	rt       *runtime.Runtime
	tenant   string
	result   string
	tools    []toolEntry
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
	failed   bool
}

type callResultMsg struct {
	err    error
	result string
	failed bool
}

func newInteractiveModel(ctx context.Context, rt *runtime.Runtime, tenant string) *interactiveModel {
	m := &interactiveModel{ctx: ctx, rt: rt, tenant: tenant, state: stateSelectTool}
	for _, info := range rt.ListTools() {
		m.tools = append(m.tools, toolEntry{
			name:     info.Name,
			owner:    info.Component,
			params:   schemaParams(info),
			shadowed: info.Shadowed,
		})
	}
	return m
}

// schemaParams lists the properties of a tool's input schema in
// positional order.
func schemaParams(info tool.Info) []param {
	props, _ := info.InputSchema["properties"].(map[string]any)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		// param10 sorts after param9
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})

	out := make([]param, len(keys))
	for i, k := range keys {
		p := param{key: k, label: k}
		if s, ok := props[k].(map[string]any); ok {
			if title, ok := s["title"].(string); ok && title != "" {
				p.label = title
			}
			p.typeName, _ = s["description"].(string)
		}
		out[i] = p
	}
	return out
}

func (m *interactiveModel) Init() tea.Cmd {
	return nil
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "q":
			if m.state != stateInputArgs {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectTool && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectTool && m.selected < len(m.tools)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectTool:
				if len(m.tools) == 0 {
					return m, nil
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callTool
				}
				m.state = stateInputArgs
				return m, textinput.Blink

			case stateInputArgs:
				return m, m.callTool

			case stateShowResult:
				m.reset()
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectTool
				m.inputs = nil
			case stateShowResult:
				m.reset()
			}
		}

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.failed = msg.failed
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) reset() {
	m.state = stateSelectTool
	m.result = ""
	m.err = nil
	m.failed = false
}

func (m *interactiveModel) prepareInputs() {
	t := m.tools[m.selected]
	m.inputs = make([]textinput.Model, len(t.params))
	for i, p := range t.params {
		ti := textinput.New()
		ti.Placeholder = p.typeName
		ti.Prompt = p.label + ": "
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) callTool() tea.Msg {
	t := m.tools[m.selected]
	keys := make([]string, len(t.params))
	values := make([]string, len(t.params))
	for i, p := range t.params {
		keys[i] = p.key
		values[i] = m.inputs[i].Value()
	}

	res, err := m.rt.CallTool(m.ctx, t.name, argsFromInputs(keys, values), t.owner, m.tenant)
	if err != nil {
		return callResultMsg{err: err}
	}
	if res.Failure != nil {
		return callResultMsg{err: fmt.Errorf("%s: %s", res.Failure.Kind, res.Failure.Message)}
	}
	out, err := json.MarshalIndent(res.Output, "", "  ")
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: string(out), failed: res.IsError}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("MeCP"))
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%d components, %d tools", len(m.rt.ListComponents()), len(m.tools)))
	if m.tenant != "" {
		b.WriteString(" • tenant " + m.tenant)
	}
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectTool:
		if len(m.tools) == 0 {
			b.WriteString("No tools loaded. Use -load or put components in the component directory.\n\n")
			b.WriteString(helpStyle.Render("q quit"))
			break
		}
		b.WriteString("Select a tool to call:\n\n")
		for i, t := range m.tools {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + m.formatTool(t)))
			} else {
				b.WriteString("  " + m.formatTool(t))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputArgs:
		t := m.tools[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", toolStyle.Render(t.name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(t.params[i].typeName))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("values are JSON, bare text is a string • tab next field • enter call • esc back"))

	case stateShowResult:
		t := m.tools[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", toolStyle.Render(t.name)))
		switch {
		case m.err != nil:
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		case m.failed:
			b.WriteString(errorStyle.Render(m.result))
		default:
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) formatTool(t toolEntry) string {
	params := make([]string, len(t.params))
	for i, p := range t.params {
		params[i] = p.label + ": " + typeStyle.Render(p.typeName)
	}
	owner := "[" + t.owner + "]"
	if t.shadowed {
		owner = "[" + t.owner + ", shadowed]"
	}
	return toolStyle.Render(t.name) + "(" + strings.Join(params, ", ") + ") " + helpStyle.Render(owner)
}

func runInteractive(ctx context.Context, rt *runtime.Runtime, tenant string) error {
	p := tea.NewProgram(newInteractiveModel(ctx, rt, tenant), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
