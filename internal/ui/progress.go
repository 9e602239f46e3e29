package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"timeline/internal/task"
)

// Event is a progress update for one item of the view.
type Event struct {
	Item   string
	Update task.Update
}

// Sink adapts a channel of Events to task.ProgressSink. Intermediate updates
// are dropped while the channel is full; terminal updates always block.
type Sink struct {
	Item string
	Ch   chan<- Event
}

// OnProgress implements task.ProgressSink.
func (s Sink) OnProgress(u task.Update) {
	ev := Event{Item: s.Item, Update: u}
	if u.State.Terminal() {
		s.Ch <- ev
		return
	}
	select {
	case s.Ch <- ev:
	default:
	}
}

type progressModel struct {
	title   string
	events  <-chan Event
	spinner spinner.Model
	prog    progress.Model
	items   []item
	index   map[string]int
	width   int
	done    bool
}

type item struct {
	name   string
	op     string
	state  task.State
	done   int64
	total  int64
	active bool
}

type eventMsg Event
type doneMsg struct{}

// NewProgressModel returns a Bubble Tea model that renders one line per item
// and an overall bar. The program quits when events is closed.
func NewProgressModel(title string, items []string, events <-chan Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	m := &progressModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		items:   make([]item, 0, len(items)),
		index:   make(map[string]int, len(items)),
		width:   80,
	}
	for _, name := range items {
		m.add(name)
	}
	return m
}

func (m *progressModel) add(name string) int {
	if idx, ok := m.index[name]; ok {
		return idx
	}
	m.items = append(m.items, item{name: name})
	m.index[name] = len(m.items) - 1
	return len(m.items) - 1
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.next())
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case eventMsg:
		cmd = tea.Batch(m.apply(Event(msg)), m.next())
	case doneMsg:
		m.done = true
		cmd = tea.Quit
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			cmd = tea.Quit
		}
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
	case spinner.TickMsg:
		if !m.done {
			m.spinner, cmd = m.spinner.Update(msg)
		}
	case progress.FrameMsg:
		var bar tea.Model
		bar, cmd = m.prog.Update(msg)
		m.prog = bar.(progress.Model)
	}
	return m, cmd
}

// next waits for the following event; a closed channel ends the program.
func (m *progressModel) next() tea.Cmd {
	return func() tea.Msg {
		if ev, ok := <-m.events; ok {
			return eventMsg(ev)
		}
		return doneMsg{}
	}
}

func (m *progressModel) apply(ev Event) tea.Cmd {
	idx := m.add(ev.Item)
	it := &m.items[idx]
	it.op = ev.Update.Name
	it.state = ev.Update.State
	it.done = ev.Update.Done
	it.total = ev.Update.Total
	it.active = true
	return m.prog.SetPercent(m.fraction())
}

// fraction averages per-item completion; finished items count as whole.
func (m *progressModel) fraction() float64 {
	if len(m.items) == 0 {
		return 0
	}
	sum := 0.0
	for _, it := range m.items {
		if it.state.Terminal() {
			sum++
			continue
		}
		sum += task.Update{Done: it.done, Total: it.total}.Fraction()
	}
	return sum / float64(len(m.items))
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	stateColors = map[task.State]lipgloss.Color{
		task.Finished: "2",
		task.Failed:   "1",
		task.Canceled: "3",
	}
)

const statusWidth = 16

func (m *progressModel) View() string {
	if len(m.items) == 0 {
		return ""
	}
	var b strings.Builder
	if m.done {
		b.WriteString(titleStyle.Render("done: " + m.title))
	} else {
		b.WriteString(titleStyle.Render(m.spinner.View() + " " + m.title))
	}
	b.WriteString("\n\n")

	nameWidth := max(m.width-statusWidth-16, 20)
	for _, it := range m.items {
		status := fmt.Sprintf("%*s", statusWidth, statusLabel(it))
		fmt.Fprintf(&b, "  %s %s %s\n", styleStatus(it).Render(status), truncate(it.name, nameWidth), counter(it))
	}

	bar := m.prog.View()
	if m.done {
		bar = m.prog.ViewAs(1)
	}
	b.WriteString("\n" + bar + "\n")
	return b.String()
}

// statusLabel reads "queued", then "<op>ing", then "<op> done" or "<op> failed".
func statusLabel(it item) string {
	if !it.active {
		return "queued"
	}
	switch it.state {
	case task.Running:
		return strings.TrimSuffix(it.op, "e") + "ing"
	case task.Finished:
		return it.op + " done"
	case task.Failed:
		return it.op + " failed"
	case task.Canceled:
		return "canceled"
	}
	return it.state.String()
}

func counter(it item) string {
	if it.total <= 0 {
		return ""
	}
	return fmt.Sprintf("%d/%d", it.done, it.total)
}

func styleStatus(it item) lipgloss.Style {
	c := lipgloss.Color("6")
	switch {
	case !it.active:
		c = "7"
	case stateColors[it.state] != "":
		c = stateColors[it.state]
	}
	return lipgloss.NewStyle().Foreground(c)
}

func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	// The tail counts toward width.
	return runewidth.Truncate(value, width, "...")
}
