package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/quendro/tuyalan"
)

const eventLogSize = 8

// EventMsg wraps a device event forwarded into the watch program.
type EventMsg struct {
	Event any
}

// watchKeyMap defines key bindings for the watch screen
type watchKeyMap struct {
	Quit key.Binding
}

// ShortHelp returns keybindings shown in the mini help view
func (k watchKeyMap) ShortHelp() []key.Binding { return []key.Binding{k.Quit} }

// FullHelp returns keybindings for the expanded help view
func (k watchKeyMap) FullHelp() [][]key.Binding { return [][]key.Binding{{k.Quit}} }

var watchKeys = watchKeyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// WatchModel is the live DP dashboard: current data point values on top,
// a rolling event log underneath.
type WatchModel struct {
	DeviceID string

	spinner   spinner.Model
	help      help.Model
	connected bool
	lastBeat  time.Time
	dps       map[string]any
	events    []string
	width     int
}

// NewWatch builds the dashboard model for one device.
func NewWatch(deviceID string) WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return WatchModel{
		DeviceID: deviceID,
		spinner:  sp,
		help:     help.New(),
		dps:      make(map[string]any),
	}
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, watchKeys.Quit) {
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case EventMsg:
		m.apply(msg.Event)
	}
	return m, nil
}

// apply folds one device event into the dashboard state.
func (m *WatchModel) apply(ev any) {
	switch ev := ev.(type) {
	case tuyalan.EventConnected:
		m.connected = true
		m.logf("connected")
	case tuyalan.EventDisconnected:
		m.connected = false
		m.logf("disconnected")
	case tuyalan.EventHeartbeat:
		m.lastBeat = time.Now()
	case tuyalan.EventData:
		m.mergeDPs(ev.Payload)
		m.logf("data seq=%d", ev.Seq)
	case tuyalan.EventDPRefresh:
		m.mergeDPs(ev.Payload)
		m.logf("dp-refresh seq=%d", ev.Seq)
	case tuyalan.EventError:
		m.logf("error: %v", ev.Err)
	}
}

func (m *WatchModel) mergeDPs(payload any) {
	pm, ok := payload.(map[string]any)
	if !ok {
		return
	}
	dps, ok := pm["dps"].(map[string]any)
	if !ok {
		return
	}
	for k, v := range dps {
		m.dps[k] = v
	}
}

func (m *WatchModel) logf(format string, args ...any) {
	line := time.Now().Format("15:04:05") + " " + fmt.Sprintf(format, args...)
	m.events = append(m.events, line)
	if len(m.events) > eventLogSize {
		m.events = m.events[len(m.events)-eventLogSize:]
	}
}

// View implements tea.Model.
func (m WatchModel) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("WATCH "+m.DeviceID) + "  " + Status(m.connected))
	if !m.lastBeat.IsZero() {
		b.WriteString(LabelStyle.Render(fmt.Sprintf("  heartbeat %s ago", time.Since(m.lastBeat).Round(time.Second))))
	}
	b.WriteString("\n\n")

	if len(m.dps) == 0 {
		b.WriteString(m.spinner.View() + LabelStyle.Render(" waiting for data points...") + "\n")
	} else {
		keys := make([]string, 0, len(m.dps))
		for k := range m.dps {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			// numeric order where possible, lexical otherwise
			if len(keys[i]) != len(keys[j]) {
				return len(keys[i]) < len(keys[j])
			}
			return keys[i] < keys[j]
		})
		for _, k := range keys {
			b.WriteString(LabelStyle.Render(fmt.Sprintf("  DP %-4s", k)))
			b.WriteString(ValueStyle.Render(fmt.Sprintf("%v", m.dps[k])))
			b.WriteString("\n")
		}
	}

	if len(m.events) > 0 {
		b.WriteString("\n")
		for _, line := range m.events {
			b.WriteString(EventStyle.Render("  "+line) + "\n")
		}
	}

	b.WriteString("\n" + m.help.View(watchKeys))
	return BoxStyle.Render(b.String()) + "\n"
}
