// Package render prints collector events as a colored terminal log.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/bft-labs/devrelay/internal/collector"
	"github.com/bft-labs/devrelay/pkg/transport"
	"github.com/bft-labs/devrelay/pkg/value"
)

const (
	timeLayout = "15:04:05.000"
	labelWidth = 10
)

// PrinterOption configures a Printer.
type PrinterOption func(*Printer)

// WithTheme sets the color palette.
func WithTheme(t Theme) PrinterOption {
	return func(p *Printer) { p.theme = t }
}

// WithLocation sets the time zone for timestamps.
func WithLocation(loc *time.Location) PrinterOption {
	return func(p *Printer) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithWidth truncates every printed line to n terminal cells. Zero
// disables truncation.
func WithWidth(n int) PrinterOption {
	return func(p *Printer) {
		if n >= 0 {
			p.width = n
		}
	}
}

// WithTypes limits printed messages to the given types. Client and
// server status lines are always printed.
func WithTypes(types ...transport.MessageType) PrinterOption {
	return func(p *Printer) {
		if len(types) == 0 {
			p.types = nil
			return
		}
		p.types = make(map[transport.MessageType]bool, len(types))
		for _, t := range types {
			p.types[t] = true
		}
	}
}

// Printer writes one line per collector event, plus indented detail
// lines for state diffs and error stacks. It implements
// collector.EventHandler and is safe for concurrent use.
type Printer struct {
	renderer *lipgloss.Renderer
	theme    Theme
	loc      *time.Location
	types    map[transport.MessageType]bool
	width    int

	mu   sync.Mutex
	w    io.Writer
	apps map[string]string
}

var _ collector.EventHandler = (*Printer)(nil)

// NewPrinter creates a Printer writing to w. Colors follow what w
// supports, so a non-terminal writer gets plain text.
func NewPrinter(w io.Writer, opts ...PrinterOption) *Printer {
	p := &Printer{
		renderer: lipgloss.NewRenderer(w),
		theme:    DefaultTheme,
		loc:      time.Local,
		w:        w,
		apps:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Printer) style(c lipgloss.Color) lipgloss.Style {
	return p.renderer.NewStyle().Foreground(c)
}

// OnClientConnected implements collector.EventHandler.
func (p *Printer) OnClientConnected(clientID, ip string) {
	p.status(fmt.Sprintf("client %s connected from %s", clientID, ip))
}

// OnClientDisconnected implements collector.EventHandler.
func (p *Printer) OnClientDisconnected(clientID string) {
	p.mu.Lock()
	delete(p.apps, clientID)
	p.mu.Unlock()
	p.status(fmt.Sprintf("client %s disconnected", clientID))
}

// OnError implements collector.EventHandler.
func (p *Printer) OnError(clientID, message string) {
	line := "error: " + message
	if clientID != "" {
		line = fmt.Sprintf("client %s error: %s", clientID, message)
	}
	p.write(p.style(p.theme.Error).Render(line))
}

// OnServerState implements collector.EventHandler.
func (p *Printer) OnServerState(running bool, port int) {
	if running {
		p.status(fmt.Sprintf("collector listening on port %d", port))
		return
	}
	p.status("collector stopped")
}

// OnMessage implements collector.EventHandler.
func (p *Printer) OnMessage(msg collector.Message) {
	if p.types != nil && !p.types[msg.Type] {
		return
	}

	app := msg.ClientID
	if msg.Meta != nil && msg.Meta.AppName != "" {
		app = msg.Meta.AppName
	}
	p.mu.Lock()
	if msg.Type == transport.TypeConnection {
		var c transport.ConnectionPayload
		if json.Unmarshal(msg.Payload, &c) == nil && c.AppName != "" {
			p.apps[msg.ClientID] = c.AppName
		}
	}
	if name, ok := p.apps[msg.ClientID]; ok && (msg.Meta == nil || msg.Meta.AppName == "") {
		app = name
	}
	p.mu.Unlock()

	body, details := p.describe(msg)

	ts := time.UnixMilli(msg.Timestamp).In(p.loc).Format(timeLayout)
	label := p.style(p.theme.TypeColor(msg.Type)).Bold(true).Width(labelWidth).
		Render(strings.ToUpper(string(msg.Type)))
	line := strings.Join([]string{
		p.style(p.theme.Timestamp).Render(ts),
		label,
		p.style(p.theme.Client).Render(app),
		body,
	}, " ")

	lines := make([]string, 0, 1+len(details))
	lines = append(lines, line)
	for _, d := range details {
		lines = append(lines, "    "+d)
	}
	p.write(lines...)
}

func (p *Printer) status(text string) {
	p.write(p.style(p.theme.Faint).Render("-- " + text))
}

func (p *Printer) write(lines ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range lines {
		if p.width > 0 {
			l = ansi.Truncate(l, p.width, "…")
		}
		fmt.Fprintln(p.w, l)
	}
}

func (p *Printer) describe(msg collector.Message) (string, []string) {
	switch msg.Type {
	case transport.TypeConsole:
		var c transport.ConsolePayload
		if json.Unmarshal(msg.Payload, &c) == nil {
			return p.console(c), nil
		}
	case transport.TypeNetwork:
		var n transport.NetworkPayload
		if json.Unmarshal(msg.Payload, &n) == nil {
			return p.network(n), nil
		}
	case transport.TypeState:
		var s transport.StatePayload
		if json.Unmarshal(msg.Payload, &s) == nil {
			return p.state(s)
		}
	case transport.TypeError:
		var e transport.ErrorPayload
		if json.Unmarshal(msg.Payload, &e) == nil {
			return p.errorLine(e)
		}
	case transport.TypeCustom:
		var c transport.CustomPayload
		if json.Unmarshal(msg.Payload, &c) == nil {
			return c.EventType + " " + inline(c.Data), nil
		}
	case transport.TypeBenchmark:
		var b transport.BenchmarkPayload
		if json.Unmarshal(msg.Payload, &b) == nil {
			return b.Name + " " + p.style(p.theme.Benchmark).Render(FormatDuration(b.Duration)), nil
		}
	case transport.TypeConnection:
		var c transport.ConnectionPayload
		if json.Unmarshal(msg.Payload, &c) == nil {
			return fmt.Sprintf("%s %s (%s)", c.Status, c.AppName, c.Platform), nil
		}
	}
	return string(msg.Payload), nil
}

func (p *Printer) console(c transport.ConsolePayload) string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = inline(a)
	}
	method := p.style(p.theme.LevelColor(c.Method)).Render(c.Method)
	return method + " " + strings.Join(args, " ")
}

func (p *Printer) network(n transport.NetworkPayload) string {
	parts := []string{strings.ToUpper(n.Method), FormatURL(n.URL)}
	if n.Error != "" || n.Status == 0 {
		reason := n.Error
		if reason == "" {
			reason = "no response"
		}
		parts = append(parts, p.style(p.theme.Error).Render("ERR "+reason))
	} else {
		parts = append(parts, p.style(p.theme.StatusColor(n.Status)).Render(fmt.Sprintf("%d", n.Status)))
	}
	parts = append(parts, FormatDuration(n.Duration))
	if n.Size > 0 {
		parts = append(parts, FormatBytes(n.Size))
	}
	return strings.Join(parts, " ")
}

func (p *Printer) state(s transport.StatePayload) (string, []string) {
	head := s.StoreName + " " + s.ActionType
	diff := value.ComputeStateDiff(s.PrevState, s.NextState)
	if len(diff) == 0 {
		return head + " " + p.style(p.theme.Faint).Render("(no changes)"), nil
	}
	lines := make([]string, len(diff))
	for i, d := range diff {
		switch d.Type {
		case value.DiffAdded:
			lines[i] = p.style(p.theme.Added).Render("+ "+d.Path) + " " + inline(d.NextValue)
		case value.DiffRemoved:
			lines[i] = p.style(p.theme.Removed).Render("- "+d.Path) + " " + inline(d.PrevValue)
		default:
			lines[i] = p.style(p.theme.Changed).Render("~ "+d.Path) + " " +
				inline(d.PrevValue) + " -> " + inline(d.NextValue)
		}
	}
	return head, lines
}

func (p *Printer) errorLine(e transport.ErrorPayload) (string, []string) {
	head := e.Message
	if e.Name != "" {
		head = e.Name + ": " + head
	}
	if e.Type != "" {
		head = "[" + e.Type + "] " + head
	}
	if e.Filename != "" {
		head += p.style(p.theme.Faint).Render(fmt.Sprintf(" at %s:%d:%d", e.Filename, e.Lineno, e.Colno))
	}
	head = p.style(p.theme.Error).Render(head)

	if e.Stack == "" {
		return head, nil
	}
	return head, strings.Split(strings.TrimRight(e.Stack, "\n"), "\n")
}

// inline renders text values bare and everything else as compact JSON.
func inline(v value.Value) string {
	switch v.Kind() {
	case value.KindText, value.KindCircular, value.KindUnserializable:
		return v.Text()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return value.UnserializableMarker
	}
	return string(data)
}
