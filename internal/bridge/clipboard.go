package bridge

import (
	"io"
	"os"
	"strings"

	"github.com/aymanbagabas/go-osc52/v2"
)

// Clipboard copies text to the operator's clipboard.
type Clipboard interface {
	Copy(text string) error
}

// OSC52Clipboard sets the terminal clipboard with an OSC 52 escape
// sequence written to Out. Inside tmux or screen the sequence is also
// sent through the multiplexer's passthrough.
type OSC52Clipboard struct {
	Out io.Writer

	// Getenv reads the environment; nil means os.Getenv.
	Getenv func(string) string
}

// Copy implements Clipboard.
func (c OSC52Clipboard) Copy(text string) error {
	out := c.Out
	if out == nil {
		out = os.Stderr
	}
	getenv := c.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	seq := osc52.New(text)
	term := getenv("TERM")
	switch {
	case getenv("TMUX") != "" || strings.HasPrefix(term, "tmux"):
		if _, err := seq.Tmux().WriteTo(out); err != nil {
			return err
		}
	case strings.HasPrefix(term, "screen"):
		if _, err := seq.Screen().WriteTo(out); err != nil {
			return err
		}
	}
	_, err := seq.WriteTo(out)
	return err
}
