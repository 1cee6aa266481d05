package gateway

import (
	"hash/fnv"
	"strings"
)

// ColorPicker chooses the ANSI color a nickname is rendered with.
type ColorPicker interface {
	ColorFor(nick string) string
}

var defaultColorPalette = []string{
	"\033[31m", // Red
	"\033[32m", // Green
	"\033[33m", // Yellow
	"\033[34m", // Blue
	"\033[35m", // Magenta
	"\033[36m", // Cyan
}

const colorReset = "\033[0m"

// newHashColorPicker returns a picker that always gives the same nickname the
// same color, so a speaker stays recognisable across lines and sessions.
func newHashColorPicker(palette []string) ColorPicker {
	if len(palette) == 0 {
		return nil
	}
	return &hashColorPicker{palette: append([]string(nil), palette...)}
}

type hashColorPicker struct {
	palette []string
}

func (p *hashColorPicker) ColorFor(nick string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nick))
	return p.palette[h.Sum32()%uint32(len(p.palette))]
}

// colorize renders a relay line. Lines of the form "nick> text" get the nick
// colored; anything else, such as the welcome banner, is returned as is.
// Nicknames containing spaces are left uncolored since they cannot be told
// apart from ordinary text.
func colorize(picker ColorPicker, line string) string {
	if picker == nil {
		return line
	}
	nick, rest, ok := strings.Cut(line, "> ")
	if !ok || nick == "" || strings.ContainsRune(nick, ' ') {
		return line
	}
	return picker.ColorFor(nick) + nick + colorReset + "> " + rest
}
