package gateway

import (
	"io"
	"sync"
)

const (
	seqSaveCursor    = "\0337\033[s"
	seqRestoreCursor = "\033[u\0338"
	seqCursorHome    = "\033[H"
	seqClearLine     = "\r\033[K"
	seqClearRow      = "\033[2K"
	seqInsertLine    = "\033[1L"
	seqClearScreen   = "\033[2J"
)

// terminalWriter serializes writes to the SSH channel, which is shared by the
// input loop and the relay reader.
type terminalWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newTerminalWriter(w io.Writer) *terminalWriter {
	return &terminalWriter{w: w}
}

func (w *terminalWriter) writeString(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := io.WriteString(w.w, s)
	return err
}

// terminalUI draws a pinned status row at the top of the screen, the relay
// traffic above the prompt and the prompt itself on the bottom line.
type terminalUI struct {
	writer *terminalWriter

	statusOnce sync.Once
	statusErr  error
}

func newTerminalUI(writer *terminalWriter) *terminalUI {
	return &terminalUI{writer: writer}
}

func (ui *terminalUI) ClearScreen() error {
	return ui.writer.writeString(seqClearScreen + seqCursorHome)
}

// DisplayLine replaces the prompt row with text and moves to a fresh row.
func (ui *terminalUI) DisplayLine(text string) error {
	return ui.writer.writeString(seqClearLine + text + "\r\n")
}

func (ui *terminalUI) UpdatePrompt(status, line string) error {
	if err := ui.ensureStatusRow(); err != nil {
		return err
	}
	if err := ui.writer.writeString(seqSaveCursor + seqCursorHome + seqClearRow + status + seqRestoreCursor); err != nil {
		return err
	}
	return ui.writer.writeString("\r> " + line + "\033[K")
}

func (ui *terminalUI) ensureStatusRow() error {
	ui.statusOnce.Do(func() {
		ui.statusErr = ui.writer.writeString(seqSaveCursor + seqCursorHome + seqInsertLine + seqRestoreCursor)
	})
	return ui.statusErr
}
