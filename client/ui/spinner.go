package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// Spinner reports the progress of a long request on stderr. When stderr is not a terminal only
// the final message is printed.
type Spinner struct {
	live *spinner.Spinner
	out  io.Writer
	msg  string
}

// NewSpinner creates and starts a spinner with the given message.
func NewSpinner(msg string) *Spinner {
	s := &Spinner{out: os.Stderr, msg: msg}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		s.live = spinner.New(
			spinner.CharSets[14],
			200*time.Millisecond,
			spinner.WithHiddenCursor(true),
			spinner.WithWriter(os.Stderr),
			spinner.WithSuffix(" "+msg),
		)
		s.live.Start()
	}
	return s
}

// UpdateMessage updates the spinner message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) UpdateMessage(msg string) {
	if s == nil {
		return
	}
	if s.live != nil {
		s.live.Lock()
		s.live.Suffix = " " + msg
		s.live.Unlock()
	}
	s.msg = msg
}

// Success stops the spinner and prints a success message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Success(msg ...string) {
	s.stop(color.HiGreenString("✓"), msg)
}

// Warn stops the spinner and prints a warning message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Warn(msg ...string) {
	s.stop(color.HiYellowString("!"), msg)
}

// Fail stops the spinner and prints a failure message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Fail(msg ...string) {
	s.stop(color.HiRedString("✗"), msg)
}

func (s *Spinner) stop(symbol string, msg []string) {
	if s == nil {
		return
	}
	if len(msg) == 0 {
		msg = []string{s.msg}
	}
	final := fmt.Sprintf("%s %s\n", symbol, msg[0])
	if s.live == nil {
		_, _ = fmt.Fprint(s.out, final)
		return
	}
	s.live.FinalMSG = final
	s.live.Stop()
}
