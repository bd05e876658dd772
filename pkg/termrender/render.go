// Package termrender writes an ASCII frame to a terminal in place: clear
// screen, home cursor, print frame.
package termrender

import (
	"bufio"
	"io"
)

// Render clears the screen, homes the cursor, writes frame, and flushes.
func Render(w io.Writer, frame string) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("\x1b[2J\x1b[1;1H"); err != nil {
		return err
	}
	if _, err := bw.WriteString(frame); err != nil {
		return err
	}
	return bw.Flush()
}
