//go:build !windows
// +build !windows

package main

import (
	"fmt"
	"os"

	"github.com/pkg/term"
	"golang.org/x/sys/unix"
)

// askForConfirmation reads a single y/N keypress from the terminal,
// raw so the answer doesn't need a newline. Refuses to guess when
// there is no terminal to ask at; use --yes in automation.
func askForConfirmation(prompt string) (bool, error) {
	if !isTerminal(os.Stdin.Fd()) {
		return false, newUsageError("stdin is not a terminal; pass --yes to confirm")
	}
	fmt.Fprintf(os.Stderr, "%s [y/N] ", prompt)

	t, err := term.Open("/dev/tty")
	if err != nil {
		return false, err
	}
	defer t.Close()
	term.RawMode(t)
	defer t.Restore()

	bs := make([]byte, 1)
	if _, err := t.Read(bs); err != nil {
		return false, err
	}
	answer := bs[0] == 'y' || bs[0] == 'Y'
	fmt.Fprintf(os.Stderr, "%c\n", bs[0])
	return answer, nil
}

func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), ioctlReadTermios)
	return err == nil
}
