package admin

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword and isTerminal are test seams for the terminal helpers.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// ErrEmptyPassword is returned when the operator enters nothing.
var ErrEmptyPassword = errors.New("password must not be empty")

// GetSimpleText prints a prompt to w and reads a single line of input from reader.
// The trailing newline is trimmed. If EOF occurs after some input was read,
// the partial line is returned.
func GetSimpleText(reader *bufio.Reader, prompt string, w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, prompt+"\n> "); err != nil {
		return "", err
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// GetPassword prompts on w and reads a password. On a terminal the input is
// not echoed; otherwise one line is read from reader so the tool can be
// scripted.
func GetPassword(reader *bufio.Reader, w io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		pw, err := GetSimpleText(reader, "Enter password:", w)
		if err != nil {
			return "", err
		}
		if pw == "" {
			return "", ErrEmptyPassword
		}
		return pw, nil
	}

	if _, err := fmt.Fprint(w, "Enter password: "); err != nil {
		return "", err
	}
	pw, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", err
	}
	if len(pw) == 0 {
		return "", ErrEmptyPassword
	}
	return string(pw), nil
}
