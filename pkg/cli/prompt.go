// Package cli provides interactive terminal prompt helpers for CLI wizards.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter handles interactive terminal prompts.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) scan() *bufio.Scanner {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	return p.scanner
}

// readLine reads a single trimmed line. ok is false once input is exhausted.
func (p *Prompter) readLine() (line string, ok bool) {
	if p.scan().Scan() {
		return strings.TrimSpace(p.scan().Text()), true
	}
	return "", false
}

// Ask prints a question with a default value and reads one line.
// Returns the default if the user presses Enter without typing.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}
	if line, _ := p.readLine(); line != "" {
		return line
	}
	return defaultVal
}

// askUntil repeats question until parse accepts the answer. When input runs
// out the default is returned.
func askUntil[T any](p *Prompter, question, defaultVal string, fallback T, parse func(string) (T, error)) T {
	for {
		if defaultVal != "" {
			_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
		} else {
			_, _ = fmt.Fprintf(p.Out, "%s: ", question)
		}
		line, ok := p.readLine()
		if !ok {
			return fallback
		}
		if line == "" {
			line = defaultVal
		}
		v, err := parse(line)
		if err == nil {
			return v
		}
		_, _ = fmt.Fprintf(p.Out, "  Please %s.\n", err)
	}
}

// AskPassword reads a line without echoing. Falls back to plain read if
// stdin is not a terminal (e.g. during tests or piped input).
func (p *Prompter) AskPassword(question string) string {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out) // newline after hidden input
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}

	line, _ := p.readLine()
	return line
}

// AskIntRange asks for an integer in [lo, hi].
func (p *Prompter) AskIntRange(question string, defaultVal, lo, hi int) int {
	return askUntil(p, question, strconv.Itoa(defaultVal), defaultVal, func(s string) (int, error) {
		n, err := strconv.Atoi(s)
		if err != nil || n < lo || n > hi {
			return 0, fmt.Errorf("enter a number between %d and %d", lo, hi)
		}
		return n, nil
	})
}

// AskPort asks for a TCP port.
func (p *Prompter) AskPort(question string, defaultVal int) int {
	return p.AskIntRange(question, defaultVal, 1, 65535)
}

// Choose presents a numbered list of options and returns the selected value.
// The answer may be the option's number or its name.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	_, _ = fmt.Fprintf(p.Out, "%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		_, _ = fmt.Fprintf(p.Out, "%s%d) %s\n", marker, i+1, opt)
	}

	return askUntil(p, "Choice", strconv.Itoa(defaultIdx+1), options[defaultIdx], func(s string) (string, error) {
		if n, err := strconv.Atoi(s); err == nil && n >= 1 && n <= len(options) {
			return options[n-1], nil
		}
		for _, opt := range options {
			if strings.EqualFold(opt, s) {
				return opt, nil
			}
		}
		return "", fmt.Errorf("enter a number between 1 and %d", len(options))
	})
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
