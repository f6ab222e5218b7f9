// pkg/cli/shell.go
package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Shell reads commands for the voron shell. A line ending in a backslash
// continues on the next line.
type Shell struct {
	reader *bufio.Reader

	output io.Writer

	// prompt is shown before a new command
	prompt string

	// continuePrompt is shown for continuation lines
	continuePrompt string

	history    []string
	maxHistory int
}

// NewShell creates a shell reading from input. Prompts go to output; a nil
// output suppresses them.
func NewShell(input io.Reader, output io.Writer) *Shell {
	var reader *bufio.Reader
	if input != nil {
		reader = bufio.NewReader(input)
	}
	return &Shell{
		reader:         reader,
		output:         output,
		prompt:         "voron> ",
		continuePrompt: "  ...> ",
		maxHistory:     1000,
	}
}

// SetPrompt changes the primary prompt string.
func (s *Shell) SetPrompt(prompt string) {
	s.prompt = prompt
}

// ReadLine reads a single line from input, stripping trailing whitespace.
// It returns the line and whether EOF was reached.
func (s *Shell) ReadLine() (string, bool) {
	if s.reader == nil {
		return "", true
	}
	line, err := s.reader.ReadString('\n')
	return strings.TrimRight(line, " \t\r\n"), err != nil
}

// ReadCommand reads one command, joining continuation lines. It returns
// the command and whether EOF was reached.
func (s *Shell) ReadCommand() (string, bool) {
	var parts []string
	prompt := s.prompt
	for {
		if s.output != nil {
			io.WriteString(s.output, prompt)
		}
		prompt = s.continuePrompt

		line, eof := s.ReadLine()
		if cont, ok := strings.CutSuffix(line, `\`); ok && !eof {
			parts = append(parts, cont)
			continue
		}
		parts = append(parts, line)
		cmd := strings.TrimSpace(strings.Join(parts, " "))
		if cmd != "" {
			s.AddHistory(cmd)
		}
		return cmd, eof
	}
}

// AddHistory records a command, skipping repeats of the last entry.
func (s *Shell) AddHistory(cmd string) {
	if len(s.history) > 0 && s.history[len(s.history)-1] == cmd {
		return
	}
	s.history = append(s.history, cmd)
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
}

// History returns a copy of the command history.
func (s *Shell) History() []string {
	return append([]string(nil), s.history...)
}

// SplitArgs splits a command into arguments. Single or double quotes group
// words and a backslash escapes the next character inside double quotes.
func SplitArgs(cmd string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inArg   bool
		quote   rune
		escaped bool
	)
	for _, r := range cmd {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote == '"' && r == '\\':
			escaped = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 || escaped {
		return nil, fmt.Errorf("unterminated quote in %q", cmd)
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}
