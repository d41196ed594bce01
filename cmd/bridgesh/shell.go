package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"

	"github.com/feather-lang/hostbridge"
)

// runShell runs an interactive shell in s with Tab completion of host types
// and their static members.
func runShell(s *hostbridge.ModuleSpace) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	screen := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	t := term.NewTerminal(screen, "% ")
	resize := func() {
		if width, height, err := term.GetSize(fd); err == nil {
			t.SetSize(width, height)
		}
	}
	resize()
	// Window size changes arrive from notifyResize (SIGWINCH on unix).
	resized, stop := notifyResize()
	defer stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-resized:
				resize()
			case <-done:
				return
			}
		}
	}()
	t.AutoCompleteCallback = completer(s.Loader())

	fmt.Fprintf(t, "bridgesh (%s) - Tab completes host types, Ctrl-D exits\r\n", s.Name())
	var input string
	for {
		if input == "" {
			t.SetPrompt("% ")
		} else {
			t.SetPrompt("> ")
		}
		line, err := t.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if input != "" {
					fmt.Fprintln(t, "Incomplete input, discarded")
				}
				return nil
			}
			return err
		}

		if input != "" {
			input += "\n" + line
		} else {
			input = line
		}
		if !balanced(input) {
			continue
		}

		out, err := eval(s, input)
		if err != nil {
			fmt.Fprintf(t, "error: %v\r\n", err)
		} else if out != "" {
			fmt.Fprintf(t, "%s\r\n", out)
		}
		input = ""
	}
}

// runScript evaluates everything read from r as one script.
func runScript(s *hostbridge.ModuleSpace, r io.Reader) error {
	src, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}
	out, err := eval(s, string(src))
	if err != nil {
		return err
	}
	if out != "" {
		fmt.Println(out)
	}
	return nil
}

func eval(s *hostbridge.ModuleSpace, src string) (string, error) {
	v, err := s.Eval(src)
	if err != nil {
		var ex *hostbridge.HostException
		if errors.As(err, &ex) {
			return "", fmt.Errorf("%w\n%s", ex, ex.StackTrace())
		}
		return "", err
	}
	defer v.Release()
	if v.IsUndefined() {
		return "", nil
	}
	return v.String(), nil
}

// balanced reports whether every bracket opened outside a string literal has
// been closed.
func balanced(src string) bool {
	depth := 0
	var quote rune
	escaped := false
	for _, r := range src {
		switch {
		case escaped:
			escaped = false
		case quote != 0:
			switch r {
			case '\\':
				escaped = true
			case quote:
				quote = 0
			}
		case r == '"' || r == '\'' || r == '`':
			quote = r
		case r == '(' || r == '[' || r == '{':
			depth++
		case r == ')' || r == ']' || r == '}':
			depth--
		}
	}
	return depth <= 0 && quote == 0
}

// completer completes the identifier before the cursor against the exported
// host types, and "Type." prefixes against the type's static members.
func completer(l *hostbridge.Loader) func(line string, pos int, key rune) (string, int, bool) {
	return func(line string, pos int, key rune) (string, int, bool) {
		if key != '\t' {
			return "", 0, false
		}
		start := pos
		for start > 0 && !isWordBreak(rune(line[start-1])) {
			start--
		}
		word := line[start:pos]

		var candidates []string
		if typeName, prefix, ok := strings.Cut(word, "."); ok {
			if t, found := l.LookupType(typeName); found {
				for _, m := range l.Members(t) {
					if m.Static && strings.HasPrefix(m.Name, prefix) {
						candidates = append(candidates, typeName+"."+m.Name)
					}
				}
			}
		} else {
			for _, t := range l.Exported() {
				if strings.HasPrefix(t.Name, word) {
					candidates = append(candidates, t.Name)
				}
			}
		}
		if len(candidates) == 0 {
			return "", 0, false
		}
		sort.Strings(candidates)
		completion := commonPrefix(candidates)
		if completion == word {
			return "", 0, false
		}
		return line[:start] + completion + line[pos:], start + len(completion), true
	}
}

func isWordBreak(r rune) bool {
	return strings.ContainsRune(" \t()[]{};,=+-*/!&|<>\"'", r)
}

func commonPrefix(words []string) string {
	prefix := words[0]
	for _, w := range words[1:] {
		for !strings.HasPrefix(w, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	return prefix
}
