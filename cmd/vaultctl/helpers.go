package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/nupi-ai/habitvault/internal/capability"
)

var errNotInteractive = errors.New("stdin is not a terminal, rerun with --yes to confirm")

func parseCapabilities(names []string) (capability.Set, error) {
	caps := make([]capability.Capability, 0, len(names))
	for _, name := range names {
		c, err := capability.Parse(strings.TrimSpace(name))
		if err != nil {
			return capability.Set{}, err
		}
		caps = append(caps, c)
	}
	return capability.NewSet(caps...), nil
}

func joinNames(names []string) string {
	return strings.Join(names, " ")
}

// prompter asks yes/no questions on the command's input.
type prompter struct {
	out    io.Writer
	reader *bufio.Reader
	err    error
}

func newPrompter(cmd *cobra.Command) *prompter {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && !terminal.IsTerminal(int(f.Fd())) {
		return &prompter{err: errNotInteractive}
	}
	return &prompter{out: cmd.OutOrStdout(), reader: bufio.NewReader(in)}
}

func (p *prompter) confirm(question string) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	fmt.Fprintf(p.out, "%s [y/N]: ", question)
	answer, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && answer != "") {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
