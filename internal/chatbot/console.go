package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"SalesRep/internal/access"
	"SalesRep/internal/workflow"
)

// Render formats a reply for a plain text terminal.
func Render(r workflow.Reply) string {
	var b strings.Builder
	for i, n := range r.Notices {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch n.Style {
		case workflow.Italic:
			b.WriteString("_" + n.Text + "_")
		case workflow.Bold:
			b.WriteString("*" + n.Text + "*")
		case workflow.Pre:
			lines := strings.Split(n.Text, "\n")
			for j, line := range lines {
				if j > 0 {
					b.WriteString("\n")
				}
				b.WriteString("    " + line)
			}
		default:
			b.WriteString(n.Text)
		}
	}
	if len(r.QuickReplies) > 0 {
		b.WriteString("\n\n")
		for i, q := range r.QuickReplies {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString("[" + q + "]")
		}
	}
	return b.String()
}

// Run reads operator input line by line until EOF, /quit or ctx is done.
// Cancelling ctx returns without waiting for the pending line.
func (cb *ChatBot) Run(ctx context.Context, op access.Operator, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "=== SalesRep ===")
	fmt.Fprintf(out, "Operator: %s\n", op.Username)
	fmt.Fprintln(out, "Type /start to begin, /help for commands, /quit to exit")
	fmt.Fprintln(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines, readErr := readLines(ctx, in)

loop:
	for {
		prompt := "You"
		if st := cb.engine.State(op); st != workflow.Idle {
			prompt = "You (" + st.String() + ")"
		}
		fmt.Fprint(out, prompt+": ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			break loop
		case l, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					cb.logger.Error("failed to read input", "error", err)
					return err
				}
				break loop
			}
			line = l
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		reply, quit := cb.Handle(ctx, op, input)
		fmt.Fprintf(out, "Bot: %s\n\n", Render(reply))
		if quit {
			break loop
		}
	}

	fmt.Fprintln(out, "Goodbye!")
	return nil
}

// readLines scans in on its own goroutine. The line channel closes at EOF or
// on a read error, which is then sent on the error channel.
func readLines(ctx context.Context, in io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}
