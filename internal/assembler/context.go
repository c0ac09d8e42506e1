package assembler

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultContextKey names the default context source.
const DefaultContextKey = "chat-context"

const builtinContext = "You are selling your item on marktplaats.nl. " +
	"A potential buyer is asking questions. " +
	"Answer questions and do not lower the price. " +
	"Convince the buyer to buy it for defined price. " +
	"All messages from 'user' are proxied buyers messages."

// ContextSource loads the default system prompt from dir/chat-context.txt
// on first use and keeps it for the life of the process.
type ContextSource struct {
	dir    string
	logger *slog.Logger

	once sync.Once
	text string
}

func NewContextSource(dir string, logger *slog.Logger) *ContextSource {
	return &ContextSource{dir: dir, logger: logger}
}

// Load returns the default context.
func (c *ContextSource) Load() string {
	c.once.Do(func() {
		c.text = builtinContext
		if c.dir == "" {
			return
		}
		path := filepath.Join(c.dir, DefaultContextKey+".txt")
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			c.logger.Info("no context file, using built-in default", "path", path)
		case err != nil:
			c.logger.Warn("failed to read context file, using built-in default", "path", path, "error", err)
		case strings.TrimSpace(string(data)) == "":
			c.logger.Warn("context file is empty, using built-in default", "path", path)
		default:
			c.text = strings.TrimRight(string(data), "\n")
		}
	})
	return c.text
}
