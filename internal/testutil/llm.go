package testutil

import (
	"context"
	"sync"
)

// Completer is a scripted completion fake. Respond, when set, answers every
// prompt; otherwise Replies are returned in order and the last one repeats.
type Completer struct {
	mu      sync.Mutex
	Respond func(prompt string) (string, error)
	Replies []string
	Err     error
	prompts []string
}

func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	n := len(c.prompts)
	respond, replies, err := c.Respond, c.Replies, c.Err
	c.mu.Unlock()

	if respond != nil {
		return respond(prompt)
	}
	if err != nil {
		return "", err
	}
	if len(replies) == 0 {
		return "{}", nil
	}
	if n > len(replies) {
		n = len(replies)
	}
	return replies[n-1], nil
}

// Calls returns how many prompts were received.
func (c *Completer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

// Prompts returns every prompt received, in order.
func (c *Completer) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}
