package ntfy

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwlsn/foldermerge/internal/jobs"
)

// Notifier summarizes each batch of jobs and sends one notification when
// the scheduler reports that all work is complete.
type Notifier struct {
	client  *Client
	log     zerolog.Logger
	timeout time.Duration

	completed int
	failed    []string
	cancelled int
}

// NewNotifier creates a notifier that sends through client.
func NewNotifier(client *Client, logger zerolog.Logger) *Notifier {
	return &Notifier{
		client:  client,
		log:     logger.With().Str("component", "ntfy").Logger(),
		timeout: 15 * time.Second,
	}
}

// Follow consumes events until the channel closes.
func (n *Notifier) Follow(events <-chan jobs.Event) {
	for e := range events {
		n.handle(e)
	}
}

func (n *Notifier) handle(e jobs.Event) {
	switch e.Type {
	case jobs.EventTerminal:
		switch e.Status {
		case jobs.StatusCompleted:
			n.completed++
		case jobs.StatusFailed:
			n.failed = append(n.failed, filepath.Base(e.Folder))
		case jobs.StatusCancelled:
			n.cancelled++
		}
	case jobs.EventAllComplete:
		title, message, tags := n.summary()
		n.completed, n.failed, n.cancelled = 0, nil, 0
		if !n.client.IsConfigured() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.client.Send(ctx, title, message, tags...); err != nil {
			n.log.Warn().Err(err).Msg("Failed to send notification")
			return
		}
		n.log.Debug().Str("title", title).Msg("Notification sent")
	}
}

func (n *Notifier) summary() (title, message string, tags []string) {
	total := n.completed + len(n.failed) + n.cancelled
	parts := []string{fmt.Sprintf("%d of %d folders merged", n.completed, total)}
	if n.cancelled > 0 {
		parts = append(parts, fmt.Sprintf("%d cancelled", n.cancelled))
	}
	if len(n.failed) > 0 {
		parts = append(parts, fmt.Sprintf("failed: %s", strings.Join(n.failed, ", ")))
		return "Merging finished with errors", strings.Join(parts, "\n"), []string{"warning"}
	}
	return "All merges complete", strings.Join(parts, "\n"), []string{"white_check_mark"}
}
