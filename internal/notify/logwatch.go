package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Telegram caps message text at 4096 characters; keep headroom for the
// <pre> wrapper.
const logTailBytes = 3800

// LogWatcher long-polls for an admin "/log" command and replies with the
// tail of the process log file. Commands from any other chat are ignored.
type LogWatcher struct {
	client      *Client
	adminChatID int64
	logPath     string
	poll        time.Duration
	log         *slog.Logger
}

// NewLogWatcher creates a watcher bound to one admin chat.
func NewLogWatcher(client *Client, adminChatID int64, logPath string, poll time.Duration, log *slog.Logger) *LogWatcher {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &LogWatcher{
		client:      client,
		adminChatID: adminChatID,
		logPath:     logPath,
		poll:        poll,
		log:         log,
	}
}

// Run polls until the context is cancelled.
func (w *LogWatcher) Run(ctx context.Context) {
	var offset int64
	for {
		updates, err := w.client.GetUpdates(ctx, offset, w.poll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("log watcher poll failed", "error", err)
			select {
			case <-time.After(w.poll):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			if u.ID >= offset {
				offset = u.ID + 1
			}
			if u.Message.Chat.ID != w.adminChatID {
				continue
			}
			if cmd := strings.Fields(u.Message.Text); len(cmd) == 0 || cmd[0] != "/log" {
				continue
			}
			w.reply(ctx)
		}
	}
}

func (w *LogWatcher) reply(ctx context.Context) {
	tail, err := tailFile(w.logPath, logTailBytes)
	if err != nil {
		tail = fmt.Sprintf("cannot read log: %v", err)
	}
	if strings.TrimSpace(tail) == "" {
		tail = "(log is empty)"
	}

	text := "<pre>" + html.EscapeString(tail) + "</pre>"
	if _, err := w.client.SendMessage(ctx, w.adminChatID, text); err != nil {
		w.log.Warn("sending log tail failed", "error", err)
	}
}

// tailFile reads the last max bytes of path, starting at the first complete
// line when the file is longer than that.
func tailFile(path string, max int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	truncated := false
	if info.Size() > max {
		if _, err := f.Seek(-max, io.SeekEnd); err != nil {
			return "", err
		}
		truncated = true
	}

	data, err := io.ReadAll(f)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}

	s := string(data)
	if truncated {
		if i := strings.IndexByte(s, '\n'); i >= 0 && i+1 < len(s) {
			s = s[i+1:]
		}
	}
	return s, nil
}
