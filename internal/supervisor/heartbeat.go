package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/avasylenko/pricewatch/internal/store"
	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// Messenger is the chat surface the heartbeat needs; *notify.Client
// satisfies it.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	PinMessage(ctx context.Context, chatID, messageID int64) error
}

// Heartbeat keeps one pinned chat message updated with the supervisor's
// per-source view. The message id survives restarts in the state dir, so a
// restarted process edits the same message instead of piling up new ones.
type Heartbeat struct {
	sup      *Supervisor
	msgr     Messenger
	state    *store.State
	chatID   int64
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time

	staleAfter map[domain.Source]time.Duration
	messageID  int64
}

// NewHeartbeat creates the heartbeat for one status chat.
func NewHeartbeat(sup *Supervisor, msgr Messenger, state *store.State, chatID int64, interval time.Duration, log *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Heartbeat{
		sup:        sup,
		msgr:       msgr,
		state:      state,
		chatID:     chatID,
		interval:   interval,
		log:        log,
		now:        time.Now,
		staleAfter: make(map[domain.Source]time.Duration),
	}
}

// SetStaleBudget overrides the staleness threshold for one source. Without
// an override a source is stale after twice its cycle interval.
func (h *Heartbeat) SetStaleBudget(src domain.Source, d time.Duration) {
	h.staleAfter[src] = d
}

// Run updates the pinned message on the configured interval until the
// context ends.
func (h *Heartbeat) Run(ctx context.Context) {
	id, err := h.state.LoadPinnedMessage()
	if err != nil {
		h.log.Warn("cannot load pinned message id", "error", err)
	}
	h.messageID = id

	h.beat(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	text := h.render(h.sup.Snapshot())

	if h.messageID != 0 {
		err := h.msgr.EditMessageText(ctx, h.chatID, h.messageID, text)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		h.log.Warn("editing status message failed, reposting", "error", err)
		h.messageID = 0
	}

	id, err := h.msgr.SendMessage(ctx, h.chatID, text)
	if err != nil {
		h.log.Warn("sending status message failed", "error", err)
		return
	}
	if err := h.msgr.PinMessage(ctx, h.chatID, id); err != nil {
		h.log.Warn("pinning status message failed", "error", err)
	}
	h.messageID = id
	if err := h.state.SavePinnedMessage(id); err != nil {
		h.log.Warn("persisting pinned message id failed", "error", err)
	}
}

// render builds the status text: uptime, local time, one line per source
// with a state icon, the last successful run and a staleness flag when the
// source has been quiet past its budget.
func (h *Heartbeat) render(r Report) string {
	now := h.now()

	var b strings.Builder
	b.WriteString("📡 <b>pricewatch</b>\n")
	fmt.Fprintf(&b, "🕐 %s · uptime %s\n\n",
		now.Format("2006-01-02 15:04"), formatUptime(now.Sub(r.Started)))

	sources := make([]domain.Source, 0, len(r.Statuses))
	for src := range r.Statuses {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	for _, src := range sources {
		st := r.Statuses[src]
		line := fmt.Sprintf("%s <b>%s</b>", stateIcon(st.State), src)

		if last, ok := r.LastRuns[src]; ok {
			line += " · " + last.Format("15:04")
			budget := h.staleAfter[src]
			if budget == 0 {
				budget = 2 * r.Intervals[src]
			}
			if budget > 0 && now.Sub(last) > budget {
				line += " ⚠️ stale"
			}
		} else {
			line += " · no runs yet"
		}
		if len(st.Notes) > 0 {
			line += "\n    " + strings.Join(st.Notes, "; ")
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func stateIcon(s domain.CycleState) string {
	switch s {
	case domain.CycleRunning:
		return "🏃"
	case domain.CycleOK:
		return "✅"
	case domain.CycleFailed:
		return "❌"
	case domain.CycleStalled:
		return "🧊"
	}
	return "💤"
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Minute)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
