// Package stream aggregates incremental completion deltas and maps the
// running answer onto transport-sized outgoing messages. The current chunk
// is edited in place as it grows; once the text spills past its boundary the
// chunk is finalized and a new message is started. Completed chunks are
// never touched again.
package stream

import (
	"context"
	"errors"
	"log/slog"

	"chat-relay/bot/internal/ratelimit"
	"chat-relay/bot/internal/transport"
)

// inProgressSuffix marks the chunk still being generated. Removed on the
// chunk's last edit.
const inProgressSuffix = " ..."

// Config shapes one flusher. ChunkLimit is the transport's hard per-message
// length ceiling; MinGrowth bounds edit frequency by requiring this much new
// text since the last flush before editing again.
type Config struct {
	ChunkLimit     int
	MinGrowth      int
	SlowDownNotice string
	SplitAdvisory  string
}

// Flusher holds the aggregation state for one in-flight turn. Not safe for
// concurrent use; the pipeline consumes deltas strictly in arrival order.
type Flusher struct {
	tr      transport.Transport
	limiter *ratelimit.FlushLimiter
	chatID  int64
	kind    string
	cfg     Config

	full        []rune
	lastFlushed int
	refs        []transport.MessageRef
	suppressed  bool
	advisory    bool
}

func NewFlusher(tr transport.Transport, limiter *ratelimit.FlushLimiter, chatID int64, kind string, cfg Config) *Flusher {
	if cfg.ChunkLimit <= 0 {
		cfg.ChunkLimit = 4000
	}
	return &Flusher{tr: tr, limiter: limiter, chatID: chatID, kind: kind, cfg: cfg}
}

// Push appends one delta to the running answer and flushes when the text has
// grown enough since the last flush. Transport failures are absorbed: text
// already delivered stays delivered, and the rest of the stream keeps
// accumulating.
func (f *Flusher) Push(ctx context.Context, delta string) {
	if delta == "" {
		return
	}
	f.full = append(f.full, []rune(delta)...)

	if len(f.full)-f.lastFlushed < f.cfg.MinGrowth {
		return
	}
	if err := f.flush(ctx, false); err != nil {
		slog.Warn("Flush failed mid-stream", "chat_id", f.chatID, "error", err)
	}
}

// Finish flushes whatever remains with full formatting enabled and emits the
// split advisory when the answer spanned more than one chunk. It returns the
// complete aggregated text regardless of delivery success.
func (f *Flusher) Finish(ctx context.Context) string {
	if err := f.flush(ctx, true); err != nil {
		slog.Warn("Final flush failed", "chat_id", f.chatID, "error", err)
	}

	if len(f.refs) > 1 && !f.advisory && !f.suppressed && f.cfg.SplitAdvisory != "" {
		f.advisory = true
		if err := f.deliver(ctx, -1, f.cfg.SplitAdvisory, false); err != nil {
			slog.Warn("Failed to send split advisory", "chat_id", f.chatID, "error", err)
		}
	}
	return string(f.full)
}

// Text returns the full answer aggregated so far.
func (f *Flusher) Text() string {
	return string(f.full)
}

// ChunksSent returns how many outgoing messages this turn produced.
func (f *Flusher) ChunksSent() int {
	return len(f.refs)
}

// Suppressed reports whether the rate limiter cut the turn's output off.
func (f *Flusher) Suppressed() bool {
	return f.suppressed
}

// flush reconciles the delivered chunks with the current text. Formatting is
// suppressed on every edit except the final one, where truncated markup can
// no longer appear.
func (f *Flusher) flush(ctx context.Context, final bool) error {
	if f.suppressed || len(f.full) == 0 {
		return nil
	}

	limit := f.cfg.ChunkLimit
	for {
		if len(f.refs) == 0 {
			if err := f.deliverChunk(ctx, 0, final); err != nil {
				return err
			}
			if f.suppressed {
				return nil
			}
			if len(f.full) <= limit {
				f.lastFlushed = len(f.full)
				return nil
			}
		}

		cur := len(f.refs) - 1
		if len(f.full) <= (cur+1)*limit {
			// The text still ends inside the current chunk.
			if err := f.deliverChunk(ctx, cur, final); err != nil {
				return err
			}
			f.lastFlushed = len(f.full)
			return nil
		}

		// The text has grown past the current chunk's boundary: finalize it
		// with its complete text, then start the next chunk.
		if err := f.deliverChunk(ctx, cur, true); err != nil {
			return err
		}
		if f.suppressed {
			return nil
		}
		if err := f.deliverChunk(ctx, cur+1, final); err != nil {
			return err
		}
		if f.suppressed {
			return nil
		}
		if len(f.full) <= (cur+2)*limit {
			f.lastFlushed = len(f.full)
			return nil
		}
	}
}

// deliverChunk sends or edits chunk idx. complete means the chunk's content
// is final: the in-progress suffix is dropped and, on the turn's last chunk,
// formatting is enabled.
func (f *Flusher) deliverChunk(ctx context.Context, idx int, complete bool) error {
	start := idx * f.cfg.ChunkLimit
	end := (idx + 1) * f.cfg.ChunkLimit
	if end > len(f.full) {
		end = len(f.full)
	}
	if start >= end {
		return nil
	}

	text := string(f.full[start:end])
	formatted := false
	if complete {
		formatted = end == len(f.full)
	} else {
		text += inProgressSuffix
	}
	return f.deliver(ctx, idx, text, formatted)
}

// deliver performs one rate-limited send or edit. A denied flush suppresses
// the rest of the turn's output; the grace send carries the slow-down notice
// instead of content.
func (f *Flusher) deliver(ctx context.Context, idx int, text string, formatted bool) error {
	switch f.limiter.Allow(f.chatID, f.kind) {
	case ratelimit.Deny:
		f.suppressed = true
		return nil
	case ratelimit.AllowWithNotice:
		f.suppressed = true
		if f.cfg.SlowDownNotice != "" {
			if _, err := f.tr.Send(ctx, f.chatID, f.cfg.SlowDownNotice, false); err != nil {
				slog.Warn("Failed to send slow-down notice", "chat_id", f.chatID, "error", err)
			}
		}
		return nil
	}

	if idx >= 0 && idx < len(f.refs) {
		return f.edit(ctx, f.refs[idx], text, formatted)
	}

	ref, err := f.send(ctx, text, formatted)
	if err != nil {
		return err
	}
	if idx >= 0 {
		f.refs = append(f.refs, ref)
	}
	return nil
}

func (f *Flusher) send(ctx context.Context, text string, formatted bool) (transport.MessageRef, error) {
	ref, err := f.tr.Send(ctx, f.chatID, text, formatted)
	if err != nil && formatted && errors.Is(err, transport.ErrBadFormatting) {
		return f.tr.Send(ctx, f.chatID, text, false)
	}
	return ref, err
}

func (f *Flusher) edit(ctx context.Context, ref transport.MessageRef, text string, formatted bool) error {
	err := f.tr.Edit(ctx, ref, text, formatted)
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrNotModified) {
		return nil
	}
	if formatted && errors.Is(err, transport.ErrBadFormatting) {
		err = f.tr.Edit(ctx, ref, text, false)
		if errors.Is(err, transport.ErrNotModified) {
			return nil
		}
	}
	return err
}
