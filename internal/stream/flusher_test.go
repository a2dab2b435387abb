package stream_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-relay/bot/internal/ratelimit"
	"chat-relay/bot/internal/stream"
	"chat-relay/bot/internal/transport"
)

// op records one outgoing transport call.
type op struct {
	kind      string // "send" or "edit"
	messageID int64
	text      string
	formatted bool
}

type fakeTransport struct {
	ops    []op
	nextID int64

	// rejectFormatted makes every formatted call fail with ErrBadFormatting.
	rejectFormatted bool
	// notModifiedEdits makes every edit report unchanged content.
	notModifiedEdits bool
}

func (f *fakeTransport) Send(_ context.Context, chatID int64, text string, formatted bool) (transport.MessageRef, error) {
	if f.rejectFormatted && formatted {
		return transport.MessageRef{}, transport.ErrBadFormatting
	}
	f.nextID++
	f.ops = append(f.ops, op{kind: "send", messageID: f.nextID, text: text, formatted: formatted})
	return transport.MessageRef{ChatID: chatID, MessageID: f.nextID}, nil
}

func (f *fakeTransport) Edit(_ context.Context, ref transport.MessageRef, text string, formatted bool) error {
	if f.rejectFormatted && formatted {
		return transport.ErrBadFormatting
	}
	if f.notModifiedEdits {
		return transport.ErrNotModified
	}
	f.ops = append(f.ops, op{kind: "edit", messageID: ref.MessageID, text: text, formatted: formatted})
	return nil
}

func (f *fakeTransport) SendTyping(context.Context, int64) {}

// finalTexts returns the last text written to each message, in message order.
func (f *fakeTransport) finalTexts() []string {
	last := make(map[int64]string)
	var order []int64
	for _, o := range f.ops {
		if _, seen := last[o.messageID]; !seen {
			order = append(order, o.messageID)
		}
		last[o.messageID] = o.text
	}
	texts := make([]string, 0, len(order))
	for _, id := range order {
		texts = append(texts, last[id])
	}
	return texts
}

func openLimiter() *ratelimit.FlushLimiter {
	return ratelimit.NewFlushLimiter(time.Minute, map[string]int{"private": 1000})
}

func newFlusher(tr transport.Transport, limiter *ratelimit.FlushLimiter, cfg stream.Config) *stream.Flusher {
	return stream.NewFlusher(tr, limiter, 42, "private", cfg)
}

func TestFlusher_ShortAnswerSingleSend(t *testing.T) {
	tr := &fakeTransport{}
	f := newFlusher(tr, openLimiter(), stream.Config{ChunkLimit: 4000, MinGrowth: 1000})

	ctx := context.Background()
	f.Push(ctx, "Hello")
	f.Push(ctx, " world")
	answer := f.Finish(ctx)

	assert.Equal(t, "Hello world", answer)
	require.Len(t, tr.ops, 1)
	assert.Equal(t, "send", tr.ops[0].kind)
	assert.Equal(t, "Hello world", tr.ops[0].text)
	assert.True(t, tr.ops[0].formatted, "the final flush is formatted")
}

func TestFlusher_EditsInPlaceAsTextGrows(t *testing.T) {
	tr := &fakeTransport{}
	f := newFlusher(tr, openLimiter(), stream.Config{ChunkLimit: 4000, MinGrowth: 5})

	ctx := context.Background()
	f.Push(ctx, "aaaaa")
	f.Push(ctx, "bbbbb")
	answer := f.Finish(ctx)

	assert.Equal(t, "aaaaabbbbb", answer)
	require.GreaterOrEqual(t, len(tr.ops), 3)

	assert.Equal(t, "send", tr.ops[0].kind)
	assert.True(t, strings.HasSuffix(tr.ops[0].text, " ..."), "in-progress chunk carries the suffix")
	assert.False(t, tr.ops[0].formatted, "formatting suppressed mid-stream")

	final := tr.ops[len(tr.ops)-1]
	assert.Equal(t, "edit", final.kind)
	assert.Equal(t, "aaaaabbbbb", final.text)
	assert.True(t, final.formatted)
}

func TestFlusher_ChunkCoverageAndMonotonicEdits(t *testing.T) {
	tr := &fakeTransport{}
	f := newFlusher(tr, openLimiter(), stream.Config{
		ChunkLimit:    10,
		MinGrowth:     3,
		SplitAdvisory: "split!",
	})

	ctx := context.Background()
	full := "abcdefghijklmnopqrstuvwxy" // 25 runes, three chunks of 10/10/5
	for i := 0; i < len(full); i += 4 {
		end := i + 4
		if end > len(full) {
			end = len(full)
		}
		f.Push(ctx, full[i:end])
	}
	answer := f.Finish(ctx)
	assert.Equal(t, full, answer)

	// Separate the advisory from the content messages.
	var contentOps []op
	for _, o := range tr.ops {
		if o.text != "split!" {
			contentOps = append(contentOps, o)
		}
	}

	// Each chunk message is sent exactly once.
	sendsPerMessage := make(map[int64]int)
	highest := int64(0)
	for _, o := range contentOps {
		if o.kind == "send" {
			sendsPerMessage[o.messageID]++
			assert.Greater(t, o.messageID, highest, "chunks start in order")
			highest = o.messageID
		} else {
			assert.Equal(t, highest, o.messageID, "only the current chunk is ever edited")
		}
	}
	for id, n := range sendsPerMessage {
		assert.Equal(t, 1, n, "message %d sent more than once", id)
	}

	// Concatenating the final chunk texts reconstructs the answer exactly.
	var texts []string
	for _, text := range tr.finalTexts() {
		if text != "split!" {
			texts = append(texts, text)
		}
	}
	assert.Equal(t, full, strings.Join(texts, ""))

	// The split advisory is emitted exactly once.
	advisories := 0
	for _, o := range tr.ops {
		if o.text == "split!" {
			advisories++
		}
	}
	assert.Equal(t, 1, advisories)
}

func TestFlusher_RateLimitSuppressesOutput(t *testing.T) {
	tr := &fakeTransport{}
	limiter := ratelimit.NewFlushLimiter(time.Minute, map[string]int{"private": 2})
	f := newFlusher(tr, limiter, stream.Config{
		ChunkLimit:     8,
		MinGrowth:      1,
		SlowDownNotice: "slow down",
	})

	ctx := context.Background()
	for i := 0; i < 40; i++ {
		f.Push(ctx, "xxxx")
	}
	answer := f.Finish(ctx)

	// The model kept generating but the user stopped seeing output.
	assert.Len(t, answer, 160)
	assert.True(t, f.Suppressed())

	// Ceiling + the one slow-down notice.
	assert.LessOrEqual(t, len(tr.ops), 3)
	assert.Equal(t, "slow down", tr.ops[len(tr.ops)-1].text)
}

func TestFlusher_FormattingRejectionFallsBackToPlain(t *testing.T) {
	tr := &fakeTransport{rejectFormatted: true}
	f := newFlusher(tr, openLimiter(), stream.Config{ChunkLimit: 4000, MinGrowth: 1000})

	ctx := context.Background()
	f.Push(ctx, "<b>broken")
	answer := f.Finish(ctx)

	assert.Equal(t, "<b>broken", answer)
	require.Len(t, tr.ops, 1)
	assert.False(t, tr.ops[0].formatted, "resent without formatting")
	assert.Equal(t, "<b>broken", tr.ops[0].text)
}

func TestFlusher_NotModifiedIsANoOp(t *testing.T) {
	tr := &fakeTransport{notModifiedEdits: true}
	f := newFlusher(tr, openLimiter(), stream.Config{ChunkLimit: 4000, MinGrowth: 2})

	ctx := context.Background()
	f.Push(ctx, "abc")
	f.Push(ctx, "def")
	answer := f.Finish(ctx)

	// Edits all report "not modified"; the turn still completes cleanly.
	assert.Equal(t, "abcdef", answer)
	require.Len(t, tr.ops, 1)
	assert.Equal(t, "send", tr.ops[0].kind)
}

func TestFlusher_EmptyStreamSendsNothing(t *testing.T) {
	tr := &fakeTransport{}
	f := newFlusher(tr, openLimiter(), stream.Config{ChunkLimit: 4000, MinGrowth: 10})

	answer := f.Finish(context.Background())
	assert.Empty(t, answer)
	assert.Empty(t, tr.ops)
}
