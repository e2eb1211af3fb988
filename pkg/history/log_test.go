package history

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/sistchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func msg(content string) protocol.Message {
	return protocol.Message{Sender: "alice", Content: content}
}

func contents(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Content
	}
	return out
}

func TestNewLogRejectsBadCapacity(t *testing.T) {
	_, err := NewLog(0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = NewLog(-1)
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestLogEviction(t *testing.T) {
	l, err := NewLog(2)
	require.NoError(t, err)

	assert.Empty(t, l.Recent(10))

	l.Append(msg("1"))
	l.Append(msg("2"))
	l.Append(msg("3"))

	assert.Equal(t, 2, l.Len())
	assert.Equal(t, uint64(3), l.Total())
	assert.Equal(t, 2, l.Cap())

	tests := []struct {
		n    int
		want []string
	}{
		{0, []string{"3", "2"}},
		{1, []string{"3"}},
		{2, []string{"3", "2"}},
		{100, []string{"3", "2"}},
		{-1, []string{"3", "2"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d", tt.n), func(t *testing.T) {
			assert.Equal(t, tt.want, contents(l.Recent(tt.n)))
		})
	}
}

func TestLogStampsTime(t *testing.T) {
	l, err := NewLog(4)
	require.NoError(t, err)

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	l.Append(msg("hello"))
	recs := l.Recent(1)
	require.Len(t, recs, 1)
	assert.Equal(t, fixed, recs[0].ReceivedAt)
	assert.Equal(t, "alice", recs[0].Sender)
}

func TestLogConcurrentAppend(t *testing.T) {
	l, err := NewLog(16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Append(msg("x"))
				_ = l.Recent(4)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(800), l.Total())
	assert.Equal(t, 16, l.Len())
}

// TestLogKeepsNewest checks the log always holds the last min(cap, appends)
// messages in reverse order.
func TestLogKeepsNewest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 20).Draw(t, "capacity")
		count := rapid.IntRange(0, 60).Draw(t, "count")

		l, err := NewLog(capacity)
		if err != nil {
			t.Fatal(err)
		}
		for i := 0; i < count; i++ {
			l.Append(msg(fmt.Sprint(i)))
		}

		got := contents(l.Recent(0))
		want := min(capacity, count)
		if len(got) != want {
			t.Fatalf("got %d records, want %d", len(got), want)
		}
		for i, c := range got {
			if c != fmt.Sprint(count-1-i) {
				t.Fatalf("record %d = %s, want %d", i, c, count-1-i)
			}
		}
	})
}
