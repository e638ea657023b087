package base

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventRingBoundedNewestFirst(t *testing.T) {
	ring := NewEventRing(3)
	for i := 0; i < 5; i++ {
		ring.Add(MaskingEvent{
			Timestamp: time.Now(),
			EventType: "DataMasked",
			Content:   fmt.Sprintf("event %d", i),
		})
	}
	recent := ring.Recent()
	assert.Len(t, recent, 3)
	assert.Equal(t, "event 4", recent[0].Content)
	assert.Equal(t, "event 2", recent[2].Content)
}

func TestPreviewTruncates(t *testing.T) {
	short := []byte("short value")
	assert.Equal(t, "short value", Preview(short))

	long := make([]byte, 80)
	for i := range long {
		long[i] = 'a'
	}
	preview := Preview(long)
	assert.Len(t, preview, 53)
	assert.Equal(t, "...", preview[50:])
}

func TestCheckReadWrite(t *testing.T) {
	assert.NoError(t, CheckReadWrite(4, 4, nil))
	assert.ErrorIs(t, CheckReadWrite(2, 4, nil), ErrShortReadWrite)
}
