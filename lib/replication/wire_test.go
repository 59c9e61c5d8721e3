package replication

import (
	"testing"
	"time"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHello(t *testing.T) {
	h := Hello{Version: ProtoVersion, ReplicaID: 7, Incarnation: uuid.New()}
	b := h.Encode()
	assert.Len(t, b, helloSize)
	assert.Equal(t, "RKV1", string(b[:4]))

	got, err := DecodeHello(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHelloRejectsMalformed(t *testing.T) {
	valid := Hello{Version: ProtoVersion, ReplicaID: 1, Incarnation: uuid.New()}.Encode()

	tests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"short", valid[:10]},
		{"long", append(append([]byte{}, valid...), 0)},
		{"bad magic", append([]byte("RKV2"), valid[4:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHello(tt.b)
			assert.ErrorIs(t, err, db.ErrMalformedFrame)
		})
	}
}

func TestWatermark(t *testing.T) {
	for _, w := range []uint64{0, 1, 1 << 40, 1<<64 - 1} {
		got, err := decodeWatermark(encodeWatermark(w))
		require.NoError(t, err)
		assert.Equal(t, w, got)
	}

	_, err := decodeWatermark([]byte{1, 2, 3})
	assert.ErrorIs(t, err, db.ErrMalformedFrame)
}

func TestBackoff(t *testing.T) {
	b := newBackoff(10*time.Millisecond, 100*time.Millisecond)

	within := func(d, want time.Duration) {
		t.Helper()
		assert.InDelta(t, float64(want), float64(d), float64(want)/10+1)
	}

	within(b.next(), 10*time.Millisecond)
	within(b.next(), 20*time.Millisecond)
	within(b.next(), 40*time.Millisecond)
	within(b.next(), 80*time.Millisecond)
	within(b.next(), 100*time.Millisecond)
	within(b.next(), 100*time.Millisecond)

	b.reset()
	within(b.next(), 10*time.Millisecond)
}
