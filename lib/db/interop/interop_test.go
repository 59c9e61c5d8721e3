package interop

import (
	"math"
	"strings"
	"testing"

	"github.com/ValentinKolb/rKV/lib/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedWidthCodecs(t *testing.T) {
	t.Run("uint64", func(t *testing.T) {
		for _, v := range []uint64{0, 1, 255, math.MaxUint64} {
			got, err := Uint64{}.Decode(Encode[uint64](Uint64{}, v))
			require.NoError(t, err)
			assert.Equal(t, v, got)
		}
	})

	t.Run("int64", func(t *testing.T) {
		for _, v := range []int64{0, -1, math.MinInt64, math.MaxInt64} {
			got, err := Int64{}.Decode(Encode[int64](Int64{}, v))
			require.NoError(t, err)
			assert.Equal(t, v, got)
		}
	})

	t.Run("int32", func(t *testing.T) {
		got, err := Int32{}.Decode(Encode[int32](Int32{}, -42))
		require.NoError(t, err)
		assert.Equal(t, int32(-42), got)
	})

	t.Run("float64", func(t *testing.T) {
		got, err := Float64{}.Decode(Encode[float64](Float64{}, 3.25))
		require.NoError(t, err)
		assert.Equal(t, 3.25, got)
	})

	t.Run("bool", func(t *testing.T) {
		got, err := Bool{}.Decode(Encode[bool](Bool{}, true))
		require.NoError(t, err)
		assert.True(t, got)

		_, err = Bool{}.Decode([]byte{7})
		assert.ErrorIs(t, err, db.ErrCorruptEntry)
	})
}

func TestFixedWidthRejectsWrongLength(t *testing.T) {
	tests := []struct {
		name   string
		decode func([]byte) error
	}{
		{"uint64", func(b []byte) error { _, err := Uint64{}.Decode(b); return err }},
		{"int64", func(b []byte) error { _, err := Int64{}.Decode(b); return err }},
		{"int32", func(b []byte) error { _, err := Int32{}.Decode(b); return err }},
		{"float64", func(b []byte) error { _, err := Float64{}.Decode(b); return err }},
		{"bool", func(b []byte) error { _, err := Bool{}.Decode(b); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decode([]byte{1, 2, 3})
			assert.ErrorIs(t, err, db.ErrCorruptEntry)
		})
	}
}

func TestUint64OrderMatchesBytes(t *testing.T) {
	a := Encode[uint64](Uint64{}, 10)
	b := Encode[uint64](Uint64{}, 300)
	assert.Less(t, string(a), string(b))
}

func TestVariableLengthCodecs(t *testing.T) {
	s, err := String{}.Decode(Encode[string](String{}, "hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	src := []byte{1, 2, 3}
	b, err := Bytes{}.Decode(src)
	require.NoError(t, err)
	src[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, b, "decoded bytes must not alias the stored bytes")
}

func TestPair(t *testing.T) {
	c := Pair[string, int64]{First: String{}, Second: Int64{}}

	for _, first := range []string{"", "a", strings.Repeat("x", 200), strings.Repeat("y", 20000)} {
		encoded := c.Append([]byte("prefix"), PairOf[string, int64]{First: first, Second: -7})
		assert.Equal(t, "prefix", string(encoded[:6]))

		got, err := c.Decode(encoded[6:])
		require.NoError(t, err)
		assert.Equal(t, first, got.First)
		assert.Equal(t, int64(-7), got.Second)
	}

	_, err := c.Decode([]byte{0x80})
	assert.ErrorIs(t, err, db.ErrCorruptEntry)

	_, err = c.Decode([]byte{10, 'a'})
	assert.ErrorIs(t, err, db.ErrCorruptEntry)
}

func TestHash(t *testing.T) {
	key := []byte("some-key")

	assert.Equal(t, Hash(key, 1), Hash(key, 1))
	assert.Equal(t, Hash(key, 1), HashString("some-key", 1))
	assert.NotEqual(t, Hash(key, 1), Hash(key, 2), "seed must change the hash")
	assert.NotEqual(t, Hash(key, 1), Hash([]byte("some-kez"), 1))
}

func TestHashSpreadsLowBits(t *testing.T) {
	const buckets = 16
	counts := make([]int, buckets)
	for i := 0; i < 16000; i++ {
		h := Hash(Encode[uint64](Uint64{}, uint64(i)), 42)
		counts[h&(buckets-1)]++
	}
	for i, c := range counts {
		assert.InDelta(t, 1000, c, 200, "bucket %d", i)
	}
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal([]byte("abc"), []byte("abc")))
	assert.False(t, Equal([]byte("abc"), []byte("abd")))
	assert.True(t, EqualString([]byte("abc"), "abc"))
	assert.False(t, EqualString([]byte("abc"), "ab"))
	assert.True(t, EqualString(nil, ""))
}

func TestRecordEncoding(t *testing.T) {
	live := &db.Record{Key: []byte("key"), Value: []byte("value"), Meta: db.Meta{Timestamp: 42, Origin: 3}}
	b := AppendRecord(nil, live)
	assert.Len(t, b, RecordSize(live))

	got, err := DecodeRecord(b)
	require.NoError(t, err)
	assert.Equal(t, live.Key, got.Key)
	assert.Equal(t, live.Value, got.Value)
	assert.Equal(t, live.Meta, got.Meta)
	assert.False(t, got.Tombstone)

	dead := &db.Record{Key: []byte("key"), Meta: db.Meta{Timestamp: 43, Origin: 1}, Tombstone: true}
	b = AppendRecord(nil, dead)
	assert.Len(t, b, RecordSize(dead))
	got, err = DecodeRecord(b)
	require.NoError(t, err)
	assert.True(t, got.Tombstone)
	assert.Nil(t, got.Value)

	empty := &db.Record{Key: []byte{}, Value: []byte{}}
	got, err = DecodeRecord(AppendRecord(nil, empty))
	require.NoError(t, err)
	assert.NotNil(t, got.Value, "an empty live value is distinct from a tombstone")
}

func TestRecordDecodeRejectsMalformed(t *testing.T) {
	valid := AppendRecord(nil, &db.Record{Key: []byte("k"), Value: []byte("v")})

	tests := []struct {
		name string
		b    []byte
	}{
		{"short", valid[:5]},
		{"truncated value", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte{}, valid...), 0)},
		{"unknown flags", func() []byte { b := append([]byte{}, valid...); b[9] = 0x80; return b }()},
		{"key overflow", func() []byte { b := append([]byte{}, valid...); b[13] = 0xff; return b }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRecord(tt.b)
			assert.ErrorIs(t, err, db.ErrCorruptEntry)
		})
	}
}
