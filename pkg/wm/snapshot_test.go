package wm

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robomem/robomem/pkg/core"
)

func TestSnapshotRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "gzip"
		}
		t.Run(name, func(t *testing.T) {
			src := New(200)
			src.Add(1, "first memory", 20, AddOptions{AccessCount: 3})
			src.Add(2, "second memory", 30, AddOptions{FromRecall: true})
			src.AddFromSync(3, "synced memory", 10, AddOptions{})

			var buf bytes.Buffer
			require.NoError(t, src.WriteSnapshot(&buf, compress))

			dst := New(200)
			require.NoError(t, dst.ReadSnapshot(&buf))

			require.Equal(t, src.Len(), dst.Len())
			require.Equal(t, src.CurrentTokens(), dst.CurrentTokens())
			require.Equal(t, src.Keys(), dst.Keys())

			rec, ok := dst.Get(2)
			require.True(t, ok)
			require.Equal(t, "second memory", rec.Content)
			require.True(t, rec.FromRecall)

			rec, ok = dst.Get(3)
			require.True(t, ok)
			require.True(t, rec.FromSync)
		})
	}
}

func TestSnapshotRejectsBadMagic(t *testing.T) {
	src := New(100)
	src.Add(1, "a", 10, AddOptions{})

	var buf bytes.Buffer
	require.NoError(t, src.WriteSnapshot(&buf, false))

	raw := buf.Bytes()
	raw[0] = 'X'

	dst := New(100)
	err := dst.ReadSnapshot(bytes.NewReader(raw))
	require.True(t, core.IsKind(err, core.KindDatabase))
	require.Equal(t, 0, dst.Len())
}

func TestSnapshotRejectsCorruptBody(t *testing.T) {
	src := New(100)
	src.Add(1, "some content here", 10, AddOptions{})

	var buf bytes.Buffer
	require.NoError(t, src.WriteSnapshot(&buf, false))

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff

	dst := New(100)
	dst.Add(9, "survives", 5, AddOptions{})
	err := dst.ReadSnapshot(bytes.NewReader(raw))
	require.Error(t, err)
	require.True(t, dst.Contains(9))
}

func TestSnapshotRejectsTruncation(t *testing.T) {
	src := New(100)
	src.Add(1, "a", 10, AddOptions{})

	var buf bytes.Buffer
	require.NoError(t, src.WriteSnapshot(&buf, false))

	raw := buf.Bytes()[:buf.Len()-3]
	err := New(100).ReadSnapshot(bytes.NewReader(raw))
	require.Error(t, err)
}

func TestSnapshotPreservesTimestamps(t *testing.T) {
	src := New(100)
	then := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src.SetClock(func() time.Time { return then })
	src.Add(1, "a", 10, AddOptions{})

	var buf bytes.Buffer
	require.NoError(t, src.WriteSnapshot(&buf, true))

	dst := New(100)
	require.NoError(t, dst.ReadSnapshot(&buf))

	rec, _ := dst.Get(1)
	require.True(t, rec.AddedAt.Equal(then))
	require.True(t, rec.LastAccessed.Equal(then))
}
