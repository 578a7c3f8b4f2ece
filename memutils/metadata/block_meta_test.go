package metadata_test

import (
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/immix/memutils/metadata"
)

func TestGeometry(t *testing.T) {
	require.Equal(t, 32768, metadata.BlockSize)
	require.Equal(t, 128, metadata.LineSize)
	require.Equal(t, 256, metadata.LineCount)

	require.Equal(t, 0, metadata.LineIndex(127))
	require.Equal(t, 1, metadata.LineIndex(128))
	require.Equal(t, 255, metadata.LineIndex(metadata.BlockSize-1))
	require.Equal(t, 384, metadata.LineOffset(3))
}

func TestNewBlockMetaUnmarked(t *testing.T) {
	meta := metadata.NewBlockMeta()

	for i := 0; i < metadata.LineCount; i++ {
		require.False(t, meta.IsMarked(i), "line %d", i)
	}
	require.True(t, meta.IsEmpty())
	require.False(t, meta.IsFull())
	require.Equal(t, 0, meta.MarkedCount())
	require.NoError(t, meta.Validate())
}

func TestMarkLineIsolated(t *testing.T) {
	for _, marked := range []int{0, 1, 63, 64, 127, 200, metadata.LineCount - 1} {
		meta := metadata.NewBlockMeta()
		meta.MarkLine(marked)

		for i := 0; i < metadata.LineCount; i++ {
			require.Equal(t, i == marked, meta.IsMarked(i), "marked %d, checking %d", marked, i)
		}
		require.Equal(t, 1, meta.MarkedCount())

		meta.ClearAll()
		for i := 0; i < metadata.LineCount; i++ {
			require.False(t, meta.IsMarked(i))
		}
		require.True(t, meta.IsEmpty())
	}
}

func TestMarkLineOutOfRange(t *testing.T) {
	meta := metadata.NewBlockMeta()

	require.Panics(t, func() { meta.MarkLine(metadata.LineCount) })
	require.Panics(t, func() { meta.MarkLine(-1) })
	require.Panics(t, func() { meta.IsMarked(metadata.LineCount) })
	require.True(t, meta.IsEmpty())
}

func TestMarkRange(t *testing.T) {
	meta := metadata.NewBlockMeta()

	// 100 bytes at offset 100 straddles lines 0 and 1
	meta.MarkRange(100, 100)
	require.True(t, meta.IsMarked(0))
	require.True(t, meta.IsMarked(1))
	require.False(t, meta.IsMarked(2))

	// ends exactly on a line boundary
	meta.MarkRange(512, 128)
	require.True(t, meta.IsMarked(4))
	require.False(t, meta.IsMarked(5))

	meta.MarkRange(1024, 0)
	require.False(t, meta.IsMarked(8))
	require.Equal(t, 3, meta.MarkedCount())

	require.Panics(t, func() { meta.MarkRange(metadata.BlockSize-10, 11) })
	require.Panics(t, func() { meta.MarkRange(-1, 4) })
	require.Panics(t, func() { meta.MarkRange(16, math.MaxInt) })
	require.Panics(t, func() { meta.MarkRange(metadata.BlockSize+1, 1) })
	require.Equal(t, 3, meta.MarkedCount())

	meta.MarkRange(0, metadata.BlockSize)
	require.True(t, meta.IsFull())
}

func TestNextHole(t *testing.T) {
	meta := metadata.NewBlockMeta()

	start, end, ok := meta.NextHole(0)
	require.True(t, ok)
	require.Equal(t, 0, start)
	require.Equal(t, metadata.LineCount, end)

	meta.MarkLine(0)
	meta.MarkLine(1)
	meta.MarkLine(10)
	for i := 60; i < 70; i++ {
		meta.MarkLine(i)
	}
	meta.MarkLine(metadata.LineCount - 1)

	var holes [][2]int
	err := meta.VisitHoles(func(start, end int) error {
		holes = append(holes, [2]int{start, end})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, [][2]int{{2, 10}, {11, 60}, {70, metadata.LineCount - 1}}, holes)

	start, end, ok = meta.NextHole(5)
	require.True(t, ok)
	require.Equal(t, 5, start)
	require.Equal(t, 10, end)

	start, end, ok = meta.NextHole(60)
	require.True(t, ok)
	require.Equal(t, 70, start)
	require.Equal(t, metadata.LineCount-1, end)

	_, _, ok = meta.NextHole(metadata.LineCount - 1)
	require.False(t, ok)

	meta.MarkRange(0, metadata.BlockSize)
	_, _, ok = meta.NextHole(0)
	require.False(t, ok)
}

func TestNextHoleAtEndOfBlock(t *testing.T) {
	meta := metadata.NewBlockMeta()

	start, end, ok := meta.NextHole(metadata.LineCount)
	require.False(t, ok)
	require.Equal(t, metadata.LineCount, start)
	require.Equal(t, metadata.LineCount, end)

	start, end, ok = meta.NextHole(metadata.LineCount - 1)
	require.True(t, ok)
	require.Equal(t, metadata.LineCount-1, start)
	require.Equal(t, metadata.LineCount, end)
}

func TestBlockJsonData(t *testing.T) {
	meta := metadata.NewBlockMeta()
	meta.MarkRange(0, 2*metadata.LineSize)
	meta.MarkRange(4*metadata.LineSize, metadata.BlockSize-4*metadata.LineSize)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	meta.BlockJsonData(obj)
	obj.End()

	require.JSONEq(t, `{
		"LineSize": 128,
		"LineCount": 256,
		"MarkedLines": 254,
		"Holes": [{"Offset": 256, "Size": 256}]
	}`, string(writer.Bytes()))
}
