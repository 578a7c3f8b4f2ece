package metadata

import (
	"fmt"
	"math/bits"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

// BlockMeta is the line occupancy bitmap for one block. A marked line holds at least one byte of
// live data as of the most recent collection; runs of unmarked lines are holes that a bump
// allocator may reuse.
//
// The zero value has every line unmarked and is ready to use. BlockMeta is not safe for
// concurrent use.
type BlockMeta struct {
	lineMarks [lineWords]uint64
}

// NewBlockMeta returns a BlockMeta with every line unmarked
func NewBlockMeta() *BlockMeta {
	return &BlockMeta{}
}

func checkLine(index int) {
	if index < 0 || index >= LineCount {
		panic(fmt.Sprintf("line index %d is outside of the block: blocks have %d lines", index, LineCount))
	}
}

// MarkLine sets the occupancy mark for line index. It panics if index is not in [0, LineCount).
func (m *BlockMeta) MarkLine(index int) {
	checkLine(index)
	m.lineMarks[index/lineWordBits] |= 1 << (index % lineWordBits)
}

// IsMarked reports whether line index is marked. It panics if index is not in [0, LineCount).
func (m *BlockMeta) IsMarked(index int) bool {
	checkLine(index)
	return m.lineMarks[index/lineWordBits]&(1<<(index%lineWordBits)) != 0
}

// ClearAll unmarks every line, ready for the next collection cycle
func (m *BlockMeta) ClearAll() {
	m.lineMarks = [lineWords]uint64{}
}

// MarkRange marks every line touched by the size bytes starting at offset. It panics if the
// range does not lie within a block.
func (m *BlockMeta) MarkRange(offset, size int) {
	if size == 0 {
		return
	}
	if offset < 0 || size < 0 || offset > BlockSize || size > BlockSize-offset {
		panic(fmt.Sprintf("range at offset %d with size %d is outside of the block", offset, size))
	}

	for line := LineIndex(offset); line <= LineIndex(offset+size-1); line++ {
		m.lineMarks[line/lineWordBits] |= 1 << (line % lineWordBits)
	}
}

// MarkedCount returns the number of marked lines
func (m *BlockMeta) MarkedCount() int {
	count := 0
	for _, word := range m.lineMarks {
		count += bits.OnesCount64(word)
	}
	return count
}

// IsEmpty returns true if no line is marked
func (m *BlockMeta) IsEmpty() bool {
	for _, word := range m.lineMarks {
		if word != 0 {
			return false
		}
	}
	return true
}

// IsFull returns true if every line is marked
func (m *BlockMeta) IsFull() bool {
	return m.MarkedCount() == LineCount
}

// nextLine returns the first line at or after from whose mark equals marked, or LineCount if
// there is none
func (m *BlockMeta) nextLine(from int, marked bool) int {
	if from < 0 {
		from = 0
	}

	for word := from / lineWordBits; word < lineWords; word++ {
		candidates := m.lineMarks[word]
		if !marked {
			candidates = ^candidates
		}
		if word == from/lineWordBits {
			candidates &= ^uint64(0) << (from % lineWordBits)
		}

		if candidates != 0 {
			line := word*lineWordBits + bits.TrailingZeros64(candidates)
			if line >= LineCount {
				return LineCount
			}
			return line
		}
	}

	return LineCount
}

// NextHole finds the first hole, a maximal run of unmarked lines, that begins at or after line
// fromLine. It returns the first line of the hole and the line just past it. ok is false when
// no unmarked line remains at or after fromLine.
func (m *BlockMeta) NextHole(fromLine int) (start, end int, ok bool) {
	start = m.nextLine(fromLine, false)
	if start >= LineCount {
		return LineCount, LineCount, false
	}

	return start, m.nextLine(start, true), true
}

// VisitHoles calls visit once for each hole in address order, with the line bounds of the hole.
// Iteration stops at the first error, which is returned.
func (m *BlockMeta) VisitHoles(visit func(start, end int) error) error {
	start, end, ok := m.NextHole(0)
	for ok {
		if err := visit(start, end); err != nil {
			return err
		}
		start, end, ok = m.NextHole(end)
	}

	return nil
}

// Validate checks that no bits are set beyond the last line of the block
func (m *BlockMeta) Validate() error {
	if LineCount%lineWordBits == 0 {
		return nil
	}

	tail := m.lineMarks[lineWords-1] >> (LineCount % lineWordBits)
	if tail != 0 {
		return errors.Errorf("line marks have bits set beyond line %d: %#x", LineCount, tail)
	}

	return nil
}

// BlockJsonData populates a json object with the line geometry, the number of marked lines, and
// the byte extent of every hole
func (m *BlockMeta) BlockJsonData(json jwriter.ObjectState) {
	json.Name("LineSize").Int(LineSize)
	json.Name("LineCount").Int(LineCount)
	json.Name("MarkedLines").Int(m.MarkedCount())

	holes := json.Name("Holes").Array()
	defer holes.End()

	_ = m.VisitHoles(func(start, end int) error {
		obj := holes.Object()
		defer obj.End()

		obj.Name("Offset").Int(LineOffset(start))
		obj.Name("Size").Int(LineOffset(end - start))
		return nil
	})
}
