package metadata

const (
	// BlockSizeBits is log2 of BlockSize
	BlockSizeBits = 15
	// BlockSize is the size in bytes of every block handed to a bump allocator. Blocks are aligned
	// to their size, so the block owning any address is found by masking off the low BlockSizeBits.
	BlockSize = 1 << BlockSizeBits

	// LineSizeBits is log2 of LineSize
	LineSizeBits = 7
	// LineSize is the granularity in bytes at which occupancy is tracked within a block
	LineSize = 1 << LineSizeBits

	// LineCount is the number of lines in a block, and so the number of bits in a BlockMeta
	LineCount = BlockSize / LineSize

	lineWordBits = 64
	lineWords    = (LineCount + lineWordBits - 1) / lineWordBits
)

// Each of these fails to compile with a constant index out of range when its expression is nonzero.
var (
	_ = [1]struct{}{}[BlockSize&(BlockSize-1)]
	_ = [1]struct{}{}[LineSize&(LineSize-1)]
	_ = [1]struct{}{}[BlockSize%LineSize]
)

// LineIndex returns the index of the line containing the byte at offset within a block
func LineIndex(offset int) int {
	return offset >> LineSizeBits
}

// LineOffset returns the offset within a block of the first byte of line
func LineOffset(line int) int {
	return line << LineSizeBits
}
