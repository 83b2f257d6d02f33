package crypto

import "fmt"

const (
	// DefaultChunkSize is the plaintext size of every chunk except the last.
	DefaultChunkSize = 16 * 1024 * 1024 // 16MiB

	// Maximum chunk size to bound per-task memory
	MaxChunkSize = 64 * 1024 * 1024 // 64MiB

	// MinContainerSize is the smallest possible encrypted object: salt,
	// nonce and tag around an empty plaintext. Shorter objects are treated
	// as unencrypted.
	MinContainerSize = SaltSize + NonceSize + TagSize
)

// Range is a half-open byte range [Offset, Offset+Length).
type Range struct {
	Offset int64
	Length int64
}

// End returns the exclusive end offset of the range.
func (r Range) End() int64 {
	return r.Offset + r.Length
}

// FramedSize returns the size of the framed chunk that encrypting plainLen
// bytes produces.
func FramedSize(plainLen int) int {
	return NonceSize + plainLen + TagSize
}

// IsEncryptedContainer reports whether an object of the given length can
// hold an encrypted container.
func IsEncryptedContainer(length int64) bool {
	return length >= MinContainerSize
}

// SplitContainer separates the salt from the framed chunks that follow it.
func SplitContainer(data []byte) (salt, body []byte, ok bool) {
	if !IsEncryptedContainer(int64(len(data))) {
		return nil, nil, false
	}
	return data[:SaltSize], data[SaltSize:], true
}

// ChunkCount returns the number of chunks a plaintext of the given size is
// split into. An empty plaintext still produces one (empty) chunk.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 {
		return 1
	}
	cs := int64(chunkSize)
	return int((size + cs - 1) / cs)
}

// PlainRanges returns the plaintext window of every chunk.
func PlainRanges(size int64, chunkSize int) []Range {
	n := ChunkCount(size, chunkSize)
	ranges := make([]Range, n)
	for i := 0; i < n; i++ {
		off := int64(i) * int64(chunkSize)
		length := int64(chunkSize)
		if off+length > size {
			length = size - off
		}
		if length < 0 {
			length = 0
		}
		ranges[i] = Range{Offset: off, Length: length}
	}
	return ranges
}

// ChunkBoundaries locates the framed chunks in a container body (the bytes
// after the salt). Every chunk except the last has exactly chunkSize
// plaintext bytes, so boundaries follow from the body length alone.
func ChunkBoundaries(bodyLen int64, chunkSize int) ([]Range, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}
	if bodyLen < ChunkOverhead {
		return nil, fmt.Errorf("%w: body of %d bytes is shorter than one chunk", ErrMalformedContainer, bodyLen)
	}

	full := int64(FramedSize(chunkSize))
	var ranges []Range
	var off int64
	for bodyLen-off > full {
		ranges = append(ranges, Range{Offset: off, Length: full})
		off += full
	}

	last := bodyLen - off
	if last < ChunkOverhead {
		return nil, fmt.Errorf("%w: trailing chunk of %d bytes is shorter than framing overhead", ErrMalformedContainer, last)
	}
	ranges = append(ranges, Range{Offset: off, Length: last})

	return ranges, nil
}
