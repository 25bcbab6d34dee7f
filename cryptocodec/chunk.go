package cryptocodec

// ChunkSize is the fixed cleartext chunk size C from spec.md §3: 256 KiB.
// It is the unit of re-encryption, seek and write concurrency.
const ChunkSize = 256 * 1024

// Stride is the fixed on-disk size of every chunk slot except possibly the
// last: a 12-byte nonce, ChunkSize bytes of ciphertext and a 16-byte tag.
// Every chunk before the last one is always stored at full ChunkSize
// (zero-padded if it was never written), so chunk i's byte offset in the
// contents file is always i*Stride — that is what makes seeking to an
// arbitrary chunk index O(1) rather than requiring a scan.
const Stride = NonceSize + ChunkSize + TagSize

// NumChunks returns the number of cleartext chunks a file of the given
// cleartext size is split into: ⌈size/ChunkSize⌉, with the convention that
// a zero-byte file has zero chunks.
func NumChunks(size int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + ChunkSize - 1) / ChunkSize
}

// ChunkLen returns the cleartext length of chunk index idx in a file of
// the given total cleartext size. Panics if idx is out of range; callers
// must check against NumChunks first.
func ChunkLen(size int64, idx int64) int64 {
	n := NumChunks(size)
	if idx < 0 || idx >= n {
		panic("cryptocodec: chunk index out of range")
	}
	if idx == n-1 {
		rem := size - idx*ChunkSize
		if rem > 0 {
			return rem
		}
	}
	return ChunkSize
}

// Offset returns the byte offset of chunk idx within the ciphertext
// contents file.
func Offset(idx int64) int64 {
	return idx * Stride
}
