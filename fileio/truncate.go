package fileio

import (
	"crypto/cipher"
	"os"

	"github.com/cryptofs/cryptofs/cryptocodec"
	"github.com/cryptofs/cryptofs/fserrors"
)

// Truncate resizes inode's content to newSize, per spec.md §4.6: chunks
// whose start index is >= ceil(newSize/C) are dropped; if newSize isn't a
// chunk-size multiple, the new final chunk is re-sealed at its shorter
// length. Growing a file zero-fills the gap the same way Write does. The
// inode's size is updated only after the content change is durably
// staged, matching the crash-safety note in spec.md §4.6.
func (fio *FileIO) Truncate(ino uint64, newSize int64) error {
	if newSize < 0 {
		return fserrors.New("fileio.truncate", fserrors.InvalidArgument)
	}

	attr, err := fio.inodes.Load(ino)
	if err != nil {
		return err
	}
	oldSize := int64(attr.Size)

	aead, _, _, err := fio.keys.Acquire()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(fio.store.ContentsPath(ino), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fserrors.Wrap("fileio.truncate", fserrors.Io, err)
	}
	defer f.Close()

	switch {
	case newSize > oldSize:
		if err := fio.growContents(aead, f, ino, oldSize, newSize); err != nil {
			return err
		}
	case newSize < oldSize:
		if err := fio.shrinkContents(aead, f, ino, oldSize, newSize); err != nil {
			return err
		}
	}

	attr.Size = uint64(newSize)
	attr.Blocks = uint64(cryptocodec.NumChunks(newSize))
	now := fio.inodes.Now()
	attr.Mtime = now
	attr.Ctime = now
	return fio.inodes.Store(attr)
}

func (fio *FileIO) growContents(aead cipher.AEAD, f *os.File, ino uint64, oldSize, newSize int64) error {
	writer := cryptocodec.NewChunkedWriter(aead, ino, f, oldSize)
	gap := newSize - oldSize
	off := oldSize
	for gap > 0 {
		n := gap
		if n > cryptocodec.ChunkSize {
			n = cryptocodec.ChunkSize
		}
		if _, err := writer.Write(off, make([]byte, n)); err != nil {
			return err
		}
		off += n
		gap -= n
	}
	if err := writer.Flush(f); err != nil {
		return err
	}
	return nil
}

func (fio *FileIO) shrinkContents(aead cipher.AEAD, f *os.File, ino uint64, oldSize, newSize int64) error {
	newNumChunks := cryptocodec.NumChunks(newSize)
	var newFileLen int64
	if newNumChunks == 0 {
		newFileLen = 0
	} else {
		lastIdx := newNumChunks - 1
		oldChunkLen := cryptocodec.ChunkLen(oldSize, lastIdx)
		sealed := make([]byte, cryptocodec.NonceSize+oldChunkLen+cryptocodec.TagSize)
		if _, err := f.ReadAt(sealed, cryptocodec.Offset(lastIdx)); err != nil {
			return fserrors.Wrap("fileio.truncate", fserrors.Io, err)
		}
		plaintext, err := cryptocodec.Open(aead, cryptocodec.ContentAAD(ino, uint64(lastIdx)), sealed)
		if err != nil {
			return fserrors.Wrap("fileio.truncate", fserrors.Corrupt, err)
		}
		wantLen := cryptocodec.ChunkLen(newSize, lastIdx)
		if int64(len(plaintext)) > wantLen {
			plaintext = plaintext[:wantLen]
		}
		resealed, err := cryptocodec.Seal(aead, cryptocodec.ContentAAD(ino, uint64(lastIdx)), plaintext)
		if err != nil {
			return fserrors.Wrap("fileio.truncate", fserrors.Io, err)
		}
		if _, err := f.WriteAt(resealed, cryptocodec.Offset(lastIdx)); err != nil {
			return fserrors.Wrap("fileio.truncate", fserrors.Io, err)
		}
		newFileLen = cryptocodec.Offset(lastIdx) + int64(len(resealed))
	}
	if err := f.Truncate(newFileLen); err != nil {
		return fserrors.Wrap("fileio.truncate", fserrors.Io, err)
	}
	return nil
}
