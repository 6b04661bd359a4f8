// Package tail follows an append-only log file and yields new lines,
// surviving rotation and copytruncate. Progress is a (inode, byte
// offset) pair the caller persists and re-seeds across restarts.
package tail

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"syscall"
)

// Tailer reads newline-terminated lines from a single path. It is not
// safe for concurrent use; the collector owns one Tailer per file.
//
// On inode change the current handle is closed and the new file is read
// from offset 0; bytes appended to the old inode after the last read are
// not drained. That is correct for copytruncate rotation and documented
// as the accepted trade-off for rename-based rotation.
type Tailer struct {
	path string

	file   *os.File
	reader *bufio.Reader
	inode  *int64
	offset int64
}

// New creates a Tailer for path. The file does not need to exist yet.
func New(path string) *Tailer {
	return &Tailer{path: path}
}

// SetState seeds the tail position from persistence. Call before the
// first ReadNewLines.
func (t *Tailer) SetState(inode *int64, offset int64) {
	t.inode = inode
	if offset < 0 {
		offset = 0
	}
	t.offset = offset
}

// State returns the current (inode, offset). The offset only reflects
// fully yielded lines.
func (t *Tailer) State() (*int64, int64) {
	return t.inode, t.offset
}

// Close releases the file handle. The Tailer can be reused; the next
// read reopens the path.
func (t *Tailer) Close() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	t.reader = nil
	return err
}

// ReadNewLines returns up to maxLines new lines, non-blocking. Lines
// keep their trailing newline when present; an unterminated fragment at
// EOF is yielded as-is. An empty result means no new data this poll.
func (t *Tailer) ReadNewLines(maxLines int) ([]string, error) {
	if maxLines <= 0 {
		maxLines = 4096
	}
	if !t.ensureOpen() {
		return nil, nil
	}

	var out []string
	for len(out) < maxLines {
		line, err := t.reader.ReadString('\n')
		if line != "" {
			t.offset += int64(len(line))
			out = append(out, line)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return out, fmt.Errorf("tail read %s: %w", t.path, err)
		}
	}

	if len(out) == 0 {
		if err := t.checkRotationOrTruncate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *Tailer) ensureOpen() bool {
	if t.file != nil {
		return true
	}
	return t.open()
}

func (t *Tailer) open() bool {
	info, err := os.Stat(t.path)
	if err != nil {
		return false
	}

	f, err := os.Open(t.path)
	if err != nil {
		return false
	}

	inode := inodeOf(info)
	t.inode = &inode

	if info.Size() < t.offset {
		t.offset = 0
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		f.Close()
		return false
	}

	t.file = f
	t.reader = bufio.NewReader(f)
	return true
}

// checkRotationOrTruncate runs after a poll that produced zero lines.
// A missing path keeps the handle; the next cycle reopens when it
// reappears. An inode change means rotation; a shrunken file means
// copytruncate.
func (t *Tailer) checkRotationOrTruncate() error {
	info, err := os.Stat(t.path)
	if err != nil {
		return nil
	}

	current := inodeOf(info)
	if t.inode != nil && current != *t.inode {
		if err := t.Close(); err != nil {
			return fmt.Errorf("tail close %s: %w", t.path, err)
		}
		t.offset = 0
		t.open()
		return nil
	}

	if info.Size() < t.offset && t.file != nil {
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("tail seek %s: %w", t.path, err)
		}
		t.reader.Reset(t.file)
		t.offset = 0
	}
	return nil
}

func inodeOf(info os.FileInfo) int64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int64(st.Ino)
	}
	return 0
}
