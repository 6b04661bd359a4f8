package tail

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeLines(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatal(err)
	}
}

func readAll(t *testing.T, tl *Tailer) []string {
	t.Helper()
	lines, err := tl.ReadNewLines(0)
	if err != nil {
		t.Fatal(err)
	}
	return lines
}

func TestReadNewLinesBasic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeLines(t, path, "one\ntwo\n")

	tl := New(path)
	defer tl.Close()

	got := readAll(t, tl)
	want := []string{"one\n", "two\n"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}

	_, offset := tl.State()
	if offset != 8 {
		t.Errorf("offset = %d, want 8", offset)
	}

	if again := readAll(t, tl); len(again) != 0 {
		t.Errorf("second poll returned %q, want none", again)
	}
}

func TestReadNewLinesYieldsPartialFragment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeLines(t, path, "complete\npartial")

	tl := New(path)
	defer tl.Close()

	got := readAll(t, tl)
	want := []string{"complete\n", "partial"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}

	_, offset := tl.State()
	if offset != int64(len("complete\npartial")) {
		t.Errorf("offset = %d", offset)
	}
}

func TestReadNewLinesMissingFile(t *testing.T) {
	tl := New(filepath.Join(t.TempDir(), "absent.log"))
	defer tl.Close()

	if got := readAll(t, tl); len(got) != 0 {
		t.Errorf("missing file yielded %q", got)
	}
}

func TestResumeFromPersistedOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeLines(t, path, "old-1\nold-2\n")

	first := New(path)
	readAll(t, first)
	inode, offset := first.State()
	first.Close()

	writeLines(t, path, "new-1\n")

	second := New(path)
	defer second.Close()
	second.SetState(inode, offset)

	got := readAll(t, second)
	want := []string{"new-1\n"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("resumed lines = %q, want %q", got, want)
	}
}

func TestCopytruncateSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	tl := New(path)
	defer tl.Close()

	writeLines(t, path, "a\n")
	if got := readAll(t, tl); !reflect.DeepEqual(got, []string{"a\n"}) {
		t.Fatalf("step 1 = %q, want [a\\n]", got)
	}

	if err := os.Truncate(path, 0); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, tl); len(got) != 0 {
		t.Fatalf("step 2 = %q, want none", got)
	}
	if _, offset := tl.State(); offset != 0 {
		t.Fatalf("offset after truncate = %d, want 0", offset)
	}

	writeLines(t, path, "b\n")
	if got := readAll(t, tl); !reflect.DeepEqual(got, []string{"b\n"}) {
		t.Fatalf("step 3 = %q, want [b\\n]", got)
	}
}

func TestRotationByRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	writeLines(t, path, "before\n")

	tl := New(path)
	defer tl.Close()
	readAll(t, tl)

	oldInode, _ := tl.State()
	if err := os.Rename(path, filepath.Join(dir, "access.log.1")); err != nil {
		t.Fatal(err)
	}
	writeLines(t, path, "after\n")

	var got []string
	for i := 0; i < 3 && len(got) == 0; i++ {
		got = readAll(t, tl)
	}
	if !reflect.DeepEqual(got, []string{"after\n"}) {
		t.Fatalf("post-rotation lines = %q, want [after\\n]", got)
	}

	newInode, offset := tl.State()
	if oldInode != nil && newInode != nil && *oldInode == *newInode {
		t.Error("inode should change after rotation")
	}
	if offset != int64(len("after\n")) {
		t.Errorf("offset = %d, want %d", offset, len("after\n"))
	}
}

func TestStaleOffsetResetsOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeLines(t, path, "x\n")

	tl := New(path)
	defer tl.Close()
	tl.SetState(nil, 9999)

	got := readAll(t, tl)
	if !reflect.DeepEqual(got, []string{"x\n"}) {
		t.Fatalf("lines = %q, want [x\\n]", got)
	}
}
