package spool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveAndRemove(t *testing.T) {
	s := Spool{Dir: t.TempDir()}
	path, n, err := s.Save(42, 1, strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n != 11 {
		t.Fatalf("size = %d, want 11", n)
	}
	if filepath.Base(path) != "d00042-001" {
		t.Fatalf("path = %q", path)
	}
	if _, _, err := s.Save(42, 2, strings.NewReader("second")); err != nil {
		t.Fatalf("Save doc 2: %v", err)
	}

	f, err := s.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.Close()

	if err := s.Remove(42); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("document survived Remove: %v", err)
	}
}

func TestRemoveLeavesOtherJobs(t *testing.T) {
	s := Spool{Dir: t.TempDir()}
	keep, _, err := s.Save(7, 1, strings.NewReader("keep"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, _, err := s.Save(8, 1, strings.NewReader("drop")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Remove(8); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("unrelated job file removed: %v", err)
	}
}

func TestOpenRejectsOutsidePaths(t *testing.T) {
	s := Spool{Dir: t.TempDir()}
	if _, err := s.Open("/etc/passwd"); err == nil {
		t.Fatal("Open accepted a path outside the spool")
	}
	if _, err := s.Open(filepath.Join(s.Dir, "..", "x")); err == nil {
		t.Fatal("Open accepted a traversal path")
	}
}

func TestFreeSpace(t *testing.T) {
	s := Spool{Dir: t.TempDir()}
	free, err := s.FreeSpace()
	if err != nil {
		t.Fatalf("FreeSpace: %v", err)
	}
	if free == 0 {
		t.Fatal("reported zero free bytes on a writable temp dir")
	}
}
