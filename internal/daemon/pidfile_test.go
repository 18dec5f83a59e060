package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFile_WriteReadRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "daemon.pid")

	if err := WritePIDFile(path); err != nil {
		t.Fatalf("WritePIDFile() error = %v", err)
	}

	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile() error = %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("ReadPIDFile() = %d, want %d", pid, os.Getpid())
	}

	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile() error = %v", err)
	}
	if _, err := ReadPIDFile(path); err == nil {
		t.Error("ReadPIDFile() succeeded after RemovePIDFile()")
	}
}

func TestPIDFile_RemoveIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	if err := RemovePIDFile(path); err != nil {
		t.Errorf("RemovePIDFile() on absent file error = %v", err)
	}
}
