package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFile creates path and its parent directories with the given content.
func WriteFile(t testing.TB, path string, content []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// FakeSysfs lays out a minimal sysfs tree under root. Each entry maps a
// devpath to the contents of its uevent file.
func FakeSysfs(t testing.TB, root string, devices map[string]string) {
	t.Helper()

	for devpath, uevent := range devices {
		WriteFile(t, filepath.Join(root, devpath, "uevent"), []byte(uevent))
	}
}
