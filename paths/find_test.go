package paths

import (
	"os"
	"path/filepath"
	"testing"

	"badc0de.net/pkg/gotserv/ttesting"
)

func TestFindInHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvHome, dir)
	want := filepath.Join(dir, "gotserv-test.yaml")
	if err := os.WriteFile(want, []byte("server: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ttesting.AssertEqualString(t, "found", Find("gotserv-test.yaml"), want)
	ttesting.AssertEqualString(t, "first dir", Dirs()[0], dir)
}

func TestFindMissing(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())
	ttesting.AssertEqualString(t, "missing", Find("surely-not-here.yaml"), "")
}

func TestFindSkipsDirectories(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvHome, dir)
	if err := os.Mkdir(filepath.Join(dir, "gotserv-dir.yaml"), 0o700); err != nil {
		t.Fatal(err)
	}
	ttesting.AssertEqualString(t, "directory", Find("gotserv-dir.yaml"), "")
}
