// Package paths locates the files gotserv reads at startup, such as its
// configuration and RSA key.
package paths

import (
	"os"
	"path/filepath"

	"github.com/golang/glog"
)

// EnvHome names the environment variable holding an extra directory to
// search first.
const EnvHome = "GOTSERV_HOME"

// Dirs returns the directories Find searches, in order: $GOTSERV_HOME, the
// working directory, the user's config directory, /etc/gotserv and the
// directory of the running binary.
func Dirs() []string {
	var dirs []string
	if home := os.Getenv(EnvHome); home != "" {
		dirs = append(dirs, home)
	}
	dirs = append(dirs, ".")
	if cfg, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(cfg, "gotserv"))
	}
	dirs = append(dirs, "/etc/gotserv")
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	return dirs
}

// Find locates the passed file shortname in Dirs and returns a path to it,
// or an empty string if it is nowhere to be found.
//
// For example, for "gotserv.yaml" it may return
// "/home/user/.config/gotserv/gotserv.yaml".
func Find(fileName string) string {
	for _, dir := range Dirs() {
		path := filepath.Join(dir, fileName)
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			glog.V(1).Infof("paths.Find(%q)=%s", fileName, path)
			return path
		}
	}
	return ""
}
