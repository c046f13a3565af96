package instance

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathsUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)

	tests := []struct {
		got, want string
	}{
		{Dir("main"), filepath.Join(home, "instances", "main")},
		{SocketPath("ops"), filepath.Join(home, "instances", "ops", "daemon.sock")},
		{IndexDir("ops"), filepath.Join(home, "instances", "ops", "index")},
		{DirectoryPath("ops"), filepath.Join(home, "instances", "ops", "directory.db")},
		{LogPath("ops"), filepath.Join(home, "instances", "ops", "logs", "chatmirrord.log")},
		{ConfigPath(), filepath.Join(home, "config.toml")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestDefaultBaseDir(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	if got := BaseDir(); got != filepath.Join(home, ".chatmirror") {
		t.Errorf("BaseDir() = %q", got)
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{Dir("test"), LogDir("test"), IndexDir("test")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("stat %s: %v", d, err)
		}
		if !info.IsDir() || info.Mode().Perm() != 0700 {
			t.Errorf("%s mode = %v", d, info.Mode())
		}
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	t.Setenv("CHATMIRROR_INSTANCE", "")

	if got := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q", got)
	}
	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve() = %q, want %q", got, DefaultName)
	}
	t.Setenv("CHATMIRROR_INSTANCE", "fromenv")
	if got := Resolve(""); got != "fromenv" {
		t.Errorf("Resolve() with env = %q", got)
	}
}
