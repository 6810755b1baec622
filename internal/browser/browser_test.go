package browser

import (
	"errors"
	"os/exec"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatformCommandLinux(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("linux only")
	}
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })

	lookPath = func(name string) (string, error) {
		if name == "firefox" {
			return "/usr/bin/firefox", nil
		}
		return "", exec.ErrNotFound
	}
	name, args, err := platformCommand("https://claude.ai/oauth/authorize")
	require.NoError(t, err)
	assert.Equal(t, "firefox", name)
	assert.Equal(t, []string{"https://claude.ai/oauth/authorize"}, args)

	lookPath = func(string) (string, error) { return "", errors.New("missing") }
	_, _, err = platformCommand("https://claude.ai")
	assert.Error(t, err)
}

func TestIsAvailableHeadlessLinux(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("linux only")
	}
	t.Setenv("DISPLAY", "")
	t.Setenv("WAYLAND_DISPLAY", "")
	assert.False(t, IsAvailable())
}
