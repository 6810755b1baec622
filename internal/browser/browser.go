// Package browser opens the authorization URL in the user's default browser.
package browser

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

var linuxBrowsers = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// OpenURL opens url with open-golang and falls back to the platform command
// when that fails.
func OpenURL(url string) error {
	err := open.Start(url)
	if err == nil {
		log.Debug("opened authorization URL with the system handler")
		return nil
	}
	log.Debugf("open-golang failed: %v, trying platform-specific commands", err)
	return openURLPlatformSpecific(url)
}

func openURLPlatformSpecific(url string) error {
	name, args, err := platformCommand(url)
	if err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	log.Debugf("running browser command: %s", name)
	if err = cmd.Start(); err != nil {
		return fmt.Errorf("failed to start browser command: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func platformCommand(url string) (string, []string, error) {
	switch runtime.GOOS {
	case "darwin":
		return "open", []string{url}, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}, nil
	case "linux":
		for _, candidate := range linuxBrowsers {
			if _, err := lookPath(candidate); err == nil {
				return candidate, []string{url}, nil
			}
		}
		return "", nil, fmt.Errorf("no suitable browser found on Linux system")
	default:
		return "", nil, fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

// IsAvailable reports whether a browser can plausibly be launched. Headless
// Linux sessions without DISPLAY or WAYLAND_DISPLAY report false.
func IsAvailable() bool {
	switch runtime.GOOS {
	case "darwin":
		_, err := lookPath("open")
		return err == nil
	case "windows":
		_, err := lookPath("rundll32")
		return err == nil
	case "linux":
		if os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" {
			return false
		}
		_, _, err := platformCommand("")
		return err == nil
	default:
		return false
	}
}
