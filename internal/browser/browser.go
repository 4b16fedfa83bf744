// Package browser opens verification URLs in the user's default browser
// during OAuth device-flow enrollment.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// OpenURL opens the URL in the default browser, falling back to
// platform-specific commands when the library launcher fails.
func OpenURL(url string) error {
	if err := open.Run(url); err == nil {
		return nil
	}
	return openPlatformSpecific(url)
}

func openPlatformSpecific(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "linux":
		for _, candidate := range linuxBrowsers {
			if _, err := exec.LookPath(candidate); err == nil {
				cmd = exec.Command(candidate, url)
				break
			}
		}
		if cmd == nil {
			return fmt.Errorf("browser: no launcher found")
		}
	default:
		return fmt.Errorf("browser: unsupported platform %s", runtime.GOOS)
	}
	log.Debugf("opening browser via %s", cmd.Path)
	return cmd.Start()
}

var linuxBrowsers = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// IsAvailable reports whether a browser launcher exists on this system.
func IsAvailable() bool {
	switch runtime.GOOS {
	case "darwin":
		_, err := exec.LookPath("open")
		return err == nil
	case "windows":
		_, err := exec.LookPath("rundll32")
		return err == nil
	case "linux":
		for _, candidate := range linuxBrowsers {
			if _, err := exec.LookPath(candidate); err == nil {
				return true
			}
		}
	}
	return false
}
