package network

import (
	"fmt"
	"os/exec"
	"runtime"
)

// OpenWithDefaultApp asks the desktop to open path with its default
// application. It does not wait for the viewer to exit.
func OpenWithDefaultApp(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", path)
	case "darwin":
		cmd = exec.Command("open", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}
