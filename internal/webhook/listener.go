package webhook

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// listen returns the socket the server serves on: the systemd-activated
// socket when the process was started through socket activation,
// otherwise a fresh TCP listener on addr.
func listen(addr string) (net.Listener, error) {
	ln, err := activationListener()
	if err != nil {
		return nil, err
	}
	if ln != nil {
		return ln, nil
	}
	return net.Listen("tcp", addr)
}

// activationListener picks up the listener systemd passed via
// LISTEN_PID/LISTEN_FDS. It returns nil when the process was not socket
// activated or the activation targets a different process.
func activationListener() (net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// Socket activation is for a different process
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}
	// The daemon serves exactly one address.
	if numFDs > 1 {
		return nil, fmt.Errorf("expected a single activated socket, got %d", numFDs)
	}

	// Systemd passes file descriptors starting at fd 3
	// (0=stdin, 1=stdout, 2=stderr)
	const listenFD = 3

	file := os.NewFile(uintptr(listenFD), "systemd-socket")
	if file == nil {
		return nil, fmt.Errorf("failed to open activated fd %d", listenFD)
	}

	ln, err := net.FileListener(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", listenFD, err)
	}

	// Close the file descriptor (listener holds a duplicate)
	_ = file.Close()

	// Unset the environment variables so spawned git and nginx processes
	// don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return ln, nil
}
