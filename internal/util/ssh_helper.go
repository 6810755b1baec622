package util

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// RemoteSession reports whether the process runs inside an SSH session, where
// the browser hitting the loopback callback lives on another machine.
func RemoteSession() bool {
	return strings.TrimSpace(os.Getenv("SSH_CONNECTION")) != "" || strings.TrimSpace(os.Getenv("SSH_CLIENT")) != ""
}

// sshServerAddress returns the address the user reached this host on. It
// prefers the server side of SSH_CONNECTION, then the outbound interface.
func sshServerAddress() string {
	if fields := strings.Fields(os.Getenv("SSH_CONNECTION")); len(fields) >= 3 {
		return fields[2]
	}
	ip, err := getOutboundIP()
	if err != nil {
		log.Debugf("outbound IP detection failed: %v", err)
		return "<server-address>"
	}
	return ip
}

// getOutboundIP returns the local address used for outbound traffic. No
// packet is sent; dialing UDP only selects a route.
func getOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			log.Debugf("close UDP socket: %v", closeErr)
		}
	}()
	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("could not assert UDP address type")
	}
	return localAddr.IP.String(), nil
}

// FormatSSHTunnelInstructions renders the port forward a remote user needs so
// their browser can reach the callback listener on port.
func FormatSSHTunnelInstructions(port int, host string) string {
	border := strings.Repeat("=", 80)
	var b strings.Builder
	b.WriteString("To sign in from a remote machine, forward the callback port first.\n")
	b.WriteString(border + "\n")
	b.WriteString("  Run on the machine that has the browser:\n\n")
	fmt.Fprintf(&b, "  ssh -L %d:127.0.0.1:%d <user>@%s\n\n", port, port, host)
	b.WriteString("  Add -p <port> or -i <key> if your SSH setup needs them.\n")
	b.WriteString(border + "\n")
	return b.String()
}

// PrintSSHTunnelInstructions writes FormatSSHTunnelInstructions for this host to w.
func PrintSSHTunnelInstructions(w io.Writer, port int) {
	_, _ = io.WriteString(w, FormatSSHTunnelInstructions(port, sshServerAddress()))
}
