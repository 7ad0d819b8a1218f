package server

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ServeControl listens on a unix socket for management commands, one per
// connection:
//
//	stats
//	shutdown[|reason]
//	reset|<userId>
//
// Replies are OK|<text> or ERROR|<text>. It returns when the listener is
// closed by Shutdown.
func (s *Server) ServeControl(path string) error {
	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer os.Remove(path)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.control = listener
	s.mu.Unlock()

	log.Info().Str("path", path).Msg("control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			return err
		}

		go s.handleControlCommand(conn)
	}
}

func (s *Server) handleControlCommand(conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)
	cmd := parts[0]
	arg := ""
	if len(parts) == 2 {
		arg = parts[1]
	}

	switch cmd {
	case "stats":
		conn.Write([]byte("OK|" + s.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if arg != "" {
			reason = arg
		}
		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()
		log.Info().Str("reason", reason).Msg("shutdown requested over control socket")
		s.Shutdown(reason)

	case "reset":
		if arg == "" {
			conn.Write([]byte("ERROR|Missing user id\n"))
			return
		}
		if _, err := s.db.ResetDigest(arg); err != nil {
			conn.Write([]byte("ERROR|" + err.Error() + "\n"))
			return
		}
		log.Info().Str("user", arg).Msg("sync digest reset")
		conn.Write([]byte("OK|Digest reset for " + arg + "\n"))

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

// SendControlCommand sends one command to a running server's control
// socket and returns the text of an OK reply.
func SendControlCommand(path, command string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("connect to control socket: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}

	status, text, _ := strings.Cut(strings.TrimSpace(reply), "|")
	if status != "OK" {
		return "", fmt.Errorf("server: %s", text)
	}
	return text, nil
}
