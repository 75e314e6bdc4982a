package control

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Stats is what the control socket reports on.
type Stats interface {
	GetStats() string
}

// Socket serves line-oriented management commands on a UNIX socket:
//
//	stats     -> OK|sessions=N,online=M,users=1;2
//	shutdown  -> OK|Shutting down, then the relay stops gracefully
type Socket struct {
	path     string
	stats    Stats
	shutdown func()
}

func New(path string, stats Stats, shutdown func()) *Socket {
	return &Socket{path: path, stats: stats, shutdown: shutdown}
}

// Serve accepts commands until ctx is done. Failing to create the socket is
// logged and not fatal.
func (s *Socket) Serve(ctx context.Context) error {
	os.Remove(s.path)

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		zap.S().Warnw("failed to create control socket",
			"path", s.path,
			"error", err,
		)
		return nil
	}
	defer os.Remove(s.path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	zap.S().Infow("control socket listening", "path", s.path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}

		go s.handle(conn)
	}
}

func (s *Socket) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}

	cmd := strings.SplitN(strings.TrimSpace(line), "|", 2)[0]

	switch cmd {
	case "stats":
		conn.Write([]byte("OK|" + s.stats.GetStats() + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		zap.S().Info("shutdown requested on control socket")
		s.shutdown()

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
