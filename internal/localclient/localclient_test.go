package localclient

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// startEchoServer starts a minimal unix socket server that replies
// "OK <cmd>" to every line it reads, mirroring the player daemon's
// reply framing closely enough to exercise the client.
func startEchoServer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "control.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					cmd := strings.TrimRight(line, "\r\n")
					if cmd == "quit" {
						conn.Write([]byte("OK quit\n"))
						return
					}
					conn.Write([]byte("OK " + cmd + "\n"))
				}
			}()
		}
	}()

	return sockPath
}

func TestDialAndSendCommands(t *testing.T) {
	sockPath := startEchoServer(t)
	c, err := Dial(sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if reply, err := c.Play("/tracks/song.container"); err != nil || !strings.HasPrefix(reply, "OK") {
		t.Fatalf("Play: reply=%q err=%v", reply, err)
	}
	if reply, err := c.Pause(); err != nil || reply != "OK pause" {
		t.Fatalf("Pause: reply=%q err=%v", reply, err)
	}
	if reply, err := c.Seek(12.5); err != nil || !strings.Contains(reply, "12.5") {
		t.Fatalf("Seek: reply=%q err=%v", reply, err)
	}
	vol := 0.8
	if reply, err := c.Volume(&vol); err != nil || !strings.Contains(reply, "0.8") {
		t.Fatalf("Volume: reply=%q err=%v", reply, err)
	}
	if reply, err := c.Quit(); err != nil || reply != "OK quit" {
		t.Fatalf("Quit: reply=%q err=%v", reply, err)
	}
}

func TestDialFailsOnMissingSocket(t *testing.T) {
	_, err := Dial(filepath.Join(os.TempDir(), "does-not-exist.sock"))
	if err == nil {
		t.Fatal("expected error dialing a nonexistent socket")
	}
}
