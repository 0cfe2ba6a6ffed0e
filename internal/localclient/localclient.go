// Package localclient dials the player daemon's local control socket
// and speaks its newline-terminated command/reply protocol. The
// broker is the only consumer that matters in production, but the CLI
// subcommands use the exact same client.
package localclient

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Client is a connection to the player daemon's local control socket.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to the control socket at path (a unix domain socket).
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("localclient: dial %s: %w", path, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// send writes cmd newline-terminated and reads back one newline-
// terminated reply, applying a bounded round-trip timeout so a wedged
// player daemon never hangs a broker connection indefinitely.
func (c *Client) send(cmd string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", fmt.Errorf("localclient: set deadline: %w", err)
	}
	if _, err := fmt.Fprintf(c.conn, "%s\n", cmd); err != nil {
		return "", fmt.Errorf("localclient: write: %w", err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("localclient: read: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Play asks the player to open and start the track at path.
func (c *Client) Play(path string) (string, error) {
	return c.send(fmt.Sprintf("play %s", path), 0)
}

// Stop asks the player to stop and release the current track.
func (c *Client) Stop() (string, error) { return c.send("stop", 0) }

// Pause asks the player to pause playback.
func (c *Client) Pause() (string, error) { return c.send("pause", 0) }

// Resume asks the player to resume playback.
func (c *Client) Resume() (string, error) { return c.send("resume", 0) }

// Seek asks the player to seek to the given offset in seconds.
func (c *Client) Seek(seconds float64) (string, error) {
	return c.send(fmt.Sprintf("seek %s", strconv.FormatFloat(seconds, 'f', -1, 64)), 0)
}

// Volume sets the output volume in [0.0, 1.0], or queries the current
// volume when no value is given.
func (c *Client) Volume(value *float64) (string, error) {
	if value == nil {
		return c.send("volume", 0)
	}
	return c.send(fmt.Sprintf("volume %s", strconv.FormatFloat(*value, 'f', -1, 64)), 0)
}

// Status requests the player's current playback status.
func (c *Client) Status() (string, error) { return c.send("status", 0) }

// Visuals forwards a visuals subcommand (start|stop|status).
func (c *Client) Visuals(arg string) (string, error) {
	return c.send(fmt.Sprintf("visuals %s", arg), 0)
}

// Quit sends quit to the daemon, which stops playback and closes this
// control connection; the daemon process keeps running.
func (c *Client) Quit() (string, error) { return c.send("quit", 0) }
