// Package broker implements the Command Broker: a line-oriented TCP
// server that authenticates a capability token, then gates PLAY
// requests through expiry, catalog resolution, and permission checks -
// strictly in that order - before ever opening the streaming
// decryptor, and forwards playback control commands to the local
// player daemon.
package broker

import (
	"bufio"
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/abby/internal/audit"
	"github.com/kenchrcum/abby/internal/catalog"
	"github.com/kenchrcum/abby/internal/hardware"
	"github.com/kenchrcum/abby/internal/localclient"
	"github.com/kenchrcum/abby/internal/metrics"
	"github.com/kenchrcum/abby/internal/middleware"
	"github.com/kenchrcum/abby/internal/sessioncache"
	"github.com/kenchrcum/abby/internal/token"
)

// connTimeout bounds how long a read of one client command line may
// block before the connection is closed.
const connTimeout = 10 * time.Second

// sessionTTL is how long an authenticated session stays valid in the
// session cache, independent of the token's own exp (the cache is an
// optimization, never the source of truth for authorization).
const sessionTTL = 30 * time.Minute

// Broker accepts connections and dispatches the line protocol.
type Broker struct {
	Catalog   *catalog.Catalog
	Validator *token.Validator
	Cache     sessioncache.Cache
	Metrics   *metrics.Metrics
	Audit     audit.Logger
	Logger    *logrus.Logger

	// ControlSocketPath is where the local player daemon listens;
	// Broker dials it fresh for each forwarded playback command.
	ControlSocketPath string

	// DevID is this machine's hardware-bound device identifier, read
	// once at startup and recorded in PLAY audit events. The player
	// daemon opens tracks with the device id it detects itself.
	DevID string
}

// session is per-connection state machine state: Start until AUTH
// succeeds, Authenticated afterward. Never shared across connections.
type session struct {
	id            string
	authenticated bool
	payload       token.Payload
	remoteAddr    string

	playlist playlistState
}

// playlistState is the per-connection queue of catalog codes built up
// by PLAYLIST_ADD/REMOVE and walked by PLAYLIST_NEXT/PREV. It lives on
// the session, not the daemon: the daemon plays one track at a time
// and has no notion of a queue.
type playlistState struct {
	codes   []string
	pos     int
	started bool // false until the first NEXT/PREV has played a track
	shuffle bool
	repeat  string // "none", "one", "all"
}

// Serve accepts connections on ln until ctx is done, handling each on
// its own goroutine. It returns when ln.Accept fails (including on
// listener close triggered by ctx cancellation in the caller).
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go b.handleConn(ctx, conn)
	}
}

func (b *Broker) handleConn(ctx context.Context, conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	defer middleware.RecoverConn(b.Logger, remoteAddr)
	defer conn.Close()

	sess := &session{id: newSessionID(), remoteAddr: remoteAddr}
	if b.Metrics != nil {
		b.Metrics.IncActiveSessions()
		defer b.Metrics.DecActiveSessions()
	}

	reader := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(connTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		if cmd == "" {
			continue
		}

		start := time.Now()
		reply, quit := b.dispatch(ctx, sess, cmd)
		b.recordCommand(ctx, sess, commandName(cmd), reply, time.Since(start))

		if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
			return
		}
		if quit {
			return
		}
	}
}

// dispatch executes one command line against sess and returns the
// reply text and whether the connection should close. QUIT also sends
// quit to the player daemon, which stops playback and closes that
// control connection; the daemon process keeps running.
func (b *Broker) dispatch(ctx context.Context, sess *session, line string) (reply string, quit bool) {
	name, arg := splitCommand(line)

	if !sess.authenticated && name != "AUTH" {
		return "ERROR: Not authenticated", false
	}

	switch name {
	case "AUTH":
		return b.handleAuth(ctx, sess, arg), false
	case "PLAY":
		return b.handlePlay(ctx, sess, arg), false
	case "STOP":
		return b.forward(func(c *localclient.Client) (string, error) { return c.Stop() })
	case "PAUSE":
		return b.forward(func(c *localclient.Client) (string, error) { return c.Pause() })
	case "RESUME":
		return b.forward(func(c *localclient.Client) (string, error) { return c.Resume() })
	case "SEEK":
		return b.handleSeek(arg)
	case "VOLUME":
		return b.handleVolume(arg)
	case "STATUS":
		return b.forward(func(c *localclient.Client) (string, error) { return c.Status() })
	case "CATALOG_LIST":
		return "OK " + strings.Join(b.Catalog.List(), ","), false
	case "PLAYLIST_ADD":
		return b.playlistAdd(sess, arg), false
	case "PLAYLIST_REMOVE":
		return b.playlistRemove(sess, arg), false
	case "PLAYLIST_CLEAR":
		sess.playlist = playlistState{}
		return "OK", false
	case "PLAYLIST_GET":
		return "OK " + strings.Join(sess.playlist.codes, ","), false
	case "PLAYLIST_NEXT":
		return b.playlistAdvance(ctx, sess, 1), false
	case "PLAYLIST_PREV":
		return b.playlistAdvance(ctx, sess, -1), false
	case "PLAYLIST_SHUFFLE":
		return b.playlistShuffle(sess, arg), false
	case "PLAYLIST_REPEAT":
		return b.playlistRepeat(sess, arg), false
	case "QUIT":
		if c, err := localclient.Dial(b.ControlSocketPath); err == nil {
			c.Quit()
			c.Close()
		}
		return "OK", true
	default:
		return "ERROR: Unknown command", false
	}
}

// handleAuth validates the presented token and, on success, transitions
// the session into Authenticated and caches it so other connector
// instances can see the revocation if it's later blacklisted.
func (b *Broker) handleAuth(ctx context.Context, sess *session, raw string) string {
	payload, err := b.Validator.Validate(raw, time.Now())
	outcome := "valid"
	reason := ""
	if err != nil {
		outcome = authOutcome(err)
		reason = err.Error()
	}

	if b.Metrics != nil {
		b.Metrics.RecordAuth(outcome)
	}
	if b.Audit != nil {
		b.Audit.LogAuth(sess.id, sess.remoteAddr, err == nil, reason, err, 0)
	}

	if err != nil {
		return "ERROR: " + err.Error()
	}

	sess.authenticated = true
	sess.payload = payload

	if b.Cache != nil {
		b.Cache.Put(ctx, sess.id, sessioncache.Session{
			Permissions: payload.Permissions,
			Expiry:      payload.Expiry,
		}, sessionTTL)
	}

	return "OK"
}

// handlePlay runs the authorization gate in strict order - session
// revocation, expiry, catalog resolution, permission check - and only
// forwards PLAY to the player daemon once all four have passed.
func (b *Broker) handlePlay(ctx context.Context, sess *session, code string) string {
	start := time.Now()

	if revoked := b.isRevoked(ctx, sess.id); revoked {
		b.denyPlay(sess, code, "session_revoked", start)
		return "ERROR: LicenseExpired"
	}

	if time.Now().Unix() > sess.payload.Expiry {
		b.denyPlay(sess, code, "license_expired", start)
		return "ERROR: LicenseExpired"
	}

	entry, err := b.Catalog.Resolve(code)
	if err != nil {
		b.denyPlay(sess, code, "track_not_found", start)
		return "ERROR: TrackNotFound"
	}

	if entry.Required != "" && !sess.payload.HasPermission(entry.Required) {
		b.denyPlay(sess, code, "permission_denied", start)
		return fmt.Sprintf("ERROR: PermissionDenied(%s)", entry.Required)
	}

	// Only now, after all four checks pass, does the daemon open the
	// track. The broker itself never touches the decryptor directly -
	// it hands the resolved path to the local player daemon, which
	// owns the decryptor/buffer/adapter pipeline for its own process.
	reply, err := b.forwardOne(func(c *localclient.Client) (string, error) { return c.Play(entry.Path) })
	success := err == nil
	if b.Audit != nil {
		b.Audit.LogPlay(sess.id, b.DevID, code, success, "", err, time.Since(start))
	}
	if b.Metrics != nil {
		b.Metrics.RecordBrokerCommand(ctx, "PLAY", outcomeLabel(success), time.Since(start))
	}
	return reply
}

func (b *Broker) denyPlay(sess *session, code, reason string, start time.Time) {
	if b.Metrics != nil {
		b.Metrics.RecordPlayDenial(reason)
	}
	if b.Audit != nil {
		b.Audit.LogPlay(sess.id, b.DevID, code, false, reason, nil, time.Since(start))
	}
}

func (b *Broker) isRevoked(ctx context.Context, sessionID string) bool {
	if b.Cache == nil {
		return false
	}
	cached, ok, err := b.Cache.Get(ctx, sessionID)
	if err != nil {
		// session cache unavailability degrades gracefully: the
		// authorization gate still re-checks signature/expiry/
		// permission directly, so this is never fatal.
		return false
	}
	if !ok {
		// Absent means never cached or the entry's TTL simply lapsed,
		// not revoked - the cache is an optimization, never the
		// source of truth, so a miss falls through to the token's own
		// expiry check below rather than denying outright.
		return false
	}
	return cached.Revoked
}

func (b *Broker) handleSeek(arg string) (string, bool) {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if err != nil {
		return "ERROR: invalid seek offset", false
	}
	return b.forward(func(c *localclient.Client) (string, error) { return c.Seek(seconds) })
}

func (b *Broker) handleVolume(arg string) (string, bool) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return b.forward(func(c *localclient.Client) (string, error) { return c.Volume(nil) })
	}
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil || v < 0 || v > 1 {
		return "ERROR: invalid volume", false
	}
	return b.forward(func(c *localclient.Client) (string, error) { return c.Volume(&v) })
}

// playlistAdd validates code against the catalog before queuing it, so
// a bad code is rejected at add time rather than surfacing later as a
// confusing PLAYLIST_NEXT failure.
func (b *Broker) playlistAdd(sess *session, code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return "ERROR: missing track code"
	}
	if _, err := b.Catalog.Resolve(code); err != nil {
		return "ERROR: TrackNotFound"
	}
	sess.playlist.codes = append(sess.playlist.codes, code)
	return "OK"
}

func (b *Broker) playlistRemove(sess *session, arg string) string {
	idx, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || idx < 0 || idx >= len(sess.playlist.codes) {
		return "ERROR: invalid playlist index"
	}
	sess.playlist.codes = append(sess.playlist.codes[:idx], sess.playlist.codes[idx+1:]...)
	if sess.playlist.pos > idx {
		sess.playlist.pos--
	}
	return "OK"
}

func (b *Broker) playlistShuffle(sess *session, arg string) string {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "on":
		sess.playlist.shuffle = true
	case "off":
		sess.playlist.shuffle = false
	default:
		return "ERROR: expected on|off"
	}
	return "OK"
}

func (b *Broker) playlistRepeat(sess *session, arg string) string {
	mode := strings.ToLower(strings.TrimSpace(arg))
	switch mode {
	case "none", "one", "all":
		sess.playlist.repeat = mode
	default:
		return "ERROR: expected none|one|all"
	}
	return "OK"
}

// playlistAdvance moves the playlist cursor by step (+1 for NEXT, -1
// for PREV), honoring shuffle and repeat, and plays the resulting
// track through the same authorization gate as an explicit PLAY. The
// first advance plays the track at position 0; after that, repeat
// "one" replays the current track.
func (b *Broker) playlistAdvance(ctx context.Context, sess *session, step int) string {
	n := len(sess.playlist.codes)
	if n == 0 {
		return "ERROR: playlist empty"
	}

	switch {
	case sess.playlist.shuffle:
		sess.playlist.pos = rand.Intn(n)
	case !sess.playlist.started:
		sess.playlist.pos = 0
	case sess.playlist.repeat == "one":
		sess.playlist.pos = clamp(sess.playlist.pos, 0, n-1)
	default:
		next := sess.playlist.pos + step
		switch {
		case next >= n:
			if sess.playlist.repeat == "all" {
				next = 0
			} else {
				return "ERROR: playlist end"
			}
		case next < 0:
			if sess.playlist.repeat == "all" {
				next = n - 1
			} else {
				return "ERROR: playlist start"
			}
		}
		sess.playlist.pos = next
	}
	sess.playlist.started = true

	return b.handlePlay(ctx, sess, sess.playlist.codes[sess.playlist.pos])
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// forward dials the player daemon's control socket, runs fn, and
// translates the result into the broker's OK/ERROR reply convention.
func (b *Broker) forward(fn func(*localclient.Client) (string, error)) (string, bool) {
	reply, _ := b.forwardOne(fn)
	return reply, false
}

func (b *Broker) forwardOne(fn func(*localclient.Client) (string, error)) (string, error) {
	c, err := localclient.Dial(b.ControlSocketPath)
	if err != nil {
		return "ERROR: player unavailable", err
	}
	defer c.Close()

	reply, err := fn(c)
	if err != nil {
		return "ERROR: " + err.Error(), err
	}
	if !strings.HasPrefix(reply, "OK") {
		return reply, fmt.Errorf("player: %s", reply)
	}
	return reply, nil
}

// recordCommand logs every dispatched command and records its metric,
// except PLAY which handlePlay already records itself (at the point
// the authorization gate resolves, not at command-line granularity).
func (b *Broker) recordCommand(ctx context.Context, sess *session, name, reply string, d time.Duration) {
	if name == "" {
		return
	}
	outcome := outcomeLabel(strings.HasPrefix(reply, "OK"))
	if b.Metrics != nil && name != "PLAY" {
		b.Metrics.RecordBrokerCommand(ctx, name, outcome, d)
	}
	middleware.LogCommand(b.Logger, sess.id, sess.remoteAddr, name, outcome, d.Milliseconds())
}

func outcomeLabel(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}

func authOutcome(err error) string {
	switch err {
	case token.ErrMalformed, token.ErrMalformedPayload:
		return "malformed"
	case token.ErrInvalidSignature:
		return "invalid_signature"
	case token.ErrExpired:
		return "expired"
	default:
		return "error"
	}
}

func splitCommand(line string) (name, arg string) {
	parts := strings.SplitN(line, " ", 2)
	name = strings.ToUpper(parts[0])
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return name, arg
}

func commandName(line string) string {
	name, _ := splitCommand(line)
	return name
}

// newSessionID mints a random per-connection session identifier for
// the session cache and audit trail.
func newSessionID() string {
	buf := make([]byte, 16)
	if _, err := cryptorand.Read(buf); err != nil {
		// crypto/rand failing indicates a broken host; a degraded,
		// still-unique-enough id is better than panicking the broker.
		return fmt.Sprintf("sess-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// DetectDeviceID resolves this host's hardware-bound identifier once
// at daemon startup, per C1.
func DetectDeviceID(log *logrus.Logger) string {
	return hardware.DevID(log)
}
