package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/abby/internal/container"
	"github.com/kenchrcum/abby/internal/decryptor"
	"github.com/kenchrcum/abby/internal/stream"
)

// availableShaders stands in for the GPU visualizer's shader catalog,
// which is out of scope for this repository; shader next/prev/<name>
// only ever changes this in-memory selection.
var availableShaders = []string{"spectrum", "waveform", "particles"}

// player owns the single track an abbyd process may have open at a
// time: the streaming adapter, a background consumer that drains it
// (standing in for the out-of-scope audio sink), and the playback
// state reported by STATUS.
type player struct {
	mu sync.Mutex

	devID  string
	logger *logrus.Logger

	adapter *stream.Adapter
	path    string
	paused  bool
	volume  float64

	visualsOn bool
	shaderIdx int

	consumeDone chan struct{}
}

func newPlayer(devID string, logger *logrus.Logger) *player {
	return &player{devID: devID, logger: logger, volume: 1.0}
}

// Play stops any currently open track and opens path fresh.
func (p *player) Play(path string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeLocked()

	adapter, err := stream.Open(path, p.devID)
	if err != nil {
		p.logger.WithError(err).WithField("path", path).Warn("failed to open track")
		return "ERROR: Failed to start playback"
	}

	p.adapter = adapter
	p.path = path
	p.paused = false
	p.consumeDone = make(chan struct{})
	go p.consume(adapter, p.consumeDone)

	return "OK"
}

// consume stands in for the audio sink: it pulls bytes off the adapter
// at a steady cadence so the producer keeps decrypting, until the
// track ends, fails authentication, or is stopped out from under it.
func (p *player) consume(adapter *stream.Adapter, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 4096)
	for {
		p.mu.Lock()
		paused := p.paused
		current := p.adapter
		p.mu.Unlock()
		if current != adapter {
			return
		}
		if paused {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		_, err := adapter.Read(buf)
		if err == io.EOF {
			return
		}
	}
}

func (p *player) Stop() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return "OK"
}

func (p *player) closeLocked() {
	if p.adapter == nil {
		return
	}
	p.adapter.Close()
	if p.consumeDone != nil {
		<-p.consumeDone
	}
	p.adapter = nil
	p.path = ""
}

func (p *player) Pause() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.adapter == nil {
		return "ERROR: nothing playing"
	}
	p.paused = true
	return "OK"
}

func (p *player) Resume() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.adapter == nil {
		return "ERROR: nothing playing"
	}
	p.paused = false
	return "OK"
}

func (p *player) Seek(arg string) string {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if err != nil {
		return "ERROR: invalid seek offset"
	}
	p.mu.Lock()
	adapter := p.adapter
	p.mu.Unlock()
	if adapter == nil {
		return "ERROR: nothing playing"
	}
	// Each full container chunk holds one second of audio
	// (container.ChunkSize plaintext bytes), so seconds scales to a
	// byte offset in the adapter's plaintext stream.
	if _, err := adapter.Seek(int64(seconds*container.ChunkSize), stream.SeekStart); err != nil {
		return "ERROR: " + err.Error()
	}
	return "OK"
}

func (p *player) Volume(arg string) string {
	arg = strings.TrimSpace(arg)
	p.mu.Lock()
	defer p.mu.Unlock()
	if arg == "" {
		return fmt.Sprintf("OK %s", strconv.FormatFloat(p.volume, 'f', 2, 64))
	}
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil || v < 0 || v > 1 {
		return "ERROR: invalid volume"
	}
	p.volume = v
	return "OK"
}

func (p *player) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.adapter == nil {
		return "OK state=stopped"
	}

	state := "playing"
	if p.paused {
		state = "paused"
	}
	status, statusErr := p.adapter.Err()
	errText := ""
	select {
	case <-p.consumeDone:
		if statusErr != nil || status == decryptor.StatusAuthFailed {
			state = "failed"
			errText = " error=\"Decryption Failed: Authentication Error\""
		} else {
			state = "stopped"
		}
	default:
	}

	return fmt.Sprintf("OK state=%s path=%s volume=%s%s", state, p.path, strconv.FormatFloat(p.volume, 'f', 2, 64), errText)
}

func (p *player) Visuals(arg string) string {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "start":
		p.mu.Lock()
		p.visualsOn = true
		p.mu.Unlock()
		return "OK"
	case "stop":
		p.mu.Lock()
		p.visualsOn = false
		p.mu.Unlock()
		return "OK"
	case "status":
		p.mu.Lock()
		on := p.visualsOn
		p.mu.Unlock()
		if on {
			return "OK running"
		}
		return "OK stopped"
	default:
		return "ERROR: expected start|stop|status"
	}
}

func (p *player) Shader(arg string) string {
	arg = strings.TrimSpace(arg)
	p.mu.Lock()
	defer p.mu.Unlock()

	switch arg {
	case "next":
		p.shaderIdx = (p.shaderIdx + 1) % len(availableShaders)
	case "prev":
		p.shaderIdx = (p.shaderIdx - 1 + len(availableShaders)) % len(availableShaders)
	default:
		found := false
		for i, name := range availableShaders {
			if name == arg {
				p.shaderIdx = i
				found = true
				break
			}
		}
		if !found {
			return "ERROR: unknown shader"
		}
	}
	return "OK " + availableShaders[p.shaderIdx]
}
