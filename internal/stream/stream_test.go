package stream

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kenchrcum/abby/internal/aead"
	"github.com/kenchrcum/abby/internal/container"
	"github.com/kenchrcum/abby/internal/keyderiv"
)

func writeTestTrack(t *testing.T, devID string, plaintext []byte) string {
	t.Helper()
	k := keyderiv.Derive(devID)
	defer k.Destroy()
	cipher, err := aead.New(k.Bytes())
	if err != nil {
		t.Fatalf("aead.New: %v", err)
	}

	path := filepath.Join(t.TempDir(), "track.abby")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := container.Encode(f, bytes.NewReader(plaintext), cipher); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return path
}

func readAll(t *testing.T, a *Adapter) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	stalls := 0
	for {
		n, err := a.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		if n == 0 {
			stalls++
			if stalls > 100 {
				t.Fatalf("too many empty reads without progress")
			}
			continue
		}
		stalls = 0
		if int64(len(out)) >= a.totalBytes() {
			return out
		}
	}
}

func TestAdapterReadsFullTrack(t *testing.T) {
	plaintext := bytes.Repeat([]byte("q"), container.ChunkSize*2+321)
	path := writeTestTrack(t, "MACHINE_stream", plaintext)

	a, err := Open(path, "MACHINE_stream")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	out := readAll(t, a)
	if !bytes.Equal(out, plaintext) {
		t.Fatalf("adapter output mismatch: got %d bytes, want %d", len(out), len(plaintext))
	}
}

func TestAdapterSeekFastPath(t *testing.T) {
	plaintext := bytes.Repeat([]byte("m"), container.ChunkSize*3)
	path := writeTestTrack(t, "MACHINE_seek", plaintext)

	a, err := Open(path, "MACHINE_seek")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	// Give the producer a moment to buffer chunk 0 before seeking
	// within it.
	a.buf.WaitForNonEmpty(time.Second)

	got, err := a.Seek(10, io.SeekStart)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got != 10 {
		t.Fatalf("expected seek to report offset 10, got %d", got)
	}

	buf := make([]byte, 5)
	n, err := a.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("Read after seek: %v", err)
	}
	if n != 5 || !bytes.Equal(buf, plaintext[10:15]) {
		t.Fatalf("expected plaintext[10:15] after seek, got %q (n=%d)", buf[:n], n)
	}
}

func TestAdapterSeekFastPathWithinBufferedRangeSkipsProducerRestart(t *testing.T) {
	plaintext := bytes.Repeat([]byte("p"), container.ChunkSize*8)
	path := writeTestTrack(t, "MACHINE_seek3", plaintext)

	a, err := Open(path, "MACHINE_seek3")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	// Let the producer run ahead until chunk 4 is buffered somewhere
	// other than the front, so the seek below must pop preceding
	// entries rather than hit the simple front-entry case.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if front, back, ok := a.buf.BufferedRange(); ok && back >= 4 && front < 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("producer never buffered far enough ahead for the test")
		}
		a.buf.WaitForNonEmpty(50 * time.Millisecond)
	}

	if _, pending := a.buf.PendingSeek(); pending {
		t.Fatalf("buffer had an unexpected pending seek before the test's own Seek call")
	}

	target := int64(container.ChunkSize) * 4
	got, err := a.Seek(target, io.SeekStart)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got != target {
		t.Fatalf("expected seek offset %d, got %d", target, got)
	}

	// A fast-path seek never calls RequestSeek, so no seek should ever
	// become pending as a result of this call - the producer keeps
	// running forward without repositioning or restarting.
	if _, pending := a.buf.PendingSeek(); pending {
		t.Fatalf("expected no pending seek after a fast-path seek within the buffered range")
	}
	if front, _, ok := a.buf.BufferedRange(); !ok || front != 4 {
		t.Fatalf("expected fast-path seek to leave chunk 4 at the buffer front, got front=%d ok=%v", front, ok)
	}

	buf := make([]byte, 10)
	n, err := a.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("Read after seek: %v", err)
	}
	if n != 10 || !bytes.Equal(buf, plaintext[target:target+10]) {
		t.Fatalf("expected plaintext at seek target, got %q (n=%d)", buf[:n], n)
	}
}

func TestAdapterSeekSlowPath(t *testing.T) {
	plaintext := bytes.Repeat([]byte("n"), container.ChunkSize*4)
	path := writeTestTrack(t, "MACHINE_seek2", plaintext)

	a, err := Open(path, "MACHINE_seek2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	target := int64(container.ChunkSize) * 3
	got, err := a.Seek(target, io.SeekStart)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got != target {
		t.Fatalf("expected seek offset %d, got %d", target, got)
	}

	buf := make([]byte, 10)
	n, _ := a.Read(buf)
	if n != 10 || !bytes.Equal(buf, plaintext[target:target+10]) {
		t.Fatalf("expected bytes at seek target, got %q (n=%d)", buf[:n], n)
	}
}

func TestAdapterSeekClampsOutOfRange(t *testing.T) {
	plaintext := bytes.Repeat([]byte("o"), container.ChunkSize)
	path := writeTestTrack(t, "MACHINE_clamp", plaintext)

	a, err := Open(path, "MACHINE_clamp")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	got, err := a.Seek(1<<40, io.SeekStart)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got != a.totalBytes() {
		t.Fatalf("expected clamp to total bytes %d, got %d", a.totalBytes(), got)
	}
}
