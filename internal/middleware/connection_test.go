package middleware

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestRecoverConnSwallowsPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	func() {
		defer RecoverConn(logger, "127.0.0.1:1234")
		panic("boom")
	}()

	if buf.Len() == 0 {
		t.Error("expected panic to be logged")
	}
}

func TestLogCommandWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	LogCommand(logger, "sess-1", "127.0.0.1:1234", "PLAY", "ok", 5)

	if !bytes.Contains(buf.Bytes(), []byte(`"command":"PLAY"`)) {
		t.Errorf("expected log output to contain command field, got %s", buf.String())
	}
}
