package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/abby/internal/config"
	"github.com/kenchrcum/abby/internal/debug"
	"github.com/kenchrcum/abby/internal/hardware"
	"github.com/kenchrcum/abby/internal/metrics"
	"github.com/kenchrcum/abby/internal/middleware"
	"github.com/kenchrcum/abby/internal/tracing"
)

// connTimeout bounds how long the daemon waits for a command line
// before closing an idle control-socket connection.
const connTimeout = 10 * time.Second

// runDaemon loads configuration, wires the ambient stack, and serves
// the local control socket until ctx is canceled.
func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("abbyd: %w", err)
	}

	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	debug.InitFromLogLevel(cfg.LogLevel)
	if debug.Enabled() {
		logger.SetLevel(logrus.DebugLevel)
	}

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:  cfg.Tracing.Enabled,
		Exporter: cfg.Tracing.Exporter,
		Endpoint: cfg.Tracing.Endpoint,
		Service:  cfg.Tracing.Service,
	})
	if err != nil {
		return fmt.Errorf("abbyd: tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	m := metrics.New()
	m.RecordHardwareAcceleration()
	stop := make(chan struct{})
	defer close(stop)
	m.StartRuntimeCollector(5*time.Second, stop)

	devID := hardware.DevID(logger)
	if hardware.IsFallback(devID) {
		logger.Warn("using fallback device id - no stable hardware identifier found")
	}

	p := newPlayer(devID, logger)

	if err := os.RemoveAll(cfg.ControlSocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("abbyd: clearing stale control socket: %w", err)
	}
	ln, err := net.Listen("unix", cfg.ControlSocketPath)
	if err != nil {
		return fmt.Errorf("abbyd: listen on control socket: %w", err)
	}
	defer ln.Close()

	go serveAdmin(cfg.AdminListenAddr, logger, m)

	logger.WithFields(logrus.Fields{
		"control_socket": cfg.ControlSocketPath,
		"device_id":      devID,
	}).Info("abbyd listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

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
		go handleControlConn(conn, p, logger)
	}
}

func handleControlConn(conn net.Conn, p *player, logger *logrus.Logger) {
	remoteAddr := "local"
	defer middleware.RecoverConn(logger, remoteAddr)
	defer conn.Close()

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
		reply, quit := dispatchControl(p, cmd)
		middleware.LogCommand(logger, "local", remoteAddr, commandName(cmd), outcomeLabel(reply), time.Since(start).Milliseconds())

		if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
			return
		}
		if quit {
			return
		}
	}
}

func dispatchControl(p *player, line string) (reply string, quit bool) {
	name, arg := splitCommand(line)

	switch name {
	case "play":
		return p.Play(arg), false
	case "stop":
		return p.Stop(), false
	case "pause":
		return p.Pause(), false
	case "resume":
		return p.Resume(), false
	case "seek":
		return p.Seek(arg), false
	case "volume":
		return p.Volume(arg), false
	case "status":
		return p.Status(), false
	case "visuals":
		return p.Visuals(arg), false
	case "shader":
		return p.Shader(arg), false
	case "quit":
		p.Stop()
		return "OK", true
	default:
		return "UNKNOWN COMMAND", false
	}
}

func splitCommand(line string) (name, arg string) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
	name = strings.ToLower(parts[0])
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return name, arg
}

func commandName(line string) string {
	name, _ := splitCommand(line)
	return name
}

func outcomeLabel(reply string) string {
	if strings.HasPrefix(reply, "OK") {
		return "ok"
	}
	return "error"
}

// serveAdmin exposes /health, /ready, /live, /metrics alongside the
// control socket, mirroring the connector's admin server.
func serveAdmin(addr string, logger *logrus.Logger, m *metrics.Metrics) {
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))
	r.Use(middleware.RecoveryMiddleware(logger))
	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", metrics.ReadinessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	logger.WithField("addr", addr).Info("abbyd admin server listening")
	if err := http.ListenAndServe(addr, r); err != nil {
		logger.WithError(err).Warn("admin server stopped")
	}
}
