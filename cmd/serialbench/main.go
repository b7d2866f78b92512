// Command serialbench is the two-subcommand driver around the session
// engine. It embeds the protocol core over a real RS-232 port opened via
// go.bug.st/serial.
//
// Usage:
//
//	serialbench client [--log-level LEVEL] [--log-format FORMAT] <port> <baud> <payload_size> <frame_count>
//	serialbench server [--log-level LEVEL] [--log-format FORMAT] <port> <baud>
//
// Flags must come before the positional arguments.
//
// Exit status is 0 on clean completion of all phases, 1 on any fatal error.
// Logs are appended to a timestamped file named by role and port.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/serialarq/linkbench/duplex/serialport"
	"github.com/serialarq/linkbench/logger"
	"github.com/serialarq/linkbench/session"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "serialbench:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: serialbench client|server <port> <baud> [payload_size frame_count]")
	}

	role := args[0]

	switch role {
	case "client":
		return runClient(args[1:])
	case "server":
		return runServer(args[1:])
	default:
		return fmt.Errorf("unknown subcommand %q: want client or server", role)
	}
}

func runClient(args []string) error {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "console", "log format: console or json")

	if err := fs.Parse(args); err != nil {
		return err
	}

	pos := fs.Args()
	if len(pos) != 4 {
		return fmt.Errorf("usage: serialbench client <port> <baud> <payload_size> <frame_count>")
	}

	portName := pos[0]

	baud, err := strconv.Atoi(pos[1])
	if err != nil {
		return fmt.Errorf("invalid baud %q: %w", pos[1], err)
	}

	payloadSize, err := strconv.ParseUint(pos[2], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid payload_size %q: %w", pos[2], err)
	}

	frameCount, err := strconv.ParseUint(pos[3], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid frame_count %q: %w", pos[3], err)
	}

	log, closeLog, err := openRunLog("client", portName, *logLevel, *logFormat)
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := session.NewConfig(session.Master, baud,
		session.WithPayloadSize(uint32(payloadSize)),
		session.WithFrameCount(uint32(frameCount)),
		session.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return runSession(cfg, portName, log)
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "console", "log format: console or json")

	if err := fs.Parse(args); err != nil {
		return err
	}

	pos := fs.Args()
	if len(pos) != 2 {
		return fmt.Errorf("usage: serialbench server <port> <baud>")
	}

	portName := pos[0]

	baud, err := strconv.Atoi(pos[1])
	if err != nil {
		return fmt.Errorf("invalid baud %q: %w", pos[1], err)
	}

	log, closeLog, err := openRunLog("server", portName, *logLevel, *logFormat)
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := session.NewConfig(session.Slave, baud,
		session.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return runSession(cfg, portName, log)
}

func runSession(cfg *session.Config, portName string, log logger.Logger) error {
	port, err := serialport.Open(portName, cfg.BaudRate())
	if err != nil {
		return fmt.Errorf("open port: %w", err)
	}
	defer func() { _ = port.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exitSig := make(chan os.Signal, 1)
	signal.Notify(exitSig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-exitSig
		log.Info("exit signal received")
		cancel()
	}()

	sess := session.New(cfg, port)

	if err := sess.Run(ctx); err != nil {
		log.Error("session failed", "error", err)

		return err
	}

	self, peer := sess.Results()
	log.Info("session complete",
		"selfReceivedBytes", self.TotalReceivedBytes,
		"selfReceivedCount", self.ReceivedCount,
		"selfErrorCount", self.ErrorCount,
		"selfRetransmitCount", self.RetransmitCount,
		"selfThroughputMBPerSec", self.ThroughputMBPerSec,
		"peerReceivedBytes", peer.TotalReceivedBytes,
		"peerReceivedCount", peer.ReceivedCount,
		"peerErrorCount", peer.ErrorCount,
		"peerRetransmitCount", peer.RetransmitCount,
		"peerThroughputMBPerSec", peer.ThroughputMBPerSec,
	)

	return nil
}

// openRunLog opens (creating if needed) a timestamped log file named by role
// and port, returning a Logger writing to it and a closer.
func openRunLog(role, portName, level, format string) (logger.Logger, func(), error) {
	safePort := filepath.Base(portName)
	name := fmt.Sprintf("serialbench-%s-%s-%s.log", role, safePort, time.Now().Format("20060102-150405"))

	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	lvl := parseLevel(level)
	log := logger.NewSlogTo(f, lvl, false, format)

	return log, func() { _ = f.Close() }, nil
}

func parseLevel(s string) logger.Level {
	switch s {
	case "debug":
		return logger.DebugLevel
	case "warn":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}
