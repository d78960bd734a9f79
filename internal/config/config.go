package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rudransh-shrivastava/nearby/internal/logger"
	"github.com/rudransh-shrivastava/nearby/internal/transport"
)

const (
	TransportLoopback    = "loopback"
	TransportLAN         = "lan"
	TransportUnsupported = "unsupported"
)

var (
	ErrInvalidName      = errors.New("local name must not be empty")
	ErrInvalidServiceID = errors.New("service id must not be empty")
	ErrInvalidTransport = errors.New("unknown transport")
	ErrInvalidSize      = errors.New("size must be positive")
)

type Config struct {
	LocalName string
	ServiceID string
	Strategy  string
	Transport string
	LogLevel  string

	ReceiveDir     string
	ChunkSize      int
	StreamCapacity int
	ReadBufferSize int

	ListenAddr     string
	BeaconPort     int
	BeaconInterval time.Duration

	MetricsAddr string
}

func Default() Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "nearby"
	}
	return Config{
		LocalName:      host,
		ServiceID:      "nearby.default",
		Strategy:       transport.Star.String(),
		Transport:      TransportLAN,
		LogLevel:       "info",
		ReceiveDir:     filepath.Join(os.TempDir(), "nearby"),
		ChunkSize:      32 * 1024,
		StreamCapacity: 64,
		ReadBufferSize: 1024,
		ListenAddr:     ":0",
		BeaconPort:     47474,
		BeaconInterval: time.Second,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.LocalName) == "" {
		return ErrInvalidName
	}
	if strings.TrimSpace(c.ServiceID) == "" {
		return ErrInvalidServiceID
	}
	if _, err := transport.ParseStrategy(c.Strategy); err != nil {
		return err
	}
	switch c.Transport {
	case TransportLoopback, TransportLAN, TransportUnsupported:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Transport)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size: %w", ErrInvalidSize)
	}
	if c.StreamCapacity <= 0 {
		return fmt.Errorf("stream capacity: %w", ErrInvalidSize)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read buffer: %w", ErrInvalidSize)
	}
	if c.Transport == TransportLAN {
		if c.BeaconPort <= 0 || c.BeaconPort > 65535 {
			return fmt.Errorf("beacon port %d out of range", c.BeaconPort)
		}
		if c.BeaconInterval <= 0 {
			return fmt.Errorf("beacon interval: %w", ErrInvalidSize)
		}
	}
	return nil
}

// ParsedStrategy returns the configured strategy, falling back to Star.
func (c Config) ParsedStrategy() transport.Strategy {
	s, _ := transport.ParseStrategy(c.Strategy)
	return s
}

func (c Config) Level() slog.Level {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}
