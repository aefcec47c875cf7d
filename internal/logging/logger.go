package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var root = newRoot()

// Per-subsystem loggers. Each carries a "component" field.
var (
	Internal = component("internal")
	HTTP     = component("http")
	Store    = component("store")
	Turbo    = component("turbo")
	Bucket   = component("bucket")
	Drive    = component("drive")
	Wallet   = component("wallet")
	Gateway  = component("gateway")
)

// Options controls log level, format and optional file rotation.
type Options struct {
	Level      string // debug, info, warn, error
	JSON       bool
	File       string // when set, logs are also written here with rotation
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

func component(name string) *logrus.Entry {
	return root.WithField("component", name)
}

// Configure applies opts to every subsystem logger. The returned closer
// flushes the rotating file, if any.
func Configure(opts Options) (io.Closer, error) {
	level := logrus.InfoLevel
	if s := strings.TrimSpace(opts.Level); s != "" {
		parsed, err := logrus.ParseLevel(s)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	root.SetLevel(level)

	if opts.JSON {
		root.SetFormatter(&logrus.JSONFormatter{})
	} else {
		root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if opts.File == "" {
		root.SetOutput(os.Stdout)
		return nopCloser{}, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 50),
		MaxBackups: orDefault(opts.MaxBackups, 5),
		MaxAge:     orDefault(opts.MaxAgeDays, 14),
	}
	root.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return rotator, nil
}

// SetOutput redirects all subsystem loggers, mostly for tests.
func SetOutput(w io.Writer) {
	root.SetOutput(w)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
