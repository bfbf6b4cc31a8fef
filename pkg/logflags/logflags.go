package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var tunnel = false
var tracker = false
var rln = false
var modules = false
var dap = false
var peer = false
var console = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = DefaultFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

// makeFlaggableLogger returns a logger that only reports errors unless
// its layer was selected with --log-output.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Tunnel returns true if the sync session should be logged.
func Tunnel() bool {
	return tunnel
}

// TunnelLogger returns a logger for the tunnel package.
func TunnelLogger() Logger {
	return makeFlaggableLogger(tunnel, Fields{"layer": "tunnel"})
}

// Tracker returns true if location tracking should be logged.
func Tracker() bool {
	return tracker
}

// TrackerLogger returns a logger for the tracker package.
func TrackerLogger() Logger {
	return makeFlaggableLogger(tracker, Fields{"layer": "tracker"})
}

// RlnLogger returns a logger for remote queries.
func RlnLogger() Logger {
	return makeFlaggableLogger(rln, Fields{"layer": "rln"})
}

// ModulesLogger returns a logger for module resolution.
func ModulesLogger() Logger {
	return makeFlaggableLogger(modules, Fields{"layer": "modules"})
}

// DAP returns true if the DAP host should log every forwarded message.
func DAP() bool {
	return dap
}

// DAPLogger returns a logger for the dap host.
func DAPLogger() Logger {
	return makeFlaggableLogger(dap, Fields{"layer": "dap"})
}

// PeerLogger returns a logger for the development peer.
func PeerLogger() Logger {
	return makeFlaggableLogger(peer, Fields{"layer": "peer"})
}

// ConsoleLogger returns a logger for the interactive console.
func ConsoleLogger() Logger {
	return makeFlaggableLogger(console, Fields{"layer": "console"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "dlvsync-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	} else {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			textFormatterInstance.color = true
			logOut = nopCloser{colorable.NewColorableStderr()}
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "tunnel"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "tunnel":
			tunnel = true
		case "tracker":
			tracker = true
		case "rln":
			rln = true
		case "modules":
			modules = true
		case "dap":
			dap = true
		case "peer":
			peer = true
		case "console":
			console = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'dlvsync help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
