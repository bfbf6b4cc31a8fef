package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"

	"github.com/go-delve/dlvsync/pkg/config"
	"github.com/go-delve/dlvsync/pkg/logflags"
	"github.com/go-delve/dlvsync/pkg/rln"
	"github.com/go-delve/dlvsync/pkg/tracker"
)

const (
	historyFile                 string = ".dlvsync_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
	ansiBlue                           = 34
)

// Term represents the console running dlvsync.
type Term struct {
	tracker *tracker.Tracker
	query   *rln.Query
	conf    *config.Config
	prompt  string
	line    *liner.State
	cmds    *Commands
	dumb    bool
	stdout  io.Writer
	log     logflags.Logger
}

// New returns a new Term.
func New(tr *tracker.Tracker, q *rln.Query, conf *config.Config) *Term {
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	var w io.Writer = os.Stdout
	if !dumb {
		w = colorable.NewColorableStdout()
	}
	t := newTerm(tr, q, conf, w)
	t.dumb = dumb
	t.line = liner.NewLiner()
	return t
}

func newTerm(tr *tracker.Tracker, q *rln.Query, conf *config.Config, w io.Writer) *Term {
	if conf == nil {
		conf = config.Default()
	}
	cmds := SyncCommands()
	if conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	return &Term{
		tracker: tr,
		query:   q,
		conf:    conf,
		prompt:  "(dlvsync) ",
		cmds:    cmds,
		dumb:    true,
		stdout:  w,
		log:     logflags.ConsoleLogger(),
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

// Run begins running the console. It returns when the user exits or the
// input ends, after closing the sync session.
func (t *Term) Run() (int, error) {
	defer t.Close()
	defer t.tracker.Close()

	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(t.cmds.Complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == liner.ErrPromptAborted {
				continue
			}
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit(fullHistoryFile)
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit(fullHistoryFile)
			}
			t.log.WithError(err).Debugf("command %q", cmdstr)
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit(fullHistoryFile string) (int, error) {
	if fullHistoryFile != "" {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_TRUNC, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}
	return 0, nil
}

// Println prints a line to the terminal, highlighting prefix.
func (t *Term) Println(prefix, str string) {
	if !t.dumb {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, ansiBlue)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) printLocation() error {
	base, offset, ok := t.tracker.Location()
	if !ok {
		if tun := t.tracker.Tunnel(); tun == nil || !tun.IsUp() {
			t.Println("location: ", "sync session is down")
			return nil
		}
		t.Println("location: ", "<unknown>")
		return nil
	}
	t.Println("location: ", fmt.Sprintf("%s (base %s, +%#x)", offset, base, uint64(offset-base)))
	return nil
}
