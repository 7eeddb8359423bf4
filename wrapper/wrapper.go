// Package wrapper drives an interactive AI CLI inside a pty, tracks its UI
// state, and republishes its output as structured events.
package wrapper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"codex-loop/log"
	"codex-loop/machine"
	"codex-loop/parse"
	"codex-loop/server"
	"codex-loop/session"
	"codex-loop/terminal"
)

// Sink receives every broadcast event. Sinks must not block; fan-out to
// slow consumers is each sink's problem.
type Sink interface {
	Broadcast(v any)
}

// Options configure a Wrapper.
type Options struct {
	// Program is the command to wrap, with its arguments.
	Program string
	Args    []string
	// Width and Height are the pty dimensions, fixed at spawn.
	Width  int
	Height int
	// SocketPath, when non-empty, enables the unix-socket client server.
	SocketPath string
	// PromptTerminators are the strings a trailing line may end with to
	// count as a prompt.
	PromptTerminators []string
	// HistoryLimit caps the snapshot and transition histories.
	HistoryLimit int
	// AutostartInput, when non-empty, is sent to the session as the first
	// input line right after it starts.
	AutostartInput string
}

// OutputEvent is broadcast for every processed output chunk.
type OutputEvent struct {
	Type            string                  `json:"type"`
	Content         string                  `json:"content"`
	ParsedData      parse.ParsedOutput      `json:"parsed_data"`
	State           string                  `json:"state"`
	TerminalChanges []terminal.ChangeRegion `json:"terminal_changes"`
}

// InputEvent echoes every accepted input line.
type InputEvent struct {
	Type       string            `json:"type"`
	Content    string            `json:"content"`
	ParsedData parse.ParsedInput `json:"parsed_data"`
	State      string            `json:"state"`
}

// Wrapper owns the child session, the snapshot history, and the state
// machine. All three are mutated either on the reader goroutine or under mu;
// SendInput and Quit are safe to call from any goroutine.
type Wrapper struct {
	opts   Options
	parser *parse.Parser

	mu      sync.Mutex
	machine *machine.Machine
	history *terminal.History

	sess *session.Session
	srv  *server.Server

	sinks  []Sink
	events chan any

	ctx    context.Context
	cancel context.CancelFunc

	quitOnce sync.Once
}

// New builds an unstarted wrapper.
func New(opts Options) *Wrapper {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Wrapper{
		opts:    opts,
		parser:  parse.NewParser(),
		machine: machine.New(opts.HistoryLimit),
		history: terminal.NewHistory(opts.HistoryLimit),
		events:  make(chan any, 256),
		ctx:     ctx,
		cancel:  cancel,
	}
	if opts.SocketPath != "" {
		w.srv = server.New(opts.SocketPath, w)
		w.sinks = append(w.sinks, w.srv)
	}
	return w
}

// AddSink registers an additional event consumer. Must be called before
// Start.
func (w *Wrapper) AddSink(s Sink) {
	w.sinks = append(w.sinks, s)
}

// Parser returns the output parser, so callers can register extra tool-call
// syntaxes before Start.
func (w *Wrapper) Parser() *parse.Parser {
	return w.parser
}

// Start spawns the wrapped program, the pty reader, and the event fan-out,
// and binds the client socket if one is configured. A spawn failure is
// fatal: it is returned once and nothing is left running.
func (w *Wrapper) Start() error {
	sess, err := session.Start(w.opts.Program, w.opts.Args, w.opts.Width, w.opts.Height)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	w.sess = sess

	if w.srv != nil {
		if err := w.srv.Start(); err != nil {
			_ = sess.Terminate()
			return fmt.Errorf("failed to start socket server: %w", err)
		}
	}

	go w.readLoop()
	go w.fanout()

	if w.opts.AutostartInput != "" {
		if err := w.SendInput(w.opts.AutostartInput); err != nil {
			log.WarningLog.Printf("autostart input failed: %v", err)
		}
	}
	return nil
}

// readLoop reads pty output until the child exits and feeds every chunk
// through diff, parse, state transition, and broadcast, in read order.
func (w *Wrapper) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := w.sess.Read(buf)
		if n > 0 {
			w.processChunk(string(buf[:n]))
		}
		if err != nil {
			// EOF, or EIO once the child side of the pty is gone. Either
			// way the session is over; is_alive flips via the session's
			// wait goroutine and status replies reflect it.
			select {
			case <-w.ctx.Done():
			default:
				log.FileOnlyInfoLog.Printf("pty read ended: %v", err)
			}
			return
		}
	}
}

// fanout delivers events to every sink on its own goroutine, keeping the
// reader free of client concerns.
func (w *Wrapper) fanout() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev := <-w.events:
			for _, s := range w.sinks {
				s.Broadcast(ev)
			}
		}
	}
}

func (w *Wrapper) emit(ev any) {
	select {
	case w.events <- ev:
	case <-w.ctx.Done():
	}
}

// processChunk runs one output chunk through the pipeline.
func (w *Wrapper) processChunk(chunk string) {
	w.mu.Lock()
	prev := w.history.Last()
	curr := w.history.Append(chunk)
	changes := curr.Diff(prev)

	for _, change := range changes {
		sig := w.deriveSignal(terminal.StripANSI(change.Content))
		if action, ok := w.machine.Transition(sig); ok {
			log.FileOnlyInfoLog.Printf("signal %s -> state %s (%s)", sig, w.machine.State(), action)
		}
	}

	// Parse only the new segment; the full buffer was already parsed in
	// earlier chunks.
	parsed := w.parser.ParseOutput(chunk)
	if parsed.HasTools {
		if action, ok := w.machine.Transition(machine.SignalToolDetected); ok {
			log.FileOnlyInfoLog.Printf("tools detected -> state %s (%s)", w.machine.State(), action)
		}
	}
	state := w.machine.State().String()
	w.mu.Unlock()

	w.emit(OutputEvent{
		Type:            "output",
		Content:         chunk,
		ParsedData:      parsed,
		State:           state,
		TerminalChanges: changes,
	})
}

// deriveSignal maps new terminal content to a state-machine signal. The
// checks run in a fixed priority order so the same content in the same
// state always produces the same signal. Callers hold mu.
func (w *Wrapper) deriveSignal(content string) machine.Signal {
	st := w.machine.State()
	switch {
	case w.isPrompt(content):
		// A prompt while a response is in flight closes the response; a
		// prompt otherwise opens input capture.
		if st == machine.AwaitingResponse || st == machine.ProcessingTools {
			return machine.SignalResponseEnd
		}
		return machine.SignalPromptStart
	case strings.HasPrefix(strings.TrimSpace(content), "/"):
		return machine.SignalCommandStart
	case w.parser.ParseOutput(content).HasTools:
		return machine.SignalToolDetected
	case isResponseStart(content, w.isPrompt):
		return machine.SignalResponseStart
	case st == machine.AwaitingResponse:
		return machine.SignalResponseContinue
	default:
		return machine.SignalIdle
	}
}

// isPrompt reports whether content ends in a standalone prompt line. A
// terminator only counts when it follows a newline or is the entire
// content, which keeps prompt characters inside AI responses from matching
// most of the time. This heuristic is inherently ambiguous; see DESIGN.md.
func (w *Wrapper) isPrompt(content string) bool {
	stripped := strings.TrimRight(content, " \t\r\n")
	for _, term := range w.opts.PromptTerminators {
		if strings.HasSuffix(stripped, term) {
			if stripped == term || strings.Contains(content, "\n"+term) {
				return true
			}
		}
	}
	return false
}

// isResponseStart reports whether some line looks like the start of an AI
// response: a capitalized sentence on a line that is neither a prompt nor a
// command.
func isResponseStart(content string, isPrompt func(string) bool) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "/") || isPrompt(line) {
			continue
		}
		if len(line) >= 2 && line[0] >= 'A' && line[0] <= 'Z' && line[1] >= 'a' && line[1] <= 'z' {
			return true
		}
	}
	return false
}

// SendInput classifies one line of input, advances the state machine, and
// forwards non-command input to the child. Safe to call concurrently with
// the reader.
func (w *Wrapper) SendInput(text string) error {
	if w.sess == nil || !w.sess.IsAlive() {
		return errors.New("wrapped process is not running")
	}

	parsed := w.parser.ParseInput(text)

	var writeErr error
	var quitting bool
	w.mu.Lock()
	if parsed.Kind == parse.KindCommand {
		quitting, writeErr = w.handleCommandLocked(parsed)
	} else {
		w.machine.Transition(machine.SignalInputComplete)
		writeErr = w.sess.Write([]byte(text + "\n"))
	}
	state := w.machine.State().String()
	w.mu.Unlock()

	w.emit(InputEvent{
		Type:       "input",
		Content:    text,
		ParsedData: parsed,
		State:      state,
	})
	if quitting {
		w.Quit()
	}
	return writeErr
}

// handleCommandLocked dispatches a /command. /quit tears the session down;
// every other command, known or not, is passed through to the child
// verbatim so new child commands keep working without wrapper changes.
// Quit itself must run outside the mutex, so it is signaled to the caller.
func (w *Wrapper) handleCommandLocked(parsed parse.ParsedInput) (quit bool, err error) {
	w.machine.Transition(machine.SignalCommandStart)

	if strings.ToLower(parsed.CommandName) == "quit" {
		w.machine.Transition(machine.SignalQuitCommand)
		return true, nil
	}

	w.machine.Transition(machine.SignalOtherCommand)
	return false, w.sess.Write([]byte(parsed.Normalized + "\n"))
}

// Quit terminates the child, closes the socket, and stops the event
// fan-out. Idempotent.
func (w *Wrapper) Quit() {
	w.quitOnce.Do(func() {
		w.cancel()
		if w.sess != nil {
			if err := w.sess.Terminate(); err != nil {
				log.FileOnlyErrorLog.Printf("error terminating session: %v", err)
			}
		}
		if w.srv != nil {
			if err := w.srv.Stop(); err != nil {
				log.FileOnlyErrorLog.Printf("error stopping socket server: %v", err)
			}
		}
		log.FileOnlyInfoLog.Printf("wrapper stopped")
	})
}

// Done returns a channel closed when the wrapped child exits.
func (w *Wrapper) Done() <-chan struct{} {
	if w.sess == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return w.sess.Done()
}

// StateName returns the current UI state name.
func (w *Wrapper) StateName() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.machine.State().String()
}

// IsAlive reports whether the wrapped child is running.
func (w *Wrapper) IsAlive() bool {
	return w.sess != nil && w.sess.IsAlive()
}

// LineCount returns the line count of the latest snapshot.
func (w *Wrapper) LineCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last := w.history.Last(); last != nil {
		return last.LineCount
	}
	return 0
}
