package wrapper

import (
	"strings"
	"sync"
	"testing"
	"time"

	"codex-loop/log"
	"codex-loop/machine"
)

func init() {
	log.Initialize()
}

func testOptions() Options {
	return Options{
		Program:           "cat",
		Width:             80,
		Height:            24,
		PromptTerminators: []string{"codex>", ">>>", ">", "$", ":"},
		HistoryLimit:      100,
	}
}

// captureSink records every broadcast event.
type captureSink struct {
	mu     sync.Mutex
	events []any
}

func (c *captureSink) Broadcast(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, v)
}

func (c *captureSink) snapshot() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.events))
	copy(out, c.events)
	return out
}

func TestIsPrompt(t *testing.T) {
	w := New(testOptions())

	tests := []struct {
		name     string
		content  string
		expected bool
	}{
		{
			name:     "standalone generic prompt",
			content:  "> ",
			expected: true,
		},
		{
			name:     "named prompt after newline",
			content:  "Welcome to codex\ncodex> ",
			expected: true,
		},
		{
			name:     "shell prompt after newline",
			content:  "done\n$ ",
			expected: true,
		},
		{
			name:     "prompt character inside a sentence",
			content:  "the result of 3 > 2 is true",
			expected: false,
		},
		{
			name:     "plain text",
			content:  "Hello there",
			expected: false,
		},
		{
			name:     "empty content",
			content:  "",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.isPrompt(tt.content); got != tt.expected {
				t.Errorf("isPrompt(%q) = %v, want %v", tt.content, got, tt.expected)
			}
		})
	}
}

// driveTo applies signals to put the machine in a known state.
func driveTo(t *testing.T, w *Wrapper, signals ...machine.Signal) {
	t.Helper()
	for _, sig := range signals {
		if _, ok := w.machine.Transition(sig); !ok {
			t.Fatalf("no edge for (%s, %s)", w.machine.State(), sig)
		}
	}
}

func TestDeriveSignal(t *testing.T) {
	tests := []struct {
		name     string
		setup    []machine.Signal
		content  string
		expected machine.Signal
	}{
		{
			name:     "prompt while idle starts prompting",
			content:  "\ncodex> ",
			expected: machine.SignalPromptStart,
		},
		{
			name:     "prompt while awaiting response ends it",
			setup:    []machine.Signal{machine.SignalPromptStart, machine.SignalInputComplete},
			content:  "\ncodex> ",
			expected: machine.SignalResponseEnd,
		},
		{
			name:     "prompt while processing tools ends the response",
			setup:    []machine.Signal{machine.SignalPromptStart, machine.SignalInputComplete, machine.SignalToolDetected},
			content:  "\n> ",
			expected: machine.SignalResponseEnd,
		},
		{
			name:     "slash content is a command",
			content:  "/compact",
			expected: machine.SignalCommandStart,
		},
		{
			name:     "tool marker wins over response heuristics",
			setup:    []machine.Signal{machine.SignalPromptStart, machine.SignalInputComplete},
			content:  "working [EXEC: ls]",
			expected: machine.SignalToolDetected,
		},
		{
			name:     "capitalized sentence starts a response",
			setup:    []machine.Signal{machine.SignalPromptStart, machine.SignalInputComplete},
			content:  "Here is the plan",
			expected: machine.SignalResponseStart,
		},
		{
			name:     "lowercase continuation while awaiting response",
			setup:    []machine.Signal{machine.SignalPromptStart, machine.SignalInputComplete},
			content:  "...more output",
			expected: machine.SignalResponseContinue,
		},
		{
			name:     "unremarkable content while idle",
			content:  "...",
			expected: machine.SignalIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New(testOptions())
			driveTo(t, w, tt.setup...)
			if got := w.deriveSignal(tt.content); got != tt.expected {
				t.Errorf("deriveSignal(%q) = %s, want %s", tt.content, got, tt.expected)
			}
		})
	}
}

func TestProcessChunkPipeline(t *testing.T) {
	w := New(testOptions())
	sink := &captureSink{}
	w.AddSink(sink)
	go w.fanout()
	defer w.cancel()

	// First chunk: banner plus prompt. Initial region, prompt detected.
	w.processChunk("Welcome to codex\ncodex> ")

	if got := w.StateName(); got != "prompting" {
		t.Errorf("state after prompt = %q, want prompting", got)
	}
	if w.LineCount() != 2 {
		t.Errorf("LineCount = %d, want 2", w.LineCount())
	}

	waitFor(t, func() bool { return len(sink.snapshot()) >= 1 })
	ev, ok := sink.snapshot()[0].(OutputEvent)
	if !ok {
		t.Fatalf("event type %T", sink.snapshot()[0])
	}
	if ev.Type != "output" || ev.Content != "Welcome to codex\ncodex> " {
		t.Errorf("event = %+v", ev)
	}
	if len(ev.TerminalChanges) != 1 || ev.TerminalChanges[0].Kind != "initial" {
		t.Errorf("TerminalChanges = %+v", ev.TerminalChanges)
	}
	if ev.State != "prompting" {
		t.Errorf("event state = %q, want prompting", ev.State)
	}
}

func TestProcessChunkToolDetection(t *testing.T) {
	w := New(testOptions())
	go w.fanout()
	defer w.cancel()

	w.processChunk("\ncodex> ")
	driveTo(t, w, machine.SignalInputComplete)

	w.processChunk("Let me check. [EXEC: ls -la]")
	if got := w.StateName(); got != "processing_tools" {
		t.Errorf("state = %q, want processing_tools", got)
	}

	// The next prompt closes the response.
	w.processChunk("\ncodex> ")
	if got := w.StateName(); got != "idle" {
		t.Errorf("state = %q, want idle", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendInputBeforeStart(t *testing.T) {
	w := New(testOptions())
	if err := w.SendInput("hello"); err == nil {
		t.Error("expected error sending input before start")
	}
}

func TestWrapperWithRealSession(t *testing.T) {
	w := New(testOptions())
	sink := &captureSink{}
	w.AddSink(sink)

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Quit()

	if !w.IsAlive() {
		t.Fatal("IsAlive = false after start")
	}

	if err := w.SendInput("hello wrapper"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}

	// cat echoes the line back through the pty; we should see both the
	// input echo event and at least one output event.
	waitFor(t, func() bool {
		var haveInput, haveOutput bool
		for _, ev := range sink.snapshot() {
			switch e := ev.(type) {
			case InputEvent:
				if e.Content == "hello wrapper" {
					haveInput = true
				}
			case OutputEvent:
				if strings.Contains(e.Content, "hello wrapper") {
					haveOutput = true
				}
			}
		}
		return haveInput && haveOutput
	})

	w.Quit()
	waitFor(t, func() bool { return !w.IsAlive() })
}

func TestAutostartInput(t *testing.T) {
	opts := testOptions()
	opts.AutostartInput = "autostart line"
	w := New(opts)
	sink := &captureSink{}
	w.AddSink(sink)

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Quit()

	// The line is sent without any client attached; cat echoes it back.
	waitFor(t, func() bool {
		var haveInput, haveOutput bool
		for _, ev := range sink.snapshot() {
			switch e := ev.(type) {
			case InputEvent:
				if e.Content == "autostart line" {
					haveInput = true
				}
			case OutputEvent:
				if strings.Contains(e.Content, "autostart line") {
					haveOutput = true
				}
			}
		}
		return haveInput && haveOutput
	})
}

func TestQuitCommand(t *testing.T) {
	w := New(testOptions())
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Quit()

	if err := w.SendInput("/quit"); err != nil {
		t.Fatalf("SendInput(/quit): %v", err)
	}

	if got := w.StateName(); got != "quitting" {
		t.Errorf("state = %q, want quitting", got)
	}
	waitFor(t, func() bool { return !w.IsAlive() })
}

func TestOtherCommandPassthrough(t *testing.T) {
	w := New(testOptions())
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Quit()

	if err := w.SendInput("/compact"); err != nil {
		t.Fatalf("SendInput(/compact): %v", err)
	}
	// command_start then other_command leaves the machine back in idle.
	if got := w.StateName(); got != "idle" {
		t.Errorf("state = %q, want idle", got)
	}
	if !w.IsAlive() {
		t.Error("child died on a passthrough command")
	}
}
