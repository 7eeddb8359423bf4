// Package machine models the wrapped CLI's UI as a finite state machine.
// Terminal output and user input are reduced to discrete signals; the
// machine is the only place session phase is decided, which keeps the
// wrapper's view of the UI deterministic.
package machine

type State int

const (
	// Idle is the initial state: no prompt captured, no response pending.
	Idle State = iota
	// Prompting is active while the user is composing input.
	Prompting
	// AwaitingResponse is active between sending input and the next prompt.
	AwaitingResponse
	// ProcessingTools is active while tool invocations from the current
	// response are being handled.
	ProcessingTools
	// CommandMode is active while a /command is being dispatched.
	CommandMode
	// Quitting is terminal. No transitions lead out of it.
	Quitting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Prompting:
		return "prompting"
	case AwaitingResponse:
		return "awaiting_response"
	case ProcessingTools:
		return "processing_tools"
	case CommandMode:
		return "command_mode"
	case Quitting:
		return "quitting"
	default:
		return "unknown"
	}
}

// Signal is a discrete event fed to the machine.
type Signal string

const (
	SignalPromptStart      Signal = "prompt_start"
	SignalCommandStart     Signal = "command_start"
	SignalIdle             Signal = "idle"
	SignalInputComplete    Signal = "input_complete"
	SignalResponseStart    Signal = "response_start"
	SignalResponseContinue Signal = "response_continue"
	SignalResponseEnd      Signal = "response_end"
	SignalToolDetected     Signal = "tool_detected"
	SignalToolComplete     Signal = "tool_complete"
	SignalQuitCommand      Signal = "quit_command"
	SignalOtherCommand     Signal = "other_command"
)

// Transition records one applied edge: the state before the signal, the
// signal, the state after, and the action the edge names.
type Transition struct {
	From   State
	Signal Signal
	To     State
	Action string
}

type edgeKey struct {
	from   State
	signal Signal
}

type edge struct {
	to     State
	action string
}

// The static transition table. Pairs not present are no-ops: the state is
// left unchanged and no action is returned.
var transitions = map[edgeKey]edge{
	{Idle, SignalPromptStart}:  {Prompting, "start_prompt_capture"},
	{Idle, SignalCommandStart}: {CommandMode, "start_command_mode"},
	{Idle, SignalIdle}:         {Idle, "maintain_idle"},

	{Prompting, SignalInputComplete}: {AwaitingResponse, "send_input"},
	{Prompting, SignalIdle}:          {Prompting, "continue_prompting"},

	{AwaitingResponse, SignalResponseStart}:    {AwaitingResponse, "start_response_capture"},
	{AwaitingResponse, SignalResponseEnd}:      {Idle, "process_response"},
	{AwaitingResponse, SignalToolDetected}:     {ProcessingTools, "process_tools"},
	{AwaitingResponse, SignalResponseContinue}: {AwaitingResponse, "continue_response_capture"},

	{ProcessingTools, SignalToolComplete}: {AwaitingResponse, "continue_response"},
	{ProcessingTools, SignalResponseEnd}:  {Idle, "process_response"},

	{CommandMode, SignalQuitCommand}:  {Quitting, "quit_application"},
	{CommandMode, SignalOtherCommand}: {Idle, "execute_command"},
	{CommandMode, SignalIdle}:         {CommandMode, "maintain_command_mode"},
}

// Machine holds the current UI state and a bounded history of applied
// transitions. It is not safe for concurrent use; the orchestrator
// serializes access under its own mutex.
type Machine struct {
	state        State
	history      []Transition
	historyLimit int
}

// New returns a machine in the Idle state keeping at most historyLimit
// transitions for diagnostics. A limit of zero or less means unbounded.
func New(historyLimit int) *Machine {
	return &Machine{state: Idle, historyLimit: historyLimit}
}

// Transition applies a signal. It returns the action named by the matching
// edge, or ok=false if no edge is defined for (state, signal), in which case
// the state is unchanged.
func (m *Machine) Transition(sig Signal) (action string, ok bool) {
	e, found := transitions[edgeKey{m.state, sig}]
	if !found {
		return "", false
	}
	t := Transition{From: m.state, Signal: sig, To: e.to, Action: e.action}
	m.state = e.to
	m.history = append(m.history, t)
	if m.historyLimit > 0 && len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}
	return e.action, true
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// History returns the retained transitions, oldest first.
func (m *Machine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
