// Package parse classifies user input and separates the wrapped CLI's
// free-text output from the structured tool invocations embedded in it.
// Parsing is total: every input produces a result, never an error.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"
)

// InputKind classifies a line of user input.
type InputKind string

const (
	// KindPrompt is free text destined for the wrapped CLI.
	KindPrompt InputKind = "prompt"
	// KindCommand is a /command handled by the wrapper.
	KindCommand InputKind = "command"
)

// ParsedInput is one classified line of user input.
type ParsedInput struct {
	Raw        string    `json:"raw"`
	Normalized string    `json:"normalized"`
	Kind       InputKind `json:"kind"`
	// CommandName and CommandArgs are set only for KindCommand.
	CommandName string `json:"command_name,omitempty"`
	CommandArgs string `json:"command_args,omitempty"`
}

// ToolInvocation is one structured call extracted from output text.
// Ownership passes to the caller, which may attach ExecutionResult later.
type ToolInvocation struct {
	ToolName        string         `json:"tool_name"`
	Arguments       map[string]any `json:"arguments"`
	RawText         string         `json:"raw_text"`
	ExecutionResult string         `json:"execution_result,omitempty"`
}

// ParsedOutput is one output chunk split into readable text and tools.
type ParsedOutput struct {
	Raw      string           `json:"raw"`
	TextOnly string           `json:"text_only"`
	Tools    []ToolInvocation `json:"tools"`
	HasTools bool             `json:"has_tools"`
}

// ToolPattern pairs a matcher with an extractor. Patterns are tried in
// order; new tool-call syntaxes are added by registering another pattern,
// without touching anything downstream.
type ToolPattern struct {
	// Match must capture the whole marker as the full match.
	Match *regexp.Regexp
	// Extract maps the regexp's submatches to a tool name and arguments.
	// It must not fail; degrade to raw-text arguments instead.
	Extract func(groups []string) (name string, args map[string]any)
}

// Parser extracts tool invocations from output and classifies input.
type Parser struct {
	patterns []ToolPattern
}

var (
	toolRe   = regexp.MustCompile(`(?s)\[TOOL:\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*,\s*(\{.*?\})\s*\]`)
	fileRe   = regexp.MustCompile(`\[FILE:\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*,\s*([^\]]*?)\s*\]`)
	execRe   = regexp.MustCompile(`\[EXEC:\s*([^\]]*?)\s*\]`)
	searchRe = regexp.MustCompile(`\[SEARCH:\s*([^\]]*?)\s*\]`)

	blankRunRe = regexp.MustCompile(`\n\s*\n`)
)

// NewParser returns a parser with the built-in marker syntaxes registered:
// [TOOL: name, {json}], [FILE: op, path], [EXEC: command], [SEARCH: query].
func NewParser() *Parser {
	p := &Parser{}
	p.Register(ToolPattern{Match: toolRe, Extract: extractTool})
	p.Register(ToolPattern{Match: fileRe, Extract: func(g []string) (string, map[string]any) {
		return "FILE", map[string]any{"operation": g[1], "path": g[2]}
	}})
	p.Register(ToolPattern{Match: execRe, Extract: func(g []string) (string, map[string]any) {
		return "EXEC", map[string]any{"command": g[1]}
	}})
	p.Register(ToolPattern{Match: searchRe, Extract: func(g []string) (string, map[string]any) {
		return "SEARCH", map[string]any{"query": g[1]}
	}})
	return p
}

// Register appends a pattern to the ordered list.
func (p *Parser) Register(tp ToolPattern) {
	p.patterns = append(p.patterns, tp)
}

func extractTool(g []string) (string, map[string]any) {
	var args map[string]any
	if err := json.Unmarshal([]byte(g[2]), &args); err != nil || args == nil {
		// Malformed argument JSON is the model's problem, not ours. Keep
		// the text so the caller can still see what was asked for.
		args = map[string]any{"raw": g[2]}
	}
	return "TOOL", args
}

// ParseInput classifies one line of user input. Input starting with / is a
// command; the name runs to the first space, the rest are its arguments.
func (p *Parser) ParseInput(text string) ParsedInput {
	normalized := strings.TrimSpace(text)
	in := ParsedInput{
		Raw:        text,
		Normalized: normalized,
		Kind:       KindPrompt,
	}
	if strings.HasPrefix(normalized, "/") {
		in.Kind = KindCommand
		name, args, _ := strings.Cut(normalized[1:], " ")
		in.CommandName = name
		in.CommandArgs = args
	}
	return in
}

// ParseOutput scans output text against the registered patterns. Matched
// spans become ToolInvocations; TextOnly is the text with those spans
// removed and runs of blank lines collapsed.
func (p *Parser) ParseOutput(text string) ParsedOutput {
	var tools []ToolInvocation
	textOnly := text
	for _, tp := range p.patterns {
		for _, groups := range tp.Match.FindAllStringSubmatch(text, -1) {
			name, args := tp.Extract(groups)
			tools = append(tools, ToolInvocation{
				ToolName:  name,
				Arguments: args,
				RawText:   groups[0],
			})
		}
		textOnly = tp.Match.ReplaceAllString(textOnly, "")
	}
	textOnly = blankRunRe.ReplaceAllString(textOnly, "\n\n")
	textOnly = strings.TrimSpace(textOnly)

	return ParsedOutput{
		Raw:      text,
		TextOnly: textOnly,
		Tools:    tools,
		HasTools: len(tools) > 0,
	}
}
