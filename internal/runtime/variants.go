package runtime

import "strings"

// Built-in adapters for the supported agent CLIs: ClaudeCode, Codex, Gemini each override only
// their own readiness/error/exit vocabularies; detection is passive substring matching by
// default.

// NewClaudeCodeAdapter returns the capability record for the Claude Code CLI.
func NewClaudeCodeAdapter() *Adapter {
	a := &Adapter{
		Kind: KindClaudeCode,
		ReadinessPatterns: []string{
			"Ready",
			"? for shortcuts",
			"Welcome to Claude Code",
		},
		ErrorPatterns: []string{
			"command not found",
			"authentication failed",
			"rate limit exceeded",
		},
		ExitPatterns: []string{
			"Claude session ended",
			"Goodbye!",
		},
		InitScriptLines: []string{
			"# Claude Code bootstrap",
			`claude --dangerously-skip-permissions`,
		},
	}
	a.DetectFn = passiveDetect(a, "claude>", "Claude Code")
	return a
}

// NewCodexAdapter returns the capability record for the Codex CLI.
func NewCodexAdapter() *Adapter {
	a := &Adapter{
		Kind: KindCodex,
		ReadinessPatterns: []string{
			"codex>",
			"Ready for instructions",
		},
		ErrorPatterns: []string{
			"command not found",
			"invalid API key",
		},
		ExitPatterns: []string{
			"Session terminated",
			"codex: exiting",
		},
		InitScriptLines: []string{
			"# Codex bootstrap",
			`codex --dangerously-skip-permissions`,
		},
	}
	a.DetectFn = passiveDetect(a, "codex>", "Codex")
	return a
}

// NewGeminiAdapter returns the capability record for the Gemini CLI.
func NewGeminiAdapter() *Adapter {
	a := &Adapter{
		Kind: KindGemini,
		ReadinessPatterns: []string{
			"gemini>",
			"How can I help",
		},
		ErrorPatterns: []string{
			"command not found",
			"quota exceeded",
		},
		ExitPatterns: []string{
			"Session closed",
		},
		InitScriptLines: []string{
			"# Gemini bootstrap",
			`gemini --dangerously-skip-permissions`,
		},
	}
	a.DetectFn = passiveDetect(a, "gemini>", "Gemini")
	return a
}

// passiveDetect builds a DetectFn that performs the canonical passive substring-match
// detection: capture the pane, look for either the prompt marker or the CLI's declared display
// name in the last 30 lines.
func passiveDetect(a *Adapter, promptMarker, displayName string) func(DetectProbe) bool {
	return func(p DetectProbe) bool {
		text, err := p.Capture(30)
		if err != nil {
			return false
		}
		return strings.Contains(text, promptMarker) || strings.Contains(text, displayName)
	}
}
