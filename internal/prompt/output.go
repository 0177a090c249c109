package prompt

import "strings"

// Tone is the requested voice of a batch response.
type Tone string

// Known tones.
const (
	ToneFriendly     Tone = "friendly"
	ToneConcise      Tone = "concise"
	ToneProfessional Tone = "professional"
)

// ParseTone reports whether s is a known tone. Unknown values are kept as
// free text and produce no directive.
func ParseTone(s string) (Tone, bool) {
	t := Tone(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case ToneFriendly, ToneConcise, ToneProfessional:
		return t, true
	}
	return Tone(s), false
}

// Format is the requested layout of a batch response.
type Format string

// Known formats.
const (
	FormatBulletPoints Format = "bullet_points"
	FormatStructured   Format = "structured"
)

// ParseFormat reports whether s is a known format.
func ParseFormat(s string) (Format, bool) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatBulletPoints, FormatStructured:
		return f, true
	}
	return Format(s), false
}

// OutputConfig is the output formatting requested for a scheduled run.
type OutputConfig struct {
	Tone               string `json:"tone,omitempty"`
	Format             string `json:"format,omitempty"`
	CustomInstructions string `json:"custom_instructions,omitempty"`
}

var toneDirectives = map[Tone]string{
	ToneFriendly:     "Write in a warm, friendly tone, as if talking to a colleague.",
	ToneConcise:      "Be extremely concise: no preamble, no filler, only what matters.",
	ToneProfessional: "Keep a professional tone suitable for business communication.",
}

var formatDirectives = map[Format]string{
	FormatBulletPoints: "Lay the answer out as a list and use bullet points for each item.",
	FormatStructured:   "Organize the answer and use sections with headers.",
}

const defaultDirective = "Use plain prose and write naturally."

// OutputDirectives translates cfg into literal instructions, one per line.
// A nil cfg, or one that yields nothing, gets the default instruction.
func OutputDirectives(cfg *OutputConfig) string {
	if cfg == nil {
		return defaultDirective
	}
	var lines []string
	if t, ok := ParseTone(cfg.Tone); ok {
		lines = append(lines, toneDirectives[t])
	}
	if f, ok := ParseFormat(cfg.Format); ok {
		lines = append(lines, formatDirectives[f])
	}
	if strings.TrimSpace(cfg.CustomInstructions) != "" {
		lines = append(lines, cfg.CustomInstructions)
	}
	if len(lines) == 0 {
		return defaultDirective
	}
	return strings.Join(lines, "\n")
}

// TaskMessage builds the user message of a scheduled run: the task followed
// by the output formatting block.
func TaskMessage(task string, cfg *OutputConfig) string {
	return strings.TrimSpace(task) + "\n\n" + outputHeader + "\n" + OutputDirectives(cfg)
}

const outputHeader = "## Output Format"
