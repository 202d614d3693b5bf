package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"

	"autopilot-orchestrator/internal/retry"
)

// ErrPolicyViolation marks generated content containing a banned term.
var ErrPolicyViolation = errors.New("content violates policy")

// ContentPolicy rejects generated scripts that touch restricted topics.
type ContentPolicy struct {
	Banned []string
}

// DefaultContentPolicy lists topics the platform account may not post about.
var DefaultContentPolicy = ContentPolicy{
	Banned: []string{"finance", "investment", "crypto", "medical", "health advice", "gambling"},
}

// Check returns a permanent error naming the first banned term found in any text.
func (p ContentPolicy) Check(texts ...string) error {
	for _, text := range texts {
		lower := strings.ToLower(text)
		for _, term := range p.Banned {
			if strings.Contains(lower, strings.ToLower(term)) {
				return retry.Permanent(errors.Mark(errors.Newf("content violates policy: %s", term), ErrPolicyViolation))
			}
		}
	}
	return nil
}

// Script is what the render stage needs from script derivation.
type Script struct {
	Title        string  `json:"title"`
	Script       string  `json:"script"`
	CTA          string  `json:"cta"`
	Hook         string  `json:"hook,omitempty"`
	VisualPrompt string  `json:"visual_prompt,omitempty"`
	Rationale    string  `json:"rationale,omitempty"`
	Confidence   float64 `json:"confidence"`
}

const scriptSystemPrompt = `You write short vertical videos for TikTok.
Reply with JSON only, with the keys: hook, script, title, cta, rationale, confidence, visual_prompt.
The script runs 15 to 60 seconds in natural language. The visual_prompt describes lighting, composition, camera angle and style for a text-to-video model.`

func scriptPrompt(title, slot string) string {
	var b strings.Builder
	b.WriteString("Write a script for a faceless TikTok video.\n")
	if title != "" {
		b.WriteString("Topic: " + title + "\n")
	}
	b.WriteString("Slot: " + slot + "\n")
	b.WriteString("Structure: hook (0-3s), setup (3-8s), value (8-45s), call to action (45-60s).")
	return b.String()
}

// ruleBasedScript is the deterministic script used when no model is reachable.
func ruleBasedScript(title, slot string) Script {
	if title == "" {
		title = "Autopilot post"
	}
	return Script{
		Title:      title + ": " + slot,
		Script:     "Why " + title + " matters today. " + slot + ". Short and to the point.",
		CTA:        "Follow for more short insights.",
		Rationale:  "rule-based",
		Confidence: 0.42,
	}
}

// parseScript accepts a model reply that should be JSON, possibly fenced.
// Replies that are not JSON become the script body verbatim.
func parseScript(raw string) Script {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	out := Script{Title: "Auto script", CTA: "Follow for more", Confidence: 0.5}
	var parsed Script
	if err := json.Unmarshal([]byte(text), &parsed); err != nil || strings.TrimSpace(parsed.Script) == "" {
		out.Script = text
		out.Rationale = "repair"
		return out
	}
	if parsed.Title == "" {
		parsed.Title = out.Title
	}
	if parsed.CTA == "" {
		parsed.CTA = out.CTA
	}
	parsed.Confidence = min(max(parsed.Confidence, 0), 1)
	return parsed
}

// visualPrompt picks the render prompt: explicit, then model-suggested, then the script head.
func visualPrompt(explicit string, s Script) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(s.VisualPrompt); p != "" {
		return p
	}
	r := []rune(s.Script)
	if len(r) > 500 {
		r = r[:500]
	}
	return string(r)
}
