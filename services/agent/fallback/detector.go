// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import (
	"strings"

	"github.com/AleutianAI/EarthAgent/services/llm"
)

// Detector decides whether a plain model reply is unhelpful.
type Detector interface {
	// Unhelpful returns the fallback reason and true when resp should not be
	// delivered as-is.
	Unhelpful(resp *llm.ChatResponse) (Reason, bool)
}

// DefaultPhrases are hedging phrases that mark a reply as a non-answer.
var DefaultPhrases = []string{
	"i don't know",
	"i don't have",
	"no tool found",
	"no data available",
	"i don't have access",
	"i cannot access",
	"i do not have the necessary",
	"there is no specific tool",
	"i'm unable to provide",
}

// PhraseDetector flags empty replies, backend refusals and replies that
// contain a hedging phrase.
type PhraseDetector struct {
	phrases []string
}

// NewPhraseDetector returns a detector over phrases, or DefaultPhrases when
// none are given. Matching is case-insensitive.
func NewPhraseDetector(phrases ...string) *PhraseDetector {
	if len(phrases) == 0 {
		phrases = DefaultPhrases
	}
	d := &PhraseDetector{phrases: make([]string, 0, len(phrases))}
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			d.phrases = append(d.phrases, p)
		}
	}
	return d
}

// Unhelpful implements Detector. NoAnswer wins over text inspection.
func (d *PhraseDetector) Unhelpful(resp *llm.ChatResponse) (Reason, bool) {
	if resp == nil {
		return ReasonEmptyAnswer, true
	}
	if resp.NoAnswer {
		return ReasonUnhelpfulAnswer, true
	}
	text := strings.ToLower(normalizeQuotes(strings.TrimSpace(resp.Text)))
	if text == "" {
		return ReasonEmptyAnswer, true
	}
	for _, p := range d.phrases {
		if strings.Contains(text, p) {
			return ReasonUnhelpfulAnswer, true
		}
	}
	return "", false
}

var quoteReplacer = strings.NewReplacer("’", "'", "‘", "'")

func normalizeQuotes(s string) string { return quoteReplacer.Replace(s) }
