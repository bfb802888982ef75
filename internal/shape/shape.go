// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

// Package shape enforces the reply size ceiling.
package shape

const (
	// CharsPerToken is the fixed characters-per-token estimate.
	CharsPerToken = 4

	// SentenceMarker is appended after a cut at sentence punctuation.
	SentenceMarker = " [Response truncated due to length limit]"

	// HardMarker is appended after a cut in the middle of a sentence.
	HardMarker = "... [Response truncated due to length limit]"

	// sentenceWindow is the fraction of the budget a sentence cut must
	// lie beyond.
	sentenceWindow = 0.8
)

// Shape truncates text to roughly maxTokens*CharsPerToken characters.
// Characters are counted as runes. The marker is appended after the kept
// prefix and is not counted against the budget. A non-positive maxTokens
// disables shaping.
func Shape(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 {
		return text, false
	}
	maxChars := maxTokens * CharsPerToken

	runes := []rune(text)
	if len(runes) <= maxChars {
		return text, false
	}
	head := runes[:maxChars]

	cut := -1
	for i := len(head) - 1; i >= 0; i-- {
		if r := head[i]; r == '.' || r == '?' || r == '!' {
			cut = i
			break
		}
	}
	if cut >= 0 && float64(cut) > float64(maxChars)*sentenceWindow {
		return string(head[:cut+1]) + SentenceMarker, true
	}
	return string(head) + HardMarker, true
}
