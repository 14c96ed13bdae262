package services

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// TextProcessor splits text into chunks a TTS endpoint accepts in one request
type TextProcessor struct {
	MaxChunkLength int // in runes
}

// NewTextProcessor creates a new text processor
func NewTextProcessor(maxChunkLength int) *TextProcessor {
	return &TextProcessor{MaxChunkLength: maxChunkLength}
}

// SplitForSpeech splits text into chunks of at most MaxChunkLength runes.
// - Packs whole sentences into a chunk where possible
// - Splits long sentences at punctuation, then spaces, then hard at the limit
func (tp *TextProcessor) SplitForSpeech(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return []string{}
	}

	if runeLen(text) <= tp.MaxChunkLength {
		return []string{text}
	}

	chunks := []string{}
	currentChunk := ""

	for _, sentence := range tp.splitIntoSentences(text) {
		potentialLen := runeLen(currentChunk) + runeLen(sentence)
		if currentChunk != "" {
			potentialLen++
		}

		if potentialLen <= tp.MaxChunkLength {
			if currentChunk != "" {
				currentChunk += " " + sentence
			} else {
				currentChunk = sentence
			}
			continue
		}

		if currentChunk != "" {
			chunks = append(chunks, currentChunk)
			currentChunk = ""
		}

		if runeLen(sentence) > tp.MaxChunkLength {
			chunks = append(chunks, tp.smartSplit(sentence, tp.MaxChunkLength)...)
		} else {
			currentChunk = sentence
		}
	}

	if currentChunk != "" {
		chunks = append(chunks, currentChunk)
	}

	return chunks
}

// smartSplit splits a long text at the last punctuation mark or space within
// the limit, falling back to a hard split.
func (tp *TextProcessor) smartSplit(text string, limit int) []string {
	var chunks []string
	remaining := []rune(text)

	for len(remaining) > limit {
		window := remaining[:limit]
		searchStart := limit / 3

		splitIdx := -1
		for i := len(window) - 1; i >= searchStart; i-- {
			if strings.ContainsRune(";:,", window[i]) {
				splitIdx = i + 1
				break
			}
		}
		if splitIdx == -1 {
			for i := len(window) - 1; i > 0; i-- {
				if unicode.IsSpace(window[i]) {
					splitIdx = i
					break
				}
			}
		}
		if splitIdx == -1 {
			splitIdx = limit
		}

		if chunk := strings.TrimSpace(string(remaining[:splitIdx])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = []rune(strings.TrimSpace(string(remaining[splitIdx:])))
	}

	if len(remaining) > 0 {
		chunks = append(chunks, string(remaining))
	}

	return chunks
}

// splitIntoSentences splits text into individual sentences
func (tp *TextProcessor) splitIntoSentences(text string) []string {
	sentences := []string{}
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])

		// Look ahead to avoid splitting on abbreviations and decimals
		if tp.isSentenceEnding(runes[i]) && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			if sentence := strings.TrimSpace(current.String()); sentence != "" {
				sentences = append(sentences, sentence)
			}
			current.Reset()
		}
	}

	if sentence := strings.TrimSpace(current.String()); sentence != "" {
		sentences = append(sentences, sentence)
	}

	return sentences
}

// isSentenceEnding checks if character is a sentence ending
func (tp *TextProcessor) isSentenceEnding(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '。' || r == '！' || r == '？'
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
