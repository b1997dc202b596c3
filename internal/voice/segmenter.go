package voice

import "strings"

// ExtractSentences cuts buffer after every '.', '!' or '?'. Each sentence runs
// from the previous cut through its terminator, whitespace included; whatever
// follows the last terminator is returned as remainder. Feeding the remainder
// plus new input back in yields the same cuts as one call on the whole text.
func ExtractSentences(buffer string) (sentences []string, remainder string) {
	start := 0
	for i := 0; i < len(buffer); i++ {
		switch buffer[i] {
		case '.', '!', '?':
			sentences = append(sentences, buffer[start:i+1])
			start = i + 1
		}
	}
	return sentences, buffer[start:]
}

// Segmenter carries the remainder between chunks of a streamed response.
type Segmenter struct {
	pending string
}

// Feed appends text and returns the sentences it completed.
func (s *Segmenter) Feed(text string) []string {
	sentences, rest := ExtractSentences(s.pending + text)
	s.pending = rest
	return sentences
}

// Flush returns the unterminated tail as a final sentence and empties the
// segmenter. ok is false when the tail is blank.
func (s *Segmenter) Flush() (tail string, ok bool) {
	tail, s.pending = s.pending, ""
	if strings.TrimSpace(tail) == "" {
		return "", false
	}
	return tail, true
}

// Pending returns the unterminated tail without consuming it.
func (s *Segmenter) Pending() string { return s.pending }

// Reset drops the tail.
func (s *Segmenter) Reset() { s.pending = "" }
