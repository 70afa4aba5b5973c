package turn

// Chunker overrides the default sentence rule. It receives the full pending
// buffer and returns segments; every segment except the last is dispatched
// to synthesis, and the last stays buffered until more text arrives or the
// stream ends.
type Chunker func(pending string) []string

// sentenceEnd reports whether b closes a sentence.
func sentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// boundaryAfter returns the index just past the first complete sentence of
// s, or -1 when s holds none. A sentence is complete at a run of closing
// punctuation followed by whitespace; a run is treated as one boundary, so
// "What?!" stays whole. atEnd additionally lets the end of s close a
// sentence, for text that is known to be final. Mid-stream callers pass
// false: a buffer ending in punctuation may still grow.
func boundaryAfter(s string, atEnd bool) int {
	for i := 0; i < len(s); i++ {
		if !sentenceEnd(s[i]) {
			continue
		}
		j := i
		for j+1 < len(s) && sentenceEnd(s[j+1]) {
			j++
		}
		if j+1 == len(s) {
			if atEnd {
				return j + 1
			}
			return -1
		}
		if isSpace(s[j+1]) {
			return j + 1
		}
		// Punctuation inside a token ("3.14", "v2.go"); keep scanning.
		i = j
	}
	return -1
}

// splitComplete returns every finished sentence at the head of pending and
// the trailing fragment that may still grow. Whitespace that follows a
// boundary stays with the fragment, so concatenating the results
// reproduces pending exactly.
func splitComplete(pending string) (complete []string, rest string) {
	rest = pending
	for {
		cut := boundaryAfter(rest, false)
		if cut < 0 {
			return complete, rest
		}
		complete = append(complete, rest[:cut])
		rest = rest[cut:]
	}
}

// SplitSentences splits text into sentences at runs of '.', '!' and '?'
// followed by whitespace or the end of the text. Joining the result
// reproduces text exactly; no empty segments are produced.
func SplitSentences(text string) []string {
	var out []string
	rest := text
	for rest != "" {
		cut := boundaryAfter(rest, true)
		if cut < 0 {
			out = append(out, rest)
			break
		}
		out = append(out, rest[:cut])
		rest = rest[cut:]
	}
	return out
}

// segment applies the chunker, or the default rule when none is set, to a
// pending buffer. The last returned element is the unfinished tail.
func segment(chunker Chunker, pending string) (complete []string, rest string) {
	if chunker == nil {
		return splitComplete(pending)
	}
	segs := chunker(pending)
	switch len(segs) {
	case 0:
		return nil, ""
	case 1:
		return nil, segs[0]
	default:
		return segs[:len(segs)-1], segs[len(segs)-1]
	}
}

// segmentAll splits text that is known to be complete, so every returned
// element is ready for synthesis.
func segmentAll(chunker Chunker, text string) []string {
	if chunker == nil {
		return SplitSentences(text)
	}
	return chunker(text)
}
