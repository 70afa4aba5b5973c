package turn

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitSentences(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"two sentences", "Hello there! How can I help you?", []string{"Hello there!", " How can I help you?"}},
		{"punctuation run stays whole", "What?! Really?!", []string{"What?!", " Really?!"}},
		{"decimal point is no boundary", "Pi is 3.14 exactly.", []string{"Pi is 3.14 exactly."}},
		{"dotted identifier", "See v2.go for details.", []string{"See v2.go for details."}},
		{"ellipsis", "Wait... done.", []string{"Wait...", " done."}},
		{"no terminal punctuation", "let me think", []string{"let me think"}},
		{"boundary then trailing space", "Hi. ", []string{"Hi.", " "}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := SplitSentences(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SplitSentences(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if joined := strings.Join(got, ""); joined != tt.in {
				t.Errorf("joined segments %q do not reproduce input %q", joined, tt.in)
			}
			for i, seg := range got {
				if seg == "" {
					t.Errorf("segment %d is empty", i)
				}
			}
		})
	}
}

func TestSegment_DefaultRule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		pending      string
		wantComplete []string
		wantRest     string
	}{
		{"boundary mid-buffer", "Hello there! How", []string{"Hello there!"}, " How"},
		{"trailing punctuation stays buffered", "Hello there!", nil, "Hello there!"},
		{"two complete one partial", "One. Two. Thr", []string{"One.", " Two."}, " Thr"},
		{"dotted token keeps scanning", "see v2.go for", nil, "see v2.go for"},
		{"newline counts as whitespace", "Done.\nNext", []string{"Done."}, "\nNext"},
		{"empty", "", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			complete, rest := segment(nil, tt.pending)
			if !reflect.DeepEqual(complete, tt.wantComplete) {
				t.Errorf("complete = %q, want %q", complete, tt.wantComplete)
			}
			if rest != tt.wantRest {
				t.Errorf("rest = %q, want %q", rest, tt.wantRest)
			}
		})
	}
}

func TestSegment_CustomChunker(t *testing.T) {
	t.Parallel()

	commas := Chunker(func(pending string) []string {
		return strings.SplitAfter(pending, ",")
	})
	complete, rest := segment(commas, "a, b, c")
	if want := []string{"a,", " b,"}; !reflect.DeepEqual(complete, want) {
		t.Errorf("complete = %q, want %q", complete, want)
	}
	if rest != " c" {
		t.Errorf("rest = %q, want %q", rest, " c")
	}

	complete, rest = segment(func(string) []string { return nil }, "anything")
	if complete != nil || rest != "" {
		t.Errorf("empty chunker output: complete=%q rest=%q, want none", complete, rest)
	}

	complete, rest = segment(func(p string) []string { return []string{p} }, "partial")
	if complete != nil || rest != "partial" {
		t.Errorf("single segment: complete=%q rest=%q, want buffered %q", complete, rest, "partial")
	}
}

func TestSegmentAll(t *testing.T) {
	t.Parallel()
	if got := segmentAll(nil, "One. Two."); !reflect.DeepEqual(got, []string{"One.", " Two."}) {
		t.Errorf("default segmentAll = %q", got)
	}
	upper := Chunker(func(text string) []string { return []string{strings.ToUpper(text)} })
	if got := segmentAll(upper, "hi"); !reflect.DeepEqual(got, []string{"HI"}) {
		t.Errorf("chunker segmentAll = %q", got)
	}
}
