package telegram

import (
	"strings"
	"testing"
)

func TestRenderHTML(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"bold", "**bold** move", "<strong>bold</strong> move"},
		{"italic", "*soft* launch", "<em>soft</em> launch"},
		{"strikethrough", "~~gone~~", "<s>gone</s>"},
		{"code", "run `make`", "run <code>make</code>"},
		{"heading", "# Release\nnotes", "<b>Release</b>"},
		{"list", "- one\n- two", "• one\n• two"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := RenderHTML(tc.md)
			if err != nil {
				t.Fatalf("RenderHTML: %v", err)
			}
			if !strings.Contains(got, tc.want) {
				t.Errorf("RenderHTML(%q) = %q, want substring %q", tc.md, got, tc.want)
			}
		})
	}
}

func TestRenderHTMLStripsBlockTags(t *testing.T) {
	got, err := RenderHTML("# Title\n\npara one\n\n- a\n- b")
	if err != nil {
		t.Fatalf("RenderHTML: %v", err)
	}
	for _, tag := range []string{"<p>", "</p>", "<h1>", "<ul>", "<li>", "<br"} {
		if strings.Contains(got, tag) {
			t.Errorf("output still contains %q: %q", tag, got)
		}
	}
	if strings.HasSuffix(got, "\n") {
		t.Errorf("trailing newline survived: %q", got)
	}
}
