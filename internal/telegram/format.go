package telegram

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// markdown renders outbound text for parse_mode=HTML. Strikethrough
// comes from the GFM extension; Telegram understands <s>.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// replacements flattens block-level HTML into the small tag set
// Telegram accepts.
var replacements = strings.NewReplacer(
	"<p>", "",
	"</p>", "\n",
	"<br>", "\n",
	"<br/>", "\n",
	"<br />", "\n",
	"<del>", "<s>",
	"</del>", "</s>",
	"<h1>", "<b>",
	"</h1>", "</b>\n",
	"<h2>", "<b>",
	"</h2>", "</b>\n",
	"<h3>", "<b>",
	"</h3>", "</b>\n",
	"<ul>", "",
	"</ul>", "",
	"<li>", "• ",
	"</li>", "\n",
)

// RenderHTML converts Markdown to Telegram-flavoured HTML: inline
// tags survive, block structure flattens to newlines and bullets.
func RenderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	out := replacements.Replace(buf.String())
	return strings.TrimRight(out, "\n"), nil
}
