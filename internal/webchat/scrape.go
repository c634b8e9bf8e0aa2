package webchat

import (
	"strings"

	"golang.org/x/net/html"
)

// ScrapedMessage is one message row lifted out of the polled DOM.
type ScrapedMessage struct {
	ID       string
	Author   string
	Text     string
	TimeText string
	Outgoing bool
}

// ScrapedConversation is one row of the conversation sidebar.
type ScrapedConversation struct {
	ID     string
	Name   string
	Unread bool
}

// ParseMessageList extracts messages from a message-list HTML fragment.
// A message row is any element carrying data-message-id; author, body,
// and time come from descendants with the author/text/time classes.
func ParseMessageList(fragment string) ([]ScrapedMessage, error) {
	root, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil, err
	}

	var messages []ScrapedMessage
	walk(root, func(n *html.Node) {
		id := attrVal(n, "data-message-id")
		if id == "" {
			return
		}
		messages = append(messages, ScrapedMessage{
			ID:       id,
			Author:   textOfClass(n, "author"),
			Text:     textOfClass(n, "text"),
			TimeText: textOfClass(n, "time"),
			Outgoing: hasClass(n, "outgoing"),
		})
	})
	return messages, nil
}

// ParseConversationList extracts sidebar entries from a
// conversation-list HTML fragment.
func ParseConversationList(fragment string) ([]ScrapedConversation, error) {
	root, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil, err
	}

	var conversations []ScrapedConversation
	walk(root, func(n *html.Node) {
		id := attrVal(n, "data-conversation-id")
		if id == "" {
			return
		}
		name := textOfClass(n, "name")
		if name == "" {
			name = strings.TrimSpace(textContent(n))
		}
		conversations = append(conversations, ScrapedConversation{
			ID:     id,
			Name:   name,
			Unread: hasClass(n, "unread"),
		})
	})
	return conversations, nil
}

func walk(n *html.Node, visit func(*html.Node)) {
	if n.Type == html.ElementNode {
		visit(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, field := range strings.Fields(attrVal(n, "class")) {
		if field == class {
			return true
		}
	}
	return false
}

// textOfClass finds the first descendant with the given class and
// returns its trimmed text content.
func textOfClass(n *html.Node, class string) string {
	var found *html.Node
	walk(n, func(c *html.Node) {
		if found == nil && c != n && hasClass(c, class) {
			found = c
		}
	})
	if found == nil {
		return ""
	}
	return strings.TrimSpace(textContent(found))
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
		for child := c.FirstChild; child != nil; child = child.NextSibling {
			collect(child)
		}
	}
	collect(n)
	return sb.String()
}
