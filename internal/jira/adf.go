package jira

import (
	"strings"

	"golang.org/x/net/html"
)

// FlattenBody reduces an issue description or comment body to plain
// text. Cloud Jira returns Atlassian Document Format (a nested node
// tree); older renderings return HTML or plain strings.
func FlattenBody(body any) string {
	switch v := body.(type) {
	case nil:
		return ""
	case string:
		if strings.Contains(v, "<") && strings.Contains(v, ">") {
			return flattenHTML(v)
		}
		return strings.TrimSpace(v)
	case map[string]any:
		var buf strings.Builder
		flattenADF(v, &buf)
		return strings.TrimSpace(strings.Join(strings.Fields(buf.String()), " "))
	case []any:
		var buf strings.Builder
		for _, item := range v {
			if node, ok := item.(map[string]any); ok {
				flattenADF(node, &buf)
			}
		}
		return strings.TrimSpace(strings.Join(strings.Fields(buf.String()), " "))
	default:
		return ""
	}
}

func flattenADF(node map[string]any, buf *strings.Builder) {
	if text, ok := node["text"].(string); ok {
		buf.WriteString(text)
		buf.WriteByte(' ')
	}
	if nodeType, ok := node["type"].(string); ok {
		switch nodeType {
		case "hardBreak", "paragraph", "heading", "listItem":
			buf.WriteByte(' ')
		case "mention", "emoji":
			if attrs, ok := node["attrs"].(map[string]any); ok {
				if text, ok := attrs["text"].(string); ok {
					buf.WriteString(text)
					buf.WriteByte(' ')
				}
			}
		}
	}
	content, ok := node["content"].([]any)
	if !ok {
		return
	}
	for _, child := range content {
		if childNode, ok := child.(map[string]any); ok {
			flattenADF(childNode, buf)
		}
	}
}

func flattenHTML(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
			buf.WriteString(" ")
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode && (node.Data == "p" || node.Data == "br" || node.Data == "div" || node.Data == "li") {
			buf.WriteString(" ")
		}
	}
	walk(doc)
	return strings.TrimSpace(strings.Join(strings.Fields(buf.String()), " "))
}
