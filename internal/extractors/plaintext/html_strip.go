package plaintext

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

var headingMarks = map[string]string{
	"h1": "#", "h2": "##", "h3": "###",
	"h4": "####", "h5": "#####", "h6": "######",
}

// htmlToMarkdown keeps headings as # lines and <p>/<li> as blocks so the
// markdown mapper can read the structure back.
func htmlToMarkdown(b []byte) string {
	node, err := html.Parse(bytes.NewReader(b))
	if err != nil {
		return string(b)
	}
	var blocks []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			switch tag {
			case "script", "style", "nav", "footer", "aside", "head":
				return
			case "p", "li", "blockquote":
				if t := strings.Join(strings.Fields(nodeText(n)), " "); t != "" {
					blocks = append(blocks, t)
				}
				return
			}
			if mark, ok := headingMarks[tag]; ok {
				if t := strings.Join(strings.Fields(nodeText(n)), " "); t != "" {
					blocks = append(blocks, mark+" "+t)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	if len(blocks) == 0 {
		if plain := strings.TrimSpace(nodeText(node)); plain != "" {
			blocks = append(blocks, plain)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func nodeText(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return ""
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(nodeText(c))
		if c.Type == html.ElementNode && c.Data == "br" {
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}
