package reconstruct

import (
	"io"
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const svgNS = "http://www.w3.org/2000/svg"

// RenderHTML writes the local tree as an svg document fragment: the root
// element, one <style> element per stylesheet, then the attached nodes.
func (e *Engine) RenderHTML(w io.Writer) error {
	return html.Render(w, e.htmlTree())
}

func (e *Engine) htmlTree() *html.Node {
	root := element(e.root)
	for _, sheet := range e.css {
		style := &html.Node{Type: html.ElementNode, DataAtom: atom.Style, Data: "style", Namespace: "svg"}
		style.AppendChild(&html.Node{Type: html.TextNode, Data: strings.Join(sheet, "\n")})
		root.AppendChild(style)
	}

	type pair struct {
		src *Node
		dst *html.Node
	}
	work := []pair{{e.root, root}}
	for len(work) > 0 {
		p := work[len(work)-1]
		work = work[:len(work)-1]
		for _, c := range p.src.children {
			var out *html.Node
			if c.IsText() {
				out = &html.Node{Type: html.TextNode, Data: c.Text}
			} else {
				out = element(c)
				work = append(work, pair{c, out})
			}
			p.dst.AppendChild(out)
		}
	}
	return root
}

func element(n *Node) *html.Node {
	out := &html.Node{Type: html.ElementNode, Data: n.Tag, Namespace: "svg"}
	if n.Namespace != "" && n.Namespace != svgNS {
		out.Namespace = ""
	}
	names := make([]string, 0, len(n.Attrs))
	for name := range n.Attrs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		out.Attr = append(out.Attr, html.Attribute{Key: name, Val: n.Attrs[name]})
	}
	return out
}
