package rewrite

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"miniproxy-go/internal/urls"
)

// Marker is the comment placed at the top of every rewritten document.
const Marker = " rewritten by miniproxy "

// prefixAttr marks the injected client script with the prefix it serves.
const prefixAttr = "data-proxy-prefix"

var (
	selBase        = cascadia.MustCompile("base[href]")
	selHref        = cascadia.MustCompile("[href]:not(base)")
	selSrc         = cascadia.MustCompile("[src]")
	selSrcset      = cascadia.MustCompile("img[srcset], source[srcset]")
	selForm        = cascadia.MustCompile("form")
	selFormAction  = cascadia.MustCompile("button[formaction], input[formaction]")
	selPoster      = cascadia.MustCompile("video[poster]")
	selStyleAttr   = cascadia.MustCompile("[style]")
	selStyleTag    = cascadia.MustCompile("style")
	selMetaEquiv   = cascadia.MustCompile("meta[http-equiv]")
	selMetaCharset = cascadia.MustCompile("meta[charset]")
	selIntegrity   = cascadia.MustCompile("link[integrity]")
	selHead        = cascadia.MustCompile("head")
	selBody        = cascadia.MustCompile("body")
	selScript      = cascadia.MustCompile("script[" + prefixAttr + "]")
)

// HTML rewrites a UTF-8 HTML document so that links, resources, forms,
// styles and refresh redirects point back through the proxy. It injects the
// client script into <head> and marks the output with a leading comment.
// Any failure aborts the whole document.
func (c *Context) HTML(src []byte) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %v", ErrRewrite, err)
	}

	c.applyBase(doc)

	doc.FindMatcher(selHref).Each(func(_ int, s *goquery.Selection) {
		if v, _ := s.Attr("href"); !skipHref(v) {
			s.SetAttr("href", c.Proxify(v))
		}
	})
	doc.FindMatcher(selSrc).Each(func(_ int, s *goquery.Selection) {
		if v, _ := s.Attr("src"); !skipSrc(v) {
			s.SetAttr("src", c.Proxify(v))
		}
	})
	doc.FindMatcher(selSrcset).Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("srcset")
		s.SetAttr("srcset", c.Srcset(v))
	})
	doc.FindMatcher(selForm).Each(func(_ int, s *goquery.Selection) {
		s.SetAttr("action", c.formAction(s.AttrOr("action", "")))
	})
	doc.FindMatcher(selFormAction).Each(func(_ int, s *goquery.Selection) {
		s.SetAttr("formaction", c.formAction(s.AttrOr("formaction", "")))
	})
	doc.FindMatcher(selPoster).Each(func(_ int, s *goquery.Selection) {
		if v, _ := s.Attr("poster"); !skipSrc(v) {
			s.SetAttr("poster", c.Proxify(v))
		}
	})
	// Rewritten stylesheets no longer match their subresource hashes.
	doc.FindMatcher(selIntegrity).RemoveAttr("integrity")

	if err := c.rewriteStyles(doc); err != nil {
		return nil, err
	}
	c.rewriteMeta(doc)

	if err := c.injectScript(doc); err != nil {
		return nil, err
	}

	root := doc.Nodes[0]
	markDocument(root)

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return nil, fmt.Errorf("%w: render html: %v", ErrRewrite, err)
	}
	return buf.Bytes(), nil
}

// applyBase makes the first <base href> the resolution base and points the
// element itself through the proxy.
func (c *Context) applyBase(doc *goquery.Document) {
	base := doc.FindMatcher(selBase).First()
	if base.Length() == 0 {
		return
	}
	href, _ := base.Attr("href")
	href = strings.TrimPrefix(strings.TrimSpace(href), c.Prefix)
	if u, err := urls.Resolve(href, c.DocumentURL); err == nil {
		c.Base = u
		base.SetAttr("href", c.Prefix+u.String())
	}
}

// formAction returns the proxied form target. An empty action submits to the
// document itself.
func (c *Context) formAction(action string) string {
	if strings.TrimSpace(action) == "" {
		doc := c.DocumentURL.Clone()
		doc.Fragment, doc.ForceFragment = "", false
		return c.Prefix + doc.String()
	}
	if skipHref(action) {
		return action
	}
	return c.Proxify(action)
}

func (c *Context) rewriteStyles(doc *goquery.Document) error {
	var firstErr error
	doc.FindMatcher(selStyleAttr).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		v, _ := s.Attr("style")
		out, err := c.CSS(v)
		if err != nil {
			firstErr = err
			return false
		}
		s.SetAttr("style", out)
		return true
	})
	if firstErr != nil {
		return firstErr
	}

	for _, n := range doc.FindMatcher(selStyleTag).Nodes {
		var text strings.Builder
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			if ch.Type == html.TextNode {
				text.WriteString(ch.Data)
			}
		}
		out, err := c.CSS(text.String())
		if err != nil {
			return err
		}
		for n.FirstChild != nil {
			n.RemoveChild(n.FirstChild)
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: out})
	}
	return nil
}

// rewriteMeta handles refresh redirects and declares the document as UTF-8,
// which it is after decoding.
func (c *Context) rewriteMeta(doc *goquery.Document) {
	doc.FindMatcher(selMetaEquiv).Each(func(_ int, s *goquery.Selection) {
		equiv, _ := s.Attr("http-equiv")
		content, ok := s.Attr("content")
		if !ok {
			return
		}
		switch strings.ToLower(strings.TrimSpace(equiv)) {
		case "refresh":
			s.SetAttr("content", c.refreshContent(content))
		case "content-type":
			s.SetAttr("content", "text/html; charset=utf-8")
		}
	})
	doc.FindMatcher(selMetaCharset).SetAttr("charset", "utf-8")
}

// refreshContent rewrites "N;url=TARGET", keeping the delay part verbatim.
func (c *Context) refreshContent(content string) string {
	head, target, ok := strings.Cut(content, "=")
	if !ok {
		return content
	}
	target = strings.TrimSpace(target)
	if len(target) >= 2 && (target[0] == '\'' || target[0] == '"') && target[len(target)-1] == target[0] {
		target = target[1 : len(target)-1]
	}
	if target == "" || skipHref(target) {
		return content
	}
	return head + "=" + c.Proxify(target)
}

// injectScript adds the client script as the first child of <head>, or of
// <body> when there is no head. A document already carrying the script for
// this prefix is left alone.
func (c *Context) injectScript(doc *goquery.Document) error {
	var present bool
	doc.FindMatcher(selScript).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		present = s.AttrOr(prefixAttr, "") == c.Prefix
		return !present
	})
	if present {
		return nil
	}

	target := doc.FindMatcher(selHead).First()
	if target.Length() == 0 {
		target = doc.FindMatcher(selBody).First()
	}
	if target.Length() == 0 {
		return fmt.Errorf("%w: document has neither head nor body", ErrRewrite)
	}

	// Scripts resolve relative URLs against the document base, which
	// <base href> may have moved away from the document URL.
	js, err := ClientScript(c.Prefix, c.Base.String())
	if err != nil {
		return err
	}
	script := &html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr:     []html.Attribute{{Key: prefixAttr, Val: c.Prefix}},
	}
	script.AppendChild(&html.Node{Type: html.TextNode, Data: js})
	target.PrependNodes(script)
	return nil
}

// markDocument leaves exactly one marker comment at the top of the document,
// after the doctype when there is one.
func markDocument(root *html.Node) {
	for n := root.FirstChild; n != nil; {
		next := n.NextSibling
		if n.Type == html.CommentNode && n.Data == Marker {
			root.RemoveChild(n)
		}
		n = next
	}

	marker := &html.Node{Type: html.CommentNode, Data: Marker}
	first := root.FirstChild
	if first != nil && first.Type == html.DoctypeNode {
		first = first.NextSibling
	}
	root.InsertBefore(marker, first)
}
