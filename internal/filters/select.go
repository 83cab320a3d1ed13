package filters

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"
)

func init() {
	mustRegister(&Definition{
		Name:                "css",
		Description:         "Extract a document subset by CSS selector",
		SubDirectives:       []string{"selector", "method", "exclude", "skip", "maxitems"},
		DefaultSubDirective: "selector",
		Apply:               cssApply,
	})
	mustRegister(&Definition{
		Name:                "xpath",
		Description:         "Extract a document subset by XPath expression",
		SubDirectives:       []string{"path", "method", "exclude", "namespaces", "skip", "maxitems"},
		DefaultSubDirective: "path",
		Apply:               xpathApply,
	})
	mustRegister(&Definition{
		Name:                "element-by-id",
		Description:         "Extract the element with the given id",
		SubDirectives:       []string{"id"},
		DefaultSubDirective: "id",
		Apply:               elementBy("id"),
	})
	mustRegister(&Definition{
		Name:                "element-by-class",
		Description:         "Extract elements with the given class",
		SubDirectives:       []string{"class"},
		DefaultSubDirective: "class",
		Apply:               elementBy("class"),
	})
	mustRegister(&Definition{
		Name:                "element-by-style",
		Description:         "Extract elements with the given style attribute",
		SubDirectives:       []string{"style"},
		DefaultSubDirective: "style",
		Apply:               elementBy("style"),
	})
	mustRegister(&Definition{
		Name:                "element-by-tag",
		Description:         "Extract elements with the given tag name",
		SubDirectives:       []string{"tag"},
		DefaultSubDirective: "tag",
		Apply:               elementBy("tag"),
	})
}

// sliceWindow applies skip/maxitems to the selected items
func sliceWindow(count, skip, maxitems int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if skip > count {
		skip = count
	}
	end := count
	if maxitems > 0 && skip+maxitems < end {
		end = skip + maxitems
	}
	return skip, end
}

func cssApply(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
	selector := stringArg(args, "selector", "")
	if selector == "" {
		return "", "", fmt.Errorf("requires a selector")
	}
	method := stringArg(args, "method", "html")
	if method != "html" && method != "xml" {
		return "", "", fmt.Errorf("method must be html or xml, got %q", method)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse document: %w", err)
	}

	if exclude := stringArg(args, "exclude", ""); exclude != "" {
		doc.Find(exclude).Remove()
	}

	selection := doc.Find(selector)
	skip, end := sliceWindow(selection.Length(), intArg(args, "skip", 0), intArg(args, "maxitems", 0))

	var parts []string
	selection.Each(func(i int, s *goquery.Selection) {
		if i < skip || i >= end {
			return
		}
		rendered, err := goquery.OuterHtml(s)
		if err != nil {
			return
		}
		parts = append(parts, rendered)
	})
	if len(parts) == 0 {
		return "", "", fmt.Errorf("selector %q matched no elements", selector)
	}
	return strings.Join(parts, "\n"), "", nil
}

func xpathApply(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
	path := stringArg(args, "path", "")
	if path == "" {
		return "", "", fmt.Errorf("requires a path")
	}
	method := stringArg(args, "method", "html")

	switch method {
	case "html":
		doc, err := htmlquery.Parse(strings.NewReader(data))
		if err != nil {
			return "", "", fmt.Errorf("failed to parse HTML: %w", err)
		}
		if exclude := stringArg(args, "exclude", ""); exclude != "" {
			excluded, err := htmlquery.QueryAll(doc, exclude)
			if err != nil {
				return "", "", fmt.Errorf("invalid exclude expression %q: %w", exclude, err)
			}
			for _, node := range excluded {
				removeHTMLNode(node)
			}
		}
		nodes, err := htmlquery.QueryAll(doc, path)
		if err != nil {
			return "", "", fmt.Errorf("invalid xpath expression %q: %w", path, err)
		}
		skip, end := sliceWindow(len(nodes), intArg(args, "skip", 0), intArg(args, "maxitems", 0))
		var parts []string
		for _, node := range nodes[skip:end] {
			parts = append(parts, renderHTMLNode(node))
		}
		if len(parts) == 0 {
			return "", "", fmt.Errorf("xpath %q matched no nodes", path)
		}
		return strings.Join(parts, "\n"), "", nil
	case "xml":
		parseOptions := xmlquery.ParserOptions{}
		doc, err := xmlquery.ParseWithOptions(strings.NewReader(data), parseOptions)
		if err != nil {
			return "", "", fmt.Errorf("failed to parse XML: %w", err)
		}
		if exclude := stringArg(args, "exclude", ""); exclude != "" {
			excluded, err := xmlquery.QueryAll(doc, exclude)
			if err != nil {
				return "", "", fmt.Errorf("invalid exclude expression %q: %w", exclude, err)
			}
			for _, node := range excluded {
				xmlquery.RemoveFromTree(node)
			}
		}
		var nodes []*xmlquery.Node
		if namespaces := namespaceMap(args); len(namespaces) > 0 {
			expr, err := xpath.CompileWithNS(path, namespaces)
			if err != nil {
				return "", "", fmt.Errorf("invalid xpath expression %q: %w", path, err)
			}
			nodes = xmlquery.QuerySelectorAll(doc, expr)
		} else {
			nodes, err = xmlquery.QueryAll(doc, path)
			if err != nil {
				return "", "", fmt.Errorf("invalid xpath expression %q: %w", path, err)
			}
		}
		skip, end := sliceWindow(len(nodes), intArg(args, "skip", 0), intArg(args, "maxitems", 0))
		var parts []string
		for _, node := range nodes[skip:end] {
			parts = append(parts, node.OutputXML(true))
		}
		if len(parts) == 0 {
			return "", "", fmt.Errorf("xpath %q matched no nodes", path)
		}
		return strings.Join(parts, "\n"), "", nil
	default:
		return "", "", fmt.Errorf("method must be html or xml, got %q", method)
	}
}

func namespaceMap(args map[string]interface{}) map[string]string {
	raw, ok := args["namespaces"]
	if !ok {
		return nil
	}
	namespaces := map[string]string{}
	if m, ok := raw.(map[string]interface{}); ok {
		for prefix, uri := range m {
			if s, ok := uri.(string); ok {
				namespaces[prefix] = s
			}
		}
	}
	return namespaces
}

func removeHTMLNode(node *html.Node) {
	if node.Parent != nil {
		node.Parent.RemoveChild(node)
	}
}

func renderHTMLNode(node *html.Node) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, node); err != nil {
		return ""
	}
	return buf.String()
}

// elementBy builds the element-by-{id,class,style,tag} filters on goquery
func elementBy(kind string) ApplyFunc {
	return func(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
		value := stringArg(args, kind, "")
		if value == "" {
			return "", "", fmt.Errorf("requires a %s", kind)
		}
		var selector string
		switch kind {
		case "id":
			selector = "#" + value
		case "class":
			selector = "." + value
		case "style":
			selector = fmt.Sprintf("[style=%q]", value)
		case "tag":
			selector = value
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(data))
		if err != nil {
			return "", "", fmt.Errorf("failed to parse document: %w", err)
		}
		var parts []string
		doc.Find(selector).Each(func(i int, s *goquery.Selection) {
			rendered, err := goquery.OuterHtml(s)
			if err != nil {
				return
			}
			parts = append(parts, rendered)
		})
		if len(parts) == 0 {
			return "", "", fmt.Errorf("no element matched %s %q", kind, value)
		}
		return strings.Join(parts, "\n"), "", nil
	}
}
