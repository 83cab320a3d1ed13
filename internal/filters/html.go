package filters

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/yosssi/gohtml"
)

func init() {
	mustRegister(&Definition{
		Name:                "html2text",
		Description:         "Convert HTML to Markdown or plain text",
		SubDirectives:       []string{"method"},
		DefaultSubDirective: "method",
		Apply:               html2textApply,
	})
	mustRegister(&Definition{
		Name:        "beautify",
		Description: "Pretty-print HTML",
		Apply: func(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
			return gohtml.Format(data), "text/html", nil
		},
	})
}

func html2textApply(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
	method := stringArg(args, "method", "html2text")
	switch method {
	case "html2text", "pyhtml2text":
		if method == "pyhtml2text" {
			fc.Logger.Warn().Msg("html2text method pyhtml2text is deprecated, use html2text")
		}
		baseURL := ""
		if fc.Job != nil {
			baseURL = fc.Job.URL
		}
		converter := md.NewConverter(baseURL, true, nil)
		converted, err := converter.ConvertString(data)
		if err != nil {
			return "", "", fmt.Errorf("html to markdown conversion failed: %w", err)
		}
		// Empty output from non-empty input means the converter choked on
		// the markup; fall back to tag stripping.
		if strings.TrimSpace(converted) == "" && strings.TrimSpace(data) != "" {
			return stripHTMLTags(data), "text/markdown", nil
		}
		return converted, "text/markdown", nil
	case "bs4":
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(data))
		if err != nil {
			return "", "", fmt.Errorf("failed to parse HTML: %w", err)
		}
		return strings.TrimSpace(doc.Text()), "text/plain", nil
	case "strip_tags":
		return stripHTMLTags(data), "text/plain", nil
	case "lynx":
		return "", "", fmt.Errorf("the lynx method is no longer supported: %w", errNotImplemented)
	default:
		return "", "", fmt.Errorf("unsupported html2text method: %q", method)
	}
}

// errNotImplemented marks removed functionality that must hard-fail
var errNotImplemented = fmt.Errorf("not implemented")

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`[ \t]+`)
)

// stripHTMLTags removes markup and decodes the common entities
func stripHTMLTags(html string) string {
	stripped := tagPattern.ReplaceAllString(html, "")
	cleaned := spacePattern.ReplaceAllString(stripped, " ")

	cleaned = strings.ReplaceAll(cleaned, "&amp;", "&")
	cleaned = strings.ReplaceAll(cleaned, "&lt;", "<")
	cleaned = strings.ReplaceAll(cleaned, "&gt;", ">")
	cleaned = strings.ReplaceAll(cleaned, "&quot;", "\"")
	cleaned = strings.ReplaceAll(cleaned, "&#39;", "'")
	cleaned = strings.ReplaceAll(cleaned, "&nbsp;", " ")

	return strings.TrimSpace(cleaned)
}
