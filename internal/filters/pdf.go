package filters

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

func init() {
	mustRegister(&Definition{
		Name:                "pdf2text",
		Description:         "Decode PDF bytes to text",
		SubDirectives:       []string{"password"},
		DefaultSubDirective: "password",
		BinaryInput:         true,
		Apply:               pdf2textApply,
	})
	mustRegister(&Definition{
		Name:          "ocr",
		Description:   "Decode image bytes to text via tesseract",
		SubDirectives: []string{"language", "timeout"},
		BinaryInput:   true,
		Apply:         ocrApply,
	})
}

func pdf2textApply(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
	tempDir, err := os.MkdirTemp("", "vigil-pdf")
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	tempFile := filepath.Join(tempDir, "input.pdf")
	if err := os.WriteFile(tempFile, []byte(data), 0600); err != nil {
		return "", "", fmt.Errorf("failed to write temp PDF file: %w", err)
	}

	conf := model.NewDefaultConfiguration()
	if password := stringArg(args, "password", ""); password != "" {
		conf.UserPW = password
		conf.OwnerPW = password
	}

	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return "", "", fmt.Errorf("failed to read PDF: %w", err)
	}
	pageCount := pdfCtx.PageCount

	outDir := filepath.Join(tempDir, "pages")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create extraction directory: %w", err)
	}
	if err := api.ExtractContentFile(tempFile, outDir, nil, conf); err != nil {
		return "", "", fmt.Errorf("failed to extract PDF content: %w", err)
	}

	pageTexts := make(map[int]string)
	files, _ := os.ReadDir(outDir)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(outDir, file.Name()))
		if err != nil {
			continue
		}
		var pageNum int
		if _, err := fmt.Sscanf(file.Name(), "Content_page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = contentStreamText(string(content))
		} else if _, err := fmt.Sscanf(file.Name(), "page_%d", &pageNum); err == nil {
			pageTexts[pageNum] = contentStreamText(string(content))
		}
	}

	var out strings.Builder
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		text, ok := pageTexts[pageNum]
		if !ok {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString(text)
	}
	return out.String(), "text/plain", nil
}

var (
	tjPattern      = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)\s*Tj`)
	tjArrayPattern = regexp.MustCompile(`\[((?:[^\[\]\\]|\\.)*)\]\s*TJ`)
	tjLiteral      = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)`)
)

// contentStreamText scrapes the text-show operators out of a page content
// stream. Good enough for change detection on text-based PDFs; scanned
// documents need the ocr filter instead.
func contentStreamText(stream string) string {
	var lines []string
	for _, match := range tjPattern.FindAllStringSubmatch(stream, -1) {
		lines = append(lines, unescapePDFString(match[1]))
	}
	for _, match := range tjArrayPattern.FindAllStringSubmatch(stream, -1) {
		var segment strings.Builder
		for _, literal := range tjLiteral.FindAllStringSubmatch(match[1], -1) {
			segment.WriteString(unescapePDFString(literal[1]))
		}
		if segment.Len() > 0 {
			lines = append(lines, segment.String())
		}
	}
	return strings.Join(lines, "\n")
}

func unescapePDFString(s string) string {
	replacer := strings.NewReplacer(
		`\(`, "(",
		`\)`, ")",
		`\\`, `\`,
		`\n`, "\n",
		`\r`, "\r",
		`\t`, "\t",
	)
	return replacer.Replace(s)
}

func ocrApply(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
	timeout := intArg(args, "timeout", 10)
	language := stringArg(args, "language", "")

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmdArgs := []string{"stdin", "stdout"}
	if language != "" {
		cmdArgs = append(cmdArgs, "-l", language)
	}
	cmd := exec.CommandContext(runCtx, "tesseract", cmdArgs...)
	cmd.Stdin = strings.NewReader(data)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", "", fmt.Errorf("ocr timed out after %ds", timeout)
		}
		return "", "", fmt.Errorf("tesseract failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), "text/plain", nil
}
