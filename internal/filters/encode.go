package filters

import (
	"context"
	"crypto/sha1"
	"encoding/ascii85"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

func init() {
	mustRegister(&Definition{
		Name:         "base64",
		Description:  "Decode base64 input to bytes",
		BinaryOutput: true,
		Apply: func(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
			decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
			if err != nil {
				return "", "", fmt.Errorf("invalid base64 input: %w", err)
			}
			return string(decoded), "application/octet-stream", nil
		},
	})
	mustRegister(&Definition{
		Name:         "ascii85",
		Description:  "Decode ascii85 input to bytes",
		BinaryOutput: true,
		Apply: func(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
			input := strings.TrimSpace(data)
			// Adobe framing is optional
			input = strings.TrimPrefix(input, "<~")
			input = strings.TrimSuffix(input, "~>")
			decoder := ascii85.NewDecoder(strings.NewReader(input))
			decoded, err := io.ReadAll(decoder)
			if err != nil {
				return "", "", fmt.Errorf("invalid ascii85 input: %w", err)
			}
			return string(decoded), "application/octet-stream", nil
		},
	})
	mustRegister(&Definition{
		Name:        "sha1sum",
		Description: "Replace the artifact with its SHA-1 hex digest",
		BinaryInput: true,
		AcceptsText: true,
		Apply: func(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
			sum := sha1.Sum([]byte(data))
			return hex.EncodeToString(sum[:]), "text/plain", nil
		},
	})
	mustRegister(&Definition{
		Name:        "hexdump",
		Description: "Render the artifact as a canonical hex dump",
		BinaryInput: true,
		AcceptsText: true,
		Apply: func(ctx context.Context, fc *Context, data string, args map[string]interface{}) (string, string, error) {
			return hexdump([]byte(data)), "text/plain", nil
		},
	})
}

// hexdump renders 16 bytes per line with a printable-character gutter
func hexdump(data []byte) string {
	var b strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		end := offset + 16
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		var hexpart strings.Builder
		for i := 0; i < 16; i++ {
			if i < len(chunk) {
				fmt.Fprintf(&hexpart, "%02x ", chunk[i])
			} else {
				hexpart.WriteString("   ")
			}
		}
		var printable strings.Builder
		for _, c := range chunk {
			if c >= 0x20 && c < 0x7f {
				printable.WriteByte(c)
			} else {
				printable.WriteByte('.')
			}
		}
		fmt.Fprintf(&b, "%s %s\n", strings.TrimRight(hexpart.String(), " "), printable.String())
	}
	return strings.TrimRight(b.String(), "\n")
}
