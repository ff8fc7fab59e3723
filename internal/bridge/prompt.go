package bridge

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/basket/pibridge/internal/pirpc"
)

// PromptToPiMessage flattens ACP content blocks into the single text message
// pi accepts, extracting images into a separate attachment list. Text
// concatenation follows input order; images keep their relative order. Block
// kinds pi cannot consume are rendered as inline markers, and unrecognized
// kinds are dropped.
func PromptToPiMessage(blocks []ContentBlock) (string, []pirpc.ImageAttachment) {
	var text strings.Builder
	var images []pirpc.ImageAttachment

	for _, block := range blocks {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "image":
			images = append(images, pirpc.ImageAttachment{
				MimeType: block.MimeType,
				Data:     block.Data,
			})
		case "resource_link":
			fmt.Fprintf(&text, "\n[Context] %s", block.URI)
		case "resource":
			if block.Resource == nil {
				continue
			}
			res := block.Resource
			if res.Text != "" {
				fmt.Fprintf(&text, "\n[Embedded Context] %s (%s)\n%s", res.URI, res.MimeType, res.Text)
			} else {
				fmt.Fprintf(&text, "\n[Embedded Context] %s (%s) (%d bytes)", res.URI, res.MimeType, base64Size(res.Blob))
			}
		case "audio":
			fmt.Fprintf(&text, "\n[Audio content: %d bytes, not supported]", base64Size(block.Data))
		}
	}
	return text.String(), images
}

// base64Size reports the decoded byte count of a base64 payload; payloads
// that do not decode count their encoded length.
func base64Size(data string) int {
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return len(data)
	}
	return len(decoded)
}

// localCommand describes a slash command the bridge handles itself without
// forwarding anything to pi.
type localCommand struct {
	name string
	arg  string
}

// parseLocalCommand inspects the leading text block for a recognized local
// command. Only /steering and /name are intercepted; everything else is
// forwarded downstream untouched.
func parseLocalCommand(blocks []ContentBlock) (localCommand, bool) {
	if len(blocks) == 0 || blocks[0].Type != "text" {
		return localCommand{}, false
	}
	head := strings.TrimSpace(blocks[0].Text)
	switch {
	case head == "/steering":
		return localCommand{name: "steering"}, true
	case strings.HasPrefix(head, "/name "):
		arg := strings.TrimSpace(strings.TrimPrefix(head, "/name "))
		if arg == "" {
			return localCommand{}, false
		}
		return localCommand{name: "name", arg: arg}, true
	}
	return localCommand{}, false
}
