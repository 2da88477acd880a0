package document

import "strings"

const markdownExt = ".md"

// MarkdownFilename derives the download name for a converted file:
// "report.pdf" becomes "report.md". Names without an extension, or whose only
// dot is the leading one, keep their full name.
func MarkdownFilename(original string) string {
	base := original
	if i := strings.LastIndex(original, "."); i > 0 {
		base = original[:i]
	}
	if base == "" {
		base = "document"
	}
	return base + markdownExt
}

// StripCodeFence removes a single code fence wrapping the whole text, such as
// "```markdown\n...\n```". Text that is not fully wrapped is returned unchanged.
func StripCodeFence(md string) string {
	trimmed := strings.TrimSpace(md)
	if !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") {
		return md
	}
	nl := strings.IndexByte(trimmed, '\n')
	if nl < 0 {
		return md
	}
	info := strings.TrimSpace(trimmed[3:nl])
	if info != "" && !strings.EqualFold(info, "markdown") && !strings.EqualFold(info, "md") {
		return md
	}
	body := strings.TrimSuffix(trimmed[nl+1:], "```")
	// Without an explicit markdown tag, inner fences mean the outer markers
	// belong to separate code blocks.
	if info == "" && hasFenceLine(body) {
		return md
	}
	return strings.TrimRight(body, "\n")
}

func hasFenceLine(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			return true
		}
	}
	return false
}
