// Package render converts agent markdown output into Telegram-safe HTML
// and splits long messages at natural boundaries.
package render

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// MaxMessageLength is Telegram's hard cap on message text.
const MaxMessageLength = 4096

var (
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w*)\\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	boldStarRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnderRe  = regexp.MustCompile(`__(.+?)__`)
	italicStarRe = regexp.MustCompile(`(^|[^\w*])\*([^*\n]+?)\*($|[^\w*])`)
	italicUndRe  = regexp.MustCompile(`(^|[^\w_])_([^_\n]+?)_($|[^\w_])`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	bulletRe     = regexp.MustCompile(`(?m)^[\t ]*[-*]\s+`)
	orderedRe    = regexp.MustCompile(`(?m)^[\t ]*(\d+)\.\s+`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

// HTML converts markdown-ish agent output to Telegram-compatible HTML.
// Code blocks are extracted first so the other rules never touch them.
func HTML(text string) string {
	var codeBlocks []string
	text = codeBlockRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := codeBlockRe.FindStringSubmatch(m)
		lang, code := parts[1], html.EscapeString(parts[2])
		var block string
		if lang != "" {
			block = fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`, html.EscapeString(lang), code)
		} else {
			block = "<pre>" + code + "</pre>"
		}
		codeBlocks = append(codeBlocks, block)
		return fmt.Sprintf("\x00CODEBLOCK%d\x00", len(codeBlocks)-1)
	})

	var inlineCodes []string
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := inlineCodeRe.FindStringSubmatch(m)
		inlineCodes = append(inlineCodes, "<code>"+html.EscapeString(parts[1])+"</code>")
		return fmt.Sprintf("\x00INLINECODE%d\x00", len(inlineCodes)-1)
	})

	text = html.EscapeString(text)

	// Headings become bold; must run before the bold rules.
	text = headingRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldStarRe.ReplaceAllString(text, "<b>$1</b>")
	text = boldUnderRe.ReplaceAllString(text, "<b>$1</b>")
	text = italicStarRe.ReplaceAllString(text, "$1<i>$2</i>$3")
	text = italicUndRe.ReplaceAllString(text, "$1<i>$2</i>$3")
	text = strikeRe.ReplaceAllString(text, "<s>$1</s>")
	text = linkRe.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = bulletRe.ReplaceAllString(text, "  • ")
	text = orderedRe.ReplaceAllString(text, "  $1. ")

	for i, block := range codeBlocks {
		text = strings.Replace(text, fmt.Sprintf("\x00CODEBLOCK%d\x00", i), block, 1)
	}
	for i, code := range inlineCodes {
		text = strings.Replace(text, fmt.Sprintf("\x00INLINECODE%d\x00", i), code, 1)
	}

	return strings.TrimSpace(text)
}

// StripTags removes HTML tags, for the plain-text fallback when
// Telegram rejects a rendered chunk.
func StripTags(text string) string {
	return tagRe.ReplaceAllString(text, "")
}

// Split breaks text into chunks within Telegram's limit, preferring
// paragraph breaks, then line breaks, then sentence ends, then spaces,
// so a chunk never ends mid-tag or mid-word unless nothing else fits.
func Split(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = MaxMessageLength
	}
	if len(text) <= maxLength {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= maxLength {
			chunks = append(chunks, remaining)
			break
		}

		splitAt := maxLength
		window := remaining[:maxLength]
		if i := strings.LastIndex(window, "\n\n"); i > maxLength/3 {
			splitAt = i
		} else if i := strings.LastIndex(window, "\n"); i > maxLength/3 {
			splitAt = i
		} else if i := strings.LastIndex(window, ". "); i > maxLength/3 {
			splitAt = i + 1
		} else if i := strings.LastIndex(window, " "); i > maxLength/3 {
			splitAt = i
		}

		chunk := strings.TrimRight(remaining[:splitAt], " \n")
		remaining = strings.TrimLeft(remaining[splitAt:], " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}
