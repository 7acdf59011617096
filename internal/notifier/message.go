package notifier

import (
	"fmt"
	"strings"
)

// maxContentLen is the Discord limit for a message body.
const maxContentLen = 2000

// DownloadFailed builds the message sent when a song download fails. The URL
// is wrapped in angle brackets so the chat does not render a preview of it.
func DownloadFailed(sourceURL string, err error) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Download failed for song: <%s>", strings.TrimSpace(sourceURL))

	if err != nil {
		fmt.Fprintf(&b, "\n```%s```", strings.ReplaceAll(err.Error(), "`", "'"))
	}

	return truncate(b.String(), maxContentLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	const ellipsis = "..."

	cut := n - len(ellipsis)
	// never split a multi-byte rune
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}

	return s[:cut] + ellipsis
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
