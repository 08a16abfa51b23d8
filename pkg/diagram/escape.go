package diagram

import "strings"

const ellipsis = "..."

var escaper = strings.NewReplacer("\n", "<br/>", `"`, "'")

// Escape makes text safe for a Mermaid message or note and caps it at max
// runes, appending an ellipsis when it was cut. Line breaks become <br/>
// and double quotes become single quotes. A max of zero or less disables
// truncation.
func Escape(text string, max int) string {
	text = escaper.Replace(text)
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + ellipsis
}
