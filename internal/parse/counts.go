package parse

import (
	"regexp"
	"strconv"
	"strings"
)

// countPattern matches the shorthand the site uses for engagement
// numbers: "1234", "1.2k", "3.4万", "5千".
var countPattern = regexp.MustCompile(`([\d.]+)([kw万千]?)`)

// ParseCount normalizes a display count to a plain integer. Unparseable
// text counts as zero; counts are display data, never worth failing a
// page over.
func ParseCount(text string) int {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return 0
	}
	m := countPattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	switch m[2] {
	case "k", "千":
		n *= 1000
	case "w", "万":
		n *= 10000
	}
	return int(n)
}
