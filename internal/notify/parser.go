package notify

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const chatApp = "whatsapp"

var (
	recordSplit = regexp.MustCompile(`NotificationRecord[({]`)
	pkgPattern  = regexp.MustCompile(`pkg=(\S+)`)
	whenPattern = regexp.MustCompile(`when=([0-9]+)`)
	phoneRegexp = regexp.MustCompile(`(?:\+?55)?\s?\(?\d{2}\)?\s?9?\d{4}[-\s]?\d{4}`)

	fieldPatterns = map[string][2]*regexp.Regexp{}
)

// system notices the chat app posts that are not conversations
var ignoredFragments = []string{
	"mensagens de",
	"WhatsApp Web",
	"A procurar novas mensagens",
	"Verificar downloads",
}

var ignoredTitles = map[string]bool{
	"WhatsApp":          true,
	"WhatsApp Business": true,
	"WA Business":       true,
}

func init() {
	for _, field := range []string{"android.title", "android.text", "android.bigText"} {
		q := regexp.QuoteMeta(field)
		fieldPatterns[field] = [2]*regexp.Regexp{
			regexp.MustCompile(q + `=String \(([^)]+)\)`),
			regexp.MustCompile(q + `=([^,\n]+)`),
		}
	}
}

// Notification is one chat notification read from the endpoint's notification dump.
type Notification struct {
	App     string
	Title   string
	Message string
	// When is the post time in unix milliseconds.
	When int64
}

// Parse extracts chat notifications from `dumpsys notification --noredact` output.
// Records without a when= stamp get now.
func Parse(output string, now time.Time) []Notification {
	if !strings.Contains(strings.ToLower(output), chatApp) {
		return nil
	}

	var out []Notification
	for _, block := range recordSplit.Split(output, -1) {
		if !strings.Contains(block, chatApp) {
			continue
		}

		var pkg string
		if m := pkgPattern.FindStringSubmatch(block); m != nil {
			pkg = m[1]
		}
		if !strings.Contains(pkg, chatApp) {
			continue
		}

		title := extractField(block, "android.title")
		message := extractField(block, "android.bigText")
		if message == "" {
			message = extractField(block, "android.text")
		}
		if ignored(title, message) {
			continue
		}

		when := now.UnixMilli()
		if m := whenPattern.FindStringSubmatch(block); m != nil {
			if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				when = v
			}
		}

		out = append(out, Notification{App: pkg, Title: title, Message: message, When: when})
	}
	return out
}

func extractField(block, field string) string {
	p := fieldPatterns[field]
	if m := p[0].FindStringSubmatch(block); m != nil {
		return strings.ReplaceAll(m[1], `"`, "")
	}
	if m := p[1].FindStringSubmatch(block); m != nil {
		return strings.ReplaceAll(strings.TrimSpace(m[1]), `"`, "")
	}
	return ""
}

func ignored(title, message string) bool {
	if message == "" || ignoredTitles[title] {
		return true
	}
	for _, frag := range ignoredFragments {
		if strings.Contains(message, frag) {
			return true
		}
	}
	return false
}

// ExtractPhone returns the digits of the first Brazilian phone number in s, or "".
func ExtractPhone(s string) string {
	match := phoneRegexp.FindString(s)
	if match == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range match {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
