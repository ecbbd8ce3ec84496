package mail

import (
	"bytes"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
)

// Header holds the fields the poller needs from a message header.
type Header struct {
	Sender    string
	Subject   string
	MessageID string
	Date      time.Time
}

var (
	stripPolicy = bluemonday.StrictPolicy()
	blankRun    = regexp.MustCompile(`[ \t]+`)
	blankLines  = regexp.MustCompile(`\n{3,}`)
)

func openReader(raw []byte) *mail.Reader {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil
	}
	return mr
}

// ParseHeader decodes sender, subject, Message-ID and date from a raw
// message. Undecodable fields fall back to their raw header text.
func ParseHeader(raw []byte) Header {
	mr := openReader(raw)
	if mr == nil {
		return Header{}
	}
	defer mr.Close()

	return headerFrom(mr.Header)
}

func headerFrom(h mail.Header) Header {
	out := Header{
		MessageID: strings.TrimSpace(h.Get("Message-Id")),
	}

	if subject, err := h.Subject(); err == nil {
		out.Subject = subject
	} else {
		out.Subject = h.Get("Subject")
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		out.Sender = formatAddress(from[0])
	} else {
		out.Sender = h.Get("From")
	}

	if date, err := h.Date(); err == nil {
		out.Date = date
	}

	return out
}

func formatAddress(a *mail.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

// ExtractText returns the plain-text body of a raw message. All inline
// text/plain parts are concatenated. When there is none, the first HTML
// part is reduced to text. Decoding never fails: unreadable bytes are
// dropped.
func ExtractText(raw []byte) string {
	mr := openReader(raw)
	if mr == nil {
		return strings.ToValidUTF8(string(raw), "")
	}
	defer mr.Close()

	var plain []string
	var htmlBody string

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && (part == nil || !message.IsUnknownCharset(err)) {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, _ := h.ContentType()
		// A partial read still yields usable text.
		body, _ := io.ReadAll(part.Body)
		text := strings.ToValidUTF8(string(body), "")

		switch {
		case contentType == "" || strings.HasPrefix(contentType, "text/plain"):
			plain = append(plain, text)
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = text
		}
	}

	if len(plain) > 0 {
		return strings.Join(plain, "\n")
	}
	if htmlBody != "" {
		return htmlToText(htmlBody)
	}
	return ""
}

func htmlToText(s string) string {
	s = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n\n", "</div>", "\n").Replace(s)
	s = html.UnescapeString(stripPolicy.Sanitize(s))
	s = blankRun.ReplaceAllString(s, " ")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
