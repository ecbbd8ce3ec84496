package bot

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nhle/mailbrief/internal/mail"
	"github.com/nhle/mailbrief/internal/model"
)

// ErrSetupFormat is returned when setup text matches none of the accepted
// forms.
var ErrSetupFormat = errors.New("unrecognized setup format")

// gmailAppPassword matches a Gmail address followed by a 16-letter app
// password, optionally grouped in fours.
var gmailAppPassword = regexp.MustCompile(
	`^([a-zA-Z0-9._%+-]+@gmail\.com)\s+([a-zA-Z]{4}\s?[a-zA-Z]{4}\s?[a-zA-Z]{4}\s?[a-zA-Z]{4})$`)

// ParseSetup reads mailbox credentials from one of:
//
//	email|password|imap_host|imap_port|smtp_host|smtp_port
//	name@gmail.com abcd efgh ijkl mnop
//	email password   (for providers with a known preset)
func ParseSetup(text string) (model.Credentials, error) {
	text = strings.TrimSpace(text)

	if strings.Contains(text, "|") {
		return parseExplicit(text)
	}

	if m := gmailAppPassword.FindStringSubmatch(text); m != nil {
		return withPreset(m[1], strings.ReplaceAll(m[2], " ", ""))
	}

	fields := strings.Fields(text)
	if len(fields) == 2 {
		return withPreset(fields[0], fields[1])
	}

	return model.Credentials{}, ErrSetupFormat
}

func parseExplicit(text string) (model.Credentials, error) {
	parts := strings.Split(text, "|")
	if len(parts) != 6 {
		return model.Credentials{}, fmt.Errorf("%w: expected 6 fields, got %d", ErrSetupFormat, len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	email, err := address(parts[0])
	if err != nil {
		return model.Credentials{}, err
	}
	imapPort, err := port(parts[3])
	if err != nil {
		return model.Credentials{}, err
	}
	smtpPort, err := port(parts[5])
	if err != nil {
		return model.Credentials{}, err
	}
	if parts[1] == "" || parts[2] == "" || parts[4] == "" {
		return model.Credentials{}, fmt.Errorf("%w: empty field", ErrSetupFormat)
	}

	return model.Credentials{
		Email:    email,
		Secret:   parts[1],
		IMAPHost: parts[2],
		IMAPPort: imapPort,
		SMTPHost: parts[4],
		SMTPPort: smtpPort,
	}, nil
}

func withPreset(rawEmail, secret string) (model.Credentials, error) {
	email, err := address(rawEmail)
	if err != nil {
		return model.Credentials{}, err
	}
	preset, ok := model.PresetFor(email)
	if !ok {
		return model.Credentials{}, fmt.Errorf("%w: no server preset for %s", ErrSetupFormat, email)
	}
	return model.Credentials{
		Email:    email,
		Secret:   secret,
		IMAPHost: preset.IMAPHost,
		IMAPPort: preset.IMAPPort,
		SMTPHost: preset.SMTPHost,
		SMTPPort: preset.SMTPPort,
	}, nil
}

func address(s string) (string, error) {
	addr, err := mail.ParseRecipient(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSetupFormat, err)
	}
	return addr.Address, nil
}

func port(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("%w: invalid port %q", ErrSetupFormat, s)
	}
	return p, nil
}
