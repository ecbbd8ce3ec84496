package model

import (
	"strings"
	"time"
)

// AuthMethod identifies how a user's mailbox is accessed.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthOAuth    AuthMethod = "oauth"
)

// OAuthToken is the persisted token pair for OAuth users.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
}

// Credentials are the mailbox connection parameters supplied at setup.
type Credentials struct {
	Email    string
	Secret   string
	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int
}

// User is one Telegram chat and the mailbox it monitors.
type User struct {
	ChatID int64
	Credentials
	AuthMethod AuthMethod
	Token      *OAuthToken
	Verified   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasCredentials reports whether enough is stored to open the mailbox.
func (u *User) HasCredentials() bool {
	if u.Email == "" {
		return false
	}
	switch u.AuthMethod {
	case AuthOAuth:
		return u.Token != nil && (u.Token.RefreshToken != "" || u.Token.AccessToken != "")
	default:
		return u.Secret != "" && u.IMAPHost != "" && u.IMAPPort > 0
	}
}

// Eligible reports whether the user should have a monitoring loop.
func (u *User) Eligible() bool {
	return u != nil && u.Verified && u.HasCredentials()
}

// ProviderPreset holds well-known server settings for a mail domain.
type ProviderPreset struct {
	Name     string
	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int
}

var providerPresets = map[string]ProviderPreset{
	"gmail.com":   {Name: "Gmail", IMAPHost: "imap.gmail.com", IMAPPort: 993, SMTPHost: "smtp.gmail.com", SMTPPort: 587},
	"outlook.com": {Name: "Outlook", IMAPHost: "outlook.office365.com", IMAPPort: 993, SMTPHost: "smtp.office365.com", SMTPPort: 587},
	"hotmail.com": {Name: "Hotmail", IMAPHost: "outlook.office365.com", IMAPPort: 993, SMTPHost: "smtp.office365.com", SMTPPort: 587},
}

// PresetFor returns the preset for the domain of address, if any.
func PresetFor(address string) (ProviderPreset, bool) {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return ProviderPreset{}, false
	}
	p, ok := providerPresets[strings.ToLower(address[at+1:])]
	return p, ok
}
