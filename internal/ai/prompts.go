package ai

import (
	"fmt"
	"strings"
)

// SummaryPrompt asks for a text-message style summary of one email.
func SummaryPrompt(sender, subject, body string) string {
	var sb strings.Builder

	sb.WriteString("You are an email summarization assistant. ")
	sb.WriteString("Convert the email below into a short, text-message-like summary ")
	sb.WriteString("that captures the key information.\n\n")

	sb.WriteString("Guidelines:\n")
	sb.WriteString("- Keep it conversational and brief\n")
	sb.WriteString("- Extract the main action items, requests or information\n")
	sb.WriteString("- Preserve important details like dates, times and names\n")
	sb.WriteString("- Maximum 2-3 sentences\n")
	sb.WriteString("- Focus on what the recipient needs to know or do\n\n")

	sb.WriteString("Email to summarize:\n")
	fmt.Fprintf(&sb, "From: %s\n", sender)
	fmt.Fprintf(&sb, "Subject: %s\n", subject)
	fmt.Fprintf(&sb, "Body: %s\n\n", body)

	sb.WriteString("Provide only the summary, no additional text:")
	return sb.String()
}

// EmailPrompt asks for an email body in the given tone.
func EmailPrompt(text, tone string) string {
	return fmt.Sprintf(
		"Write a %s email from the following text:\n\n%s\n\n"+
			"Write only the body. Do not include a subject line; "+
			"start directly with the greeting.",
		tone, text,
	)
}

// SubjectPrompt asks for a single subject line.
func SubjectPrompt(text, tone string) string {
	return fmt.Sprintf(
		"Write a concise subject for a %s email based on this content:\n\n%s\n\n"+
			"Output only the subject text, without a \"Subject:\" prefix or quotes.",
		tone, text,
	)
}

// FallbackSummary is used when the model cannot summarize a message.
func FallbackSummary(sender, subject string) string {
	return fmt.Sprintf("📧 %s: %s", sender, subject)
}
