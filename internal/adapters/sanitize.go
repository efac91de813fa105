package adapters

import "regexp"

// keyPatterns match API-key-shaped substrings across the upstream vendors we
// talk to. Every adapter error message passes through Sanitize before it is
// stored, logged, or returned.
var keyPatterns = []*regexp.Regexp{
	// OpenAI (also covers project keys, Anthropic sk-ant, OpenRouter sk-or).
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{16,}`),
	// Google AI Studio.
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{30,}`),
	// Groq.
	regexp.MustCompile(`gsk_[A-Za-z0-9]{16,}`),
	// xAI.
	regexp.MustCompile(`xai-[A-Za-z0-9]{16,}`),
	// HuggingFace.
	regexp.MustCompile(`hf_[A-Za-z0-9]{16,}`),
	// Perplexity.
	regexp.MustCompile(`pplx-[A-Za-z0-9]{16,}`),
	// Replicate.
	regexp.MustCompile(`r8_[A-Za-z0-9]{16,}`),
	// Mistral (unprefixed 32-char alphanumeric after a key-ish header).
	regexp.MustCompile(`(?i)(api[_-]?key["':\s=]+)[A-Za-z0-9]{24,}`),
	// AWS access key id and secret.
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)(aws_secret_access_key["':\s=]+)[A-Za-z0-9/+=]{30,}`),
	// Chutes.
	regexp.MustCompile(`cpk_[A-Za-z0-9]{16,}`),
	// ElevenLabs (hex key after its header).
	regexp.MustCompile(`(?i)(xi-api-key["':\s=]+)[a-f0-9]{24,}`),
	// Raw bearer tokens.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{16,}`),
}

// Sanitize scrubs API-key-shaped substrings out of an error message.
func Sanitize(message string) string {
	out := message
	for _, re := range keyPatterns {
		out = re.ReplaceAllString(out, "[REDACTED]")
	}
	return out
}
