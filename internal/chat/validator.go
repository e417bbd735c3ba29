package chat

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/whisper/gateway/internal/protocol"
)

const (
	MaxContentBytes  = 4096 // encoded size of one message body
	MaxContentChars  = 2000
	MaxEmojiBytes    = 32
	MaxSettingsBytes = 16 << 10
	MaxPresenceBatch = 100
)

func invalid(format string, args ...any) error {
	return protocol.Errorf(protocol.CodeInvalidPayload, format, args...)
}

// ValidateMessage checks that message content meets the size and encoding
// requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return invalid("message content is empty")
	}
	if len(text) > MaxContentBytes {
		return invalid("message exceeds %d byte limit", MaxContentBytes)
	}
	if !utf8.ValidString(text) {
		return invalid("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return invalid("message exceeds %d character limit", MaxContentChars)
	}
	return nil
}

func validateEmoji(emoji string) error {
	if emoji == "" || len(emoji) > MaxEmojiBytes || !utf8.ValidString(emoji) || strings.ContainsAny(emoji, " \t\n") {
		return invalid("invalid emoji")
	}
	return nil
}

func validateID(name, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("%s is required", name)
	}
	return nil
}

func validateSettings(settings map[string]any) error {
	if settings == nil {
		return invalid("settings are required")
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return invalid("settings are not serialisable")
	}
	if len(raw) > MaxSettingsBytes {
		return invalid("settings exceed %d byte limit", MaxSettingsBytes)
	}
	return nil
}
