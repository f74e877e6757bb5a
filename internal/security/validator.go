package security

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrInvalidInput is wrapped by every validation failure.
var ErrInvalidInput = errors.New("invalid input")

// Input limits.
const (
	MaxUsernameLength    = 60
	MaxNameLength        = 60
	MaxRoomNameLength    = 128
	MaxDescriptionLength = 1024
	MaxMessageLength     = 4096

	DefaultLinkMaxAge = 24 * time.Hour
	MaxLinkMaxAge     = 7 * 24 * time.Hour
	MaxLinkUses       = 100
)

var validUsername = regexp.MustCompile(`^[\p{L}\p{N}_\-.]+$`)

// InputValidator handles input validation and normalization
type InputValidator struct{}

// NewInputValidator creates a new input validator
func NewInputValidator() *InputValidator {
	return &InputValidator{}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// ValidateUsername validates and trims a username
func (v *InputValidator) ValidateUsername(username string) (string, error) {
	username = strings.TrimSpace(username)

	if username == "" {
		return "", invalid("username cannot be empty")
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return "", invalid("username too long (max %d characters)", MaxUsernameLength)
	}
	if !validUsername.MatchString(username) {
		return "", invalid("username contains invalid characters (only letters, numbers, _, -, . allowed)")
	}
	return username, nil
}

// ValidateName validates a display name
func (v *InputValidator) ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)

	if name == "" {
		return "", invalid("name cannot be empty")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", invalid("name too long (max %d characters)", MaxNameLength)
	}
	return name, nil
}

// ValidateEmail validates an email address
func (v *InputValidator) ValidateEmail(email string) (string, error) {
	email = strings.TrimSpace(email)

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid("email address is not valid")
	}
	return email, nil
}

// ValidateRoomName validates a room name
func (v *InputValidator) ValidateRoomName(roomName string) (string, error) {
	roomName = strings.TrimSpace(roomName)

	if roomName == "" {
		return "", invalid("room name cannot be empty")
	}
	if utf8.RuneCountInString(roomName) > MaxRoomNameLength {
		return "", invalid("room name too long (max %d characters)", MaxRoomNameLength)
	}
	return roomName, nil
}

// ValidateDescription validates an optional room description
func (v *InputValidator) ValidateDescription(description string) (string, error) {
	description = strings.TrimSpace(description)

	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return "", invalid("description too long (max %d characters)", MaxDescriptionLength)
	}
	return description, nil
}

// ValidateMessage validates message content
func (v *InputValidator) ValidateMessage(message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", invalid("message cannot be empty")
	}
	if utf8.RuneCountInString(message) > MaxMessageLength {
		return "", invalid("message too long (max %d characters)", MaxMessageLength)
	}
	return message, nil
}

// ValidateLinkOptions checks invite link limits. A zero maxAge means the
// link never expires and a zero maxUses means unlimited uses.
func (v *InputValidator) ValidateLinkOptions(maxAge time.Duration, maxUses int) error {
	if maxAge < 0 || maxAge > MaxLinkMaxAge {
		return invalid("max age must be between 0 and %s", MaxLinkMaxAge)
	}
	if maxUses < 0 || maxUses > MaxLinkUses {
		return invalid("max uses must be between 0 and %d", MaxLinkUses)
	}
	return nil
}
