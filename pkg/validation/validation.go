package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
)

const (
	MinWorkers = 1
	MaxWorkers = 20

	MinPasswordLength = 8
	MaxUsernameLength = 64
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func ValidateWorkerCount(workers int) error {
	if workers < MinWorkers || workers > MaxWorkers {
		return fmt.Errorf("worker count must be between %d and %d, got %d", MinWorkers, MaxWorkers, workers)
	}
	return nil
}

// ParseID parses a positive database id given on the command line.
func ParseID(fieldName, s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", fieldName, s)
	}
	return uint(n), nil
}

func ValidateNonEmptyString(fieldName, value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	return nil
}

func ValidatePlatform(platform string) error {
	validPlatforms := map[string]bool{
		"tiktok":    true,
		"instagram": true,
	}
	if !validPlatforms[platform] {
		return fmt.Errorf("invalid platform: %s (must be one of: tiktok, instagram)", platform)
	}
	return nil
}

func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if len(username) > MaxUsernameLength {
		return fmt.Errorf("username must be at most %d characters", MaxUsernameLength)
	}
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("username may only contain letters, digits, '.', '_' and '-': %q", username)
	}
	return nil
}

func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("invalid email address: %q", email)
	}
	return nil
}

func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}
