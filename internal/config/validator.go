package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers filewarden-specific validation rules.
// Must be called before validating EnvConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("origin_host", validateOriginHost); err != nil {
		return fmt.Errorf("failed to register origin_host validator: %w", err)
	}
	if err := v.RegisterValidation("browser_token", validateBrowserToken); err != nil {
		return fmt.Errorf("failed to register browser_token validator: %w", err)
	}
	if err := v.RegisterValidation("rate_limit_rule", validateRateLimitRule); err != nil {
		return fmt.Errorf("failed to register rate_limit_rule validator: %w", err)
	}
	return nil
}

// validateOriginHost accepts any entry that reduces to a non-empty bare host.
// Full URLs, host:port pairs, and plain hosts are all allowed as input.
func validateOriginHost(fl validator.FieldLevel) bool {
	return NormalizeOrigin(fl.Field().String()) != ""
}

// validateBrowserToken rejects browser family names containing
// punctuation or whitespace.
func validateBrowserToken(fl validator.FieldLevel) bool {
	token := fl.Field().String()
	if token == "" {
		return false
	}
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// validateRateLimitRule validates the "max_requests:seconds" pair format.
func validateRateLimitRule(fl validator.FieldLevel) bool {
	_, ok := parseRateLimitRule(fl.Field().String())
	return ok
}

// NormalizeOrigin reduces an origin entry to its bare host: no scheme,
// no port, no path. Returns empty when nothing host-like remains.
func NormalizeOrigin(entry string) string {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return ""
	}
	if strings.Contains(entry, "://") {
		u, err := url.Parse(entry)
		if err != nil {
			return ""
		}
		entry = u.Host
	} else if idx := strings.IndexByte(entry, '/'); idx >= 0 {
		entry = entry[:idx]
	}
	if host, _, err := net.SplitHostPort(entry); err == nil {
		entry = host
	}
	return strings.ToLower(strings.TrimSuffix(entry, "."))
}

// NormalizeOrigins maps NormalizeOrigin over a list, dropping empties
// and duplicates while preserving first-seen order.
func NormalizeOrigins(entries []string) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		host := NormalizeOrigin(entry)
		if host == "" {
			continue
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}
	return out
}

// Validate validates the EnvConfig using struct tags and custom rules.
func (c *EnvConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "file":
		return fmt.Sprintf("%s must be an existing file", field)
	case "origin_host":
		return fmt.Sprintf("%s must reduce to a bare host", field)
	case "browser_token":
		return fmt.Sprintf("%s must contain no punctuation or whitespace", field)
	case "rate_limit_rule":
		return fmt.Sprintf("%s must be a 'max_requests:seconds' pair", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
