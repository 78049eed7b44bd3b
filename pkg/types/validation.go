package types

import (
	"regexp"
	"strings"
)

// Compiled once at package initialization.
var (
	partyIDRegex   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	requestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	languageRegex  = regexp.MustCompile(`^[a-z]{2,3}(-[a-zA-Z0-9]{2,8})?$`)
)

// IsValidPartyID checks if a party ID meets format requirements.
func IsValidPartyID(partyID string) bool {
	if len(partyID) < 1 || len(partyID) > 50 {
		return false
	}
	return partyIDRegex.MatchString(partyID)
}

// IsValidRequestID checks a caller-supplied request ID. UUIDs pass.
func IsValidRequestID(requestID string) bool {
	if len(requestID) < 1 || len(requestID) > 64 {
		return false
	}
	return requestIDRegex.MatchString(requestID)
}

// NormalizeLanguage lowercases the primary subtag, e.g. "ES" -> "es", "pt-BR" stays "pt-BR".
func NormalizeLanguage(language string) string {
	language = strings.TrimSpace(language)
	if i := strings.IndexByte(language, '-'); i >= 0 {
		return strings.ToLower(language[:i]) + language[i:]
	}
	return strings.ToLower(language)
}

// IsValidLanguage checks a BCP-47-like language code ("es", "pt-BR", "yue").
func IsValidLanguage(language string) bool {
	if len(language) < 2 || len(language) > 16 {
		return false
	}
	return languageRegex.MatchString(language)
}

// ValidateRates normalizes language keys and rejects empty or non-positive rate tables.
func ValidateRates(rates map[string]Rate) (map[string]Rate, error) {
	if len(rates) == 0 {
		return nil, ErrNoLanguages
	}
	out := make(map[string]Rate, len(rates))
	for lang, rate := range rates {
		norm := NormalizeLanguage(lang)
		if !IsValidLanguage(norm) {
			return nil, ErrInvalidLanguage
		}
		if rate <= 0 {
			return nil, ErrInvalidRate
		}
		out[norm] = rate
	}
	return out, nil
}

// IsValidRole checks if role is one of the two party roles.
func IsValidRole(role string) bool {
	return role == RoleTutor || role == RoleStudent
}
