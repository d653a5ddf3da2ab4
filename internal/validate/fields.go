package validate

import "regexp"

// Field limits.
const (
	MaxIdentifierLength = 254 // RFC 5321 address length
	MaxSecretBytes      = 72  // bcrypt ignores anything longer
	MaxPathIDLength     = 128
)

// pathIDPattern matches principal IDs and signing key IDs.
var pathIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@+\-]+$`)

// Identifier validates a login identifier. Surrounding whitespace is
// trimmed; case is preserved for the caller to normalize.
func Identifier(identifier string) (string, error) {
	return String(identifier, StringConstraints{
		MinLength:     1,
		MaxLength:     MaxIdentifierLength,
		RejectControl: true,
		TrimSpace:     true,
	})
}

// Secret validates a login secret. Secrets are never trimmed.
func Secret(secret string) (string, error) {
	return String(secret, StringConstraints{
		MinLength: 1,
		MaxBytes:  MaxSecretBytes,
	})
}

// PathID validates an identifier taken from a URL path, such as a
// principal ID.
func PathID(id string) (string, error) {
	return String(id, StringConstraints{
		MinLength:      1,
		MaxLength:      MaxPathIDLength,
		AllowedPattern: pathIDPattern,
	})
}

// LockoutIdentifier validates the identifier of a lockout record, which is
// a login identifier taken from the URL path.
func LockoutIdentifier(identifier string) (string, error) {
	return String(identifier, StringConstraints{
		MinLength:     1,
		MaxLength:     MaxIdentifierLength,
		RejectControl: true,
	})
}
