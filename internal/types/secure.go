package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds sensitive values (Stripe keys, database URLs, the
// admin key) behind redacting String and MarshalJSON implementations, so a
// config struct dumped into a log never leaks them. Call Unmask only at the
// point of use: an Authorization header, a connection string.
type SecretString string

// String returns the redaction placeholder, never the value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value of the secret.
func (s SecretString) Unmask() string {
	return string(s)
}
