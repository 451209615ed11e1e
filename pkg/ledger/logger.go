package ledger

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Constructors for the keys the ledger logs on every path, so call sites
// cannot drift on spelling and log aggregation can rely on them.

// CustomerField tags a log entry with the customer id.
func CustomerField(id string) Field {
	return Field{Key: "customer_id", Value: id}
}

// FeatureField tags a log entry with the feature id.
func FeatureField(id string) Field {
	return Field{Key: "feature_id", Value: id}
}

// CusEntField tags a log entry with the customer entitlement id.
func CusEntField(id string) Field {
	return Field{Key: "cus_ent_id", Value: id}
}

// ErrorField tags a log entry with an error message.
func ErrorField(err error) Field {
	return Field{Key: "error", Value: err.Error()}
}

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message with fields.
	Debug(msg string, fields ...Field)

	// Info logs an info message with fields.
	Info(msg string, fields ...Field)

	// Warn logs a warning message with fields.
	Warn(msg string, fields ...Field)

	// Error logs an error message with fields.
	Error(msg string, fields ...Field)
}

// NoopLogger is a no-op implementation of the Logger interface.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}
