package config

import "fmt"

// ConfigurationError reports a malformed setting. When Tenant is set the
// error is fatal only to that tenant's loop.
type ConfigurationError struct {
	Tenant string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Tenant == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("tenant %q: invalid %s: %s", e.Tenant, e.Field, e.Reason)
}
