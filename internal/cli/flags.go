package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// enumValue is a string flag restricted to a fixed set of values.
type enumValue struct {
	allowed []string
	value   string
}

var _ pflag.Value = (*enumValue)(nil)

func newEnumValue(allowed ...string) *enumValue {
	return &enumValue{allowed: allowed}
}

func (e *enumValue) String() string { return e.value }

func (e *enumValue) Set(raw string) error {
	value := strings.ToLower(strings.TrimSpace(raw))
	for _, allowed := range e.allowed {
		if value == allowed {
			e.value = value
			return nil
		}
	}
	return fmt.Errorf("must be one of %s", strings.Join(e.allowed, ", "))
}

func (e *enumValue) Type() string { return "string" }
