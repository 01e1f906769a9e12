package ess

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up the ESS system provider based on flags.
func Configured() System {
	provider := lflag.String("ess-provider", "tesla", "ESS provider to use (available: tesla, mock)")

	var p struct{ System }

	t := configuredTesla()
	m := configuredMock()

	lflag.Do(func() {
		switch *provider {
		case "tesla":
			if err := t.Validate(); err != nil {
				panic(fmt.Sprintf("tesla validation failed: %v", err))
			}
			p.System = t
		case "mock":
			p.System = m
		default:
			panic(fmt.Sprintf("unknown ess provider: %s", *provider))
		}
	})

	return &p
}
