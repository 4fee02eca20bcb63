package app

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/charlesng35/coedit/pkg/crypto"
)

const jwtSecretBytes = 48

// ApplyRuntimeDefaults fills values that must exist at runtime even when no configuration
// file is supplied. It returns which keys were generated so callers can log the event
// without exposing values.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Auth.JWT.Secret) == "" {
		secret, err := crypto.GenerateHexKey(jwtSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Auth.JWT.Secret = secret
		generated["auth.jwt.secret"] = true
	}

	if strings.TrimSpace(cfg.Collaboration.InstanceID) == "" {
		cfg.Collaboration.InstanceID = uuid.NewString()
		generated["collaboration.instance_id"] = true
	}

	return generated, nil
}
