package stacks

import (
	"fmt"

	"dockhand/internal/core"
)

// Hemmelig is the self-hosted secret sharing stack.
type Hemmelig struct{}

func (Hemmelig) Info() core.StackInfo {
	return core.StackInfo{
		Name:        "hemmelig",
		DisplayName: "Hemmelig",
		Description: "Self-hosted secret sharing service",
		DefaultPort: 3000,
		RequiredEnv: []string{
			"SECRET_MASTER_KEY",
		},
		OptionalEnv: map[string]string{
			"SECRET_MAX_TEXT_SIZE": "256",
			"RATE_LIMIT_ENABLED":   "true",
		},
	}
}

func (Hemmelig) GenerateCompose(cfg core.StackConfig) string {
	return fmt.Sprintf(`services:
  hemmelig:
    image: hemmeligapp/hemmelig:latest
    container_name: hemmelig
    restart: unless-stopped
    ports:
      - "%d:3000"
    environment:
      - SECRET_MASTER_KEY=${SECRET_MASTER_KEY}
      - SECRET_MAX_TEXT_SIZE=${SECRET_MAX_TEXT_SIZE}
      - RATE_LIMIT_ENABLED=${RATE_LIMIT_ENABLED}
    volumes:
      - hemmelig-data:/var/lib/hemmelig/database

volumes:
  hemmelig-data:
`, cfg.Port)
}
