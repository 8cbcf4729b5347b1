package stacks

import (
	"fmt"

	"dockhand/internal/core"
)

// Grafana is the Grafana visualization and monitoring stack.
type Grafana struct{}

func (Grafana) Info() core.StackInfo {
	return core.StackInfo{
		Name:        "grafana",
		DisplayName: "Grafana",
		Description: "Visualization and monitoring platform",
		DefaultPort: 3000,
		RequiredEnv: []string{
			"GF_SECURITY_ADMIN_PASSWORD",
		},
		OptionalEnv: map[string]string{
			"GF_SECURITY_ADMIN_USER": "admin",
			"GF_USERS_ALLOW_SIGN_UP": "false",
			"GF_SERVER_ROOT_URL":     "",
		},
	}
}

func (Grafana) GenerateCompose(cfg core.StackConfig) string {
	return fmt.Sprintf(`services:
  grafana:
    image: grafana/grafana:latest
    container_name: grafana
    restart: unless-stopped
    ports:
      - "%d:3000"
    environment:
      - GF_SECURITY_ADMIN_USER=${GF_SECURITY_ADMIN_USER}
      - GF_SECURITY_ADMIN_PASSWORD=${GF_SECURITY_ADMIN_PASSWORD}
      - GF_USERS_ALLOW_SIGN_UP=${GF_USERS_ALLOW_SIGN_UP}
      - GF_SERVER_ROOT_URL=${GF_SERVER_ROOT_URL}
    volumes:
      - grafana-data:/var/lib/grafana
      - grafana-provisioning:/etc/grafana/provisioning

volumes:
  grafana-data:
  grafana-provisioning:
`, cfg.Port)
}
