package stacks

import (
	"fmt"

	"dockhand/internal/core"
)

// Mosquitto is the Eclipse Mosquitto MQTT broker stack.
type Mosquitto struct{}

func (Mosquitto) Info() core.StackInfo {
	return core.StackInfo{
		Name:        "mqtt",
		DisplayName: "Mosquitto MQTT",
		Description: "Lightweight MQTT message broker",
		DefaultPort: 1883,
		RequiredEnv: []string{},
		OptionalEnv: map[string]string{
			"MQTT_USER":     "",
			"MQTT_PASSWORD": "",
		},
	}
}

func (Mosquitto) GenerateCompose(cfg core.StackConfig) string {
	return fmt.Sprintf(`services:
  mosquitto:
    image: eclipse-mosquitto:latest
    container_name: mosquitto
    restart: unless-stopped
    ports:
      - "%d:1883"
      - "9001:9001"
    volumes:
      - mosquitto-data:/mosquitto/data
      - mosquitto-log:/mosquitto/log
      - mosquitto-config:/mosquitto/config

volumes:
  mosquitto-data:
  mosquitto-log:
  mosquitto-config:
`, cfg.Port)
}
