package stacks

import (
	"fmt"

	"dockhand/internal/core"
)

// InfluxDB is the InfluxDB v2 time series database stack.
type InfluxDB struct{}

func (InfluxDB) Info() core.StackInfo {
	return core.StackInfo{
		Name:        "influxdb",
		DisplayName: "InfluxDB v2",
		Description: "Time series database for metrics and events",
		DefaultPort: 8086,
		RequiredEnv: []string{
			"DOCKER_INFLUXDB_INIT_USERNAME",
			"DOCKER_INFLUXDB_INIT_PASSWORD",
			"DOCKER_INFLUXDB_INIT_ORG",
			"DOCKER_INFLUXDB_INIT_BUCKET",
		},
		OptionalEnv: map[string]string{
			"DOCKER_INFLUXDB_INIT_MODE":      "setup",
			"DOCKER_INFLUXDB_INIT_RETENTION": "0",
		},
	}
}

func (InfluxDB) GenerateCompose(cfg core.StackConfig) string {
	return fmt.Sprintf(`services:
  influxdb:
    image: influxdb:2
    container_name: influxdb
    restart: unless-stopped
    ports:
      - "%d:8086"
    environment:
      - DOCKER_INFLUXDB_INIT_MODE=${DOCKER_INFLUXDB_INIT_MODE}
      - DOCKER_INFLUXDB_INIT_USERNAME=${DOCKER_INFLUXDB_INIT_USERNAME}
      - DOCKER_INFLUXDB_INIT_PASSWORD=${DOCKER_INFLUXDB_INIT_PASSWORD}
      - DOCKER_INFLUXDB_INIT_ORG=${DOCKER_INFLUXDB_INIT_ORG}
      - DOCKER_INFLUXDB_INIT_BUCKET=${DOCKER_INFLUXDB_INIT_BUCKET}
      - DOCKER_INFLUXDB_INIT_RETENTION=${DOCKER_INFLUXDB_INIT_RETENTION}
    volumes:
      - influxdb-data:/var/lib/influxdb2
      - influxdb-config:/etc/influxdb2

volumes:
  influxdb-data:
  influxdb-config:
`, cfg.Port)
}
