// Package config provides configuration types and loading for wagate.
package config

import "strings"

// Config is the root configuration struct.
// Top-level groups: Server, Store, Kafka.
type Config struct {
	Server   ServerConfig `json:"server"`
	Store    StoreConfig  `json:"store"`
	Kafka    KafkaConfig  `json:"kafka"`
	LogLevel string       `json:"logLevel" envconfig:"LOG_LEVEL"`
}

// ServerConfig groups HTTP listener settings.
type ServerConfig struct {
	Listen string `json:"listen" envconfig:"LISTEN"`
}

// StoreConfig groups filesystem locations: the session credential store
// directory and the contact snapshot file.
type StoreConfig struct {
	Dir          string `json:"dir" envconfig:"STORE_DIR"`
	ContactsFile string `json:"contactsFile" envconfig:"CONTACTS_FILE"`
}

// KafkaConfig configures the optional event mirror. The mirror is off
// unless brokers are set.
type KafkaConfig struct {
	Brokers string `json:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic   string `json:"topic" envconfig:"KAFKA_TOPIC"`
}

// Enabled reports whether the Kafka mirror should run.
func (k KafkaConfig) Enabled() bool {
	return strings.TrimSpace(k.Brokers) != "" && strings.TrimSpace(k.Topic) != ""
}

// DefaultConfig returns the built-in defaults. Store paths are resolved
// against the home directory at load time.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ":3000",
		},
		Kafka: KafkaConfig{
			Topic: "wagate.events",
		},
		LogLevel: "info",
	}
}
