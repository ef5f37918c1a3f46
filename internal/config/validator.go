package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks every section of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	plugin := cfg.GetPlugin()
	api := cfg.GetAPI()

	validatePort(plugin.Port, "plugin.port", result)
	if plugin.Host != "" && net.ParseIP(plugin.Host) == nil && plugin.Host != "localhost" {
		result.AddWarning("plugin.host",
			fmt.Sprintf("host %q is not an IP address and will be resolved at bind time", plugin.Host))
	}

	if api.Enabled {
		validatePort(api.Port, "api.port", result)
		if plugin.Enabled && api.Port == plugin.Port {
			result.AddError("api.port", "port conflict detected: api and plugin ports must differ")
		}
		if api.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps", "rate limit is disabled, the API accepts unlimited requests")
		}
		if len(api.AllowedOrigins) == 0 {
			result.AddWarning("api.allowed_origins", "no allowed origins, browsers will be refused by CORS")
		}
	}

	validateMQTT(cfg.GetMQTT(), result)

	clock := cfg.GetClock()
	if clock.Enabled && clock.IntervalSec < MinElapsedInterval {
		result.AddWarning("clock.interval_sec",
			fmt.Sprintf("interval below %ds, extra ticks will be dropped by the server", MinElapsedInterval))
	}
	if clock.IntervalSec < 1 {
		result.AddError("clock.interval_sec", "interval must be at least 1 second")
	}

	logging := cfg.GetLogging()
	if _, err := zerolog.ParseLevel(strings.ToLower(logging.Level)); err != nil {
		result.AddError("logging.level", fmt.Sprintf("unknown log level %q", logging.Level))
	}

	return result
}

func validateMQTT(mqtt MQTTConfig, result *ValidationResult) {
	if !mqtt.Enabled {
		return
	}
	if strings.TrimSpace(mqtt.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if mqtt.Port < 1 || mqtt.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if strings.TrimSpace(mqtt.TopicPrefix) == "" {
		result.AddError("mqtt.topic_prefix", "topic prefix is required when MQTT is enabled")
	}
	if strings.ContainsAny(mqtt.TopicPrefix, "+#") {
		result.AddError("mqtt.topic_prefix", "topic prefix must not contain wildcards")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
