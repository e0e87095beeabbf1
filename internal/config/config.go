// Package config provides the configuration schema and loader shared by the
// voxwire client and the voxwired broker.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SecretsBackend selects where the client persists its credential pair.
type SecretsBackend string

const (
	// SecretsAuto probes for pass(1) and falls back to encrypted-at-rest
	// plain files under the file root.
	SecretsAuto SecretsBackend = "auto"

	SecretsPass SecretsBackend = "pass"
	SecretsFile SecretsBackend = "file"
)

// IsValid reports whether b is a recognised secrets backend.
func (b SecretsBackend) IsValid() bool {
	switch b {
	case SecretsAuto, SecretsPass, SecretsFile:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded from a YAML
// file with [Load] or [LoadFromReader]. The client reads the Client section,
// the broker the Broker section; LogLevel applies to both.
type Config struct {
	LogLevel LogLevel     `yaml:"log_level"`
	Client   ClientConfig `yaml:"client"`
	Broker   BrokerConfig `yaml:"broker"`
}

// ClientConfig holds everything the voxwire client needs.
type ClientConfig struct {
	// BrokerURL is the broker API base, including the /api prefix
	// (e.g. "https://voxwire.example.com/api").
	BrokerURL string `yaml:"broker_url"`

	// Secrets selects the credential store backend.
	Secrets SecretsConfig `yaml:"secrets"`

	// Defaults are applied when no saved preference and no override exist.
	Defaults SessionDefaults `yaml:"defaults"`

	// STUNServers are the ICE servers used for transport negotiation.
	// Empty uses the built-in public STUN server.
	STUNServers []string `yaml:"stun_servers"`

	// MonitorAddr, when non-empty, serves the local debug surface
	// (event feed, health) on this address. Loopback recommended.
	MonitorAddr string `yaml:"monitor_addr"`
}

// SecretsConfig configures the credential store.
type SecretsConfig struct {
	// Backend is "auto", "pass", or "file". Empty means auto.
	Backend SecretsBackend `yaml:"backend"`

	// FileRoot is the directory for the file backend. Empty uses
	// $HOME/.config/voxwire/secrets.
	FileRoot string `yaml:"file_root"`
}

// SessionDefaults are the built-in session settings.
type SessionDefaults struct {
	Instructions string `yaml:"instructions"`
	Voice        string `yaml:"voice"`
}

// BrokerConfig holds everything the voxwired broker needs.
type BrokerConfig struct {
	// ListenAddr is the TCP address the broker listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// JWTSecret signs access tokens. Required to run the broker.
	JWTSecret string `yaml:"jwt_secret"`

	// Provider configures the upstream realtime API.
	Provider ProviderConfig `yaml:"provider"`
}

// ProviderConfig is the upstream realtime API connection.
type ProviderConfig struct {
	// APIKey authenticates the broker with the provider. Required.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default realtime API base.
	BaseURL string `yaml:"base_url"`

	// Model selects the realtime model (e.g. "gpt-realtime").
	Model string `yaml:"model"`
}
