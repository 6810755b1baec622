// Package config provides configuration management for the Claude credential
// manager. It handles loading and parsing YAML configuration files and gives
// structured access to the provider endpoints, the credential directory,
// logging, proxy and refresh timing settings.
package config

// SDKConfig holds the settings shared by every outbound HTTP client.
type SDKConfig struct {
	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	// socks5://, http:// and https:// schemes are supported.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// RequestLog enables debug dumps of redacted token endpoint responses.
	RequestLog bool `yaml:"request-log" json:"request-log"`
}
