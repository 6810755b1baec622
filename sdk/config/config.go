// Package config provides the public SDK configuration API.
//
// It re-exports the configuration types and loaders so external projects can
// embed the credential manager without importing internal packages.
package config

import internalconfig "github.com/router-for-me/claudeauth/internal/config"

type SDKConfig = internalconfig.SDKConfig

type Config = internalconfig.Config

type ClaudeConfig = internalconfig.ClaudeConfig
type RefreshConfig = internalconfig.RefreshConfig
type KeyringConfig = internalconfig.KeyringConfig
type CallbackConfig = internalconfig.CallbackConfig

func LoadConfig(configFile string) (*Config, error) { return internalconfig.LoadConfig(configFile) }

func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	return internalconfig.LoadConfigOptional(configFile, optional)
}
