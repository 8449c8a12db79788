// Package config provides configuration loading and validation for the
// warden daemon.
package config

// Config is the top-level daemon configuration.
type Config struct {
	// Homeserver configures the Matrix account the daemon acts as.
	Homeserver HomeserverConfig `yaml:"homeserver" mapstructure:"homeserver"`

	// ManagementRoom is the room id of the operator-facing channel.
	ManagementRoom string `yaml:"management_room" mapstructure:"management_room" validate:"required,room_id"`

	// Engine configures the policy-synchronization engine.
	Engine EngineConfig `yaml:"engine" mapstructure:"engine"`

	// HTTP configures the optional health/metrics listener.
	HTTP HTTPConfig `yaml:"http" mapstructure:"http"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// HomeserverConfig identifies the account the daemon logs in as.
type HomeserverConfig struct {
	// URL is the homeserver's client-server API base URL.
	URL string `yaml:"url" mapstructure:"url" validate:"required,url"`
	// Domain is the daemon's own server name, used for ACL self-protection.
	Domain string `yaml:"domain" mapstructure:"domain" validate:"required,hostname_rfc1123"`
	// UserID is the full Matrix user id of the daemon's account.
	UserID string `yaml:"user_id" mapstructure:"user_id" validate:"required,matrix_user_id"`
	// AccessToken authenticates the account. Prefer setting it via the
	// WARDEN_HOMESERVER_ACCESS_TOKEN environment variable.
	AccessToken string `yaml:"access_token" mapstructure:"access_token" validate:"required"`
}

// EngineConfig carries the recognized engine options.
type EngineConfig struct {
	// AutomaticallyRedactForReasons are case-insensitive globs; a ban whose
	// reason matches one also redacts the banned user's recent messages.
	AutomaticallyRedactForReasons []string `yaml:"automatically_redact_for_reasons" mapstructure:"automatically_redact_for_reasons"`
	// FasterMembershipChecks uses the joined-members endpoint for ban
	// projection instead of full member state.
	FasterMembershipChecks bool `yaml:"faster_membership_checks" mapstructure:"faster_membership_checks"`
	// NoOp logs actions instead of performing them.
	NoOp bool `yaml:"no_op" mapstructure:"no_op"`
	// VerboseLogging emits additional diagnostics.
	VerboseLogging bool `yaml:"verbose_logging" mapstructure:"verbose_logging"`
	// ConfirmWildcardBan requires --force on bans containing * or ?.
	ConfirmWildcardBan bool `yaml:"confirm_wildcard_ban" mapstructure:"confirm_wildcard_ban"`
	// ProtectAllJoinedRooms treats every joined non-policy room as protected.
	ProtectAllJoinedRooms bool `yaml:"protect_all_joined_rooms" mapstructure:"protect_all_joined_rooms"`
}

// HTTPConfig configures the health/metrics listener.
type HTTPConfig struct {
	// Enabled controls whether the listener starts. Default: false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
}

// SetDefaults fills optional fields that were left empty.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if len(c.Engine.AutomaticallyRedactForReasons) == 0 {
		c.Engine.AutomaticallyRedactForReasons = []string{"*spam*", "*advertising*"}
	}
}
