package turn

// ConfigOptions is the flag-bound TURN server configuration.
type ConfigOptions struct {
	PublicIP     string
	Port         int
	Username     string
	Password     string
	Realm        string
	RelayMinPort uint
	RelayMaxPort uint
}
