package proto

const (
	// DefaultInheritEnv names the variable carrying inherited socket
	// descriptors when the application does not configure its own.
	DefaultInheritEnv = "PREFORK_INHERIT"

	// RoleEnv carries the process type of a re-executed child.
	RoleEnv = "PREFORK_ROLE"
	// NameEnv carries the name of a helper or custom role.
	NameEnv = "PREFORK_NAME"
	// GenerationEnv carries the worker generation a child belongs to.
	GenerationEnv = "PREFORK_GENERATION"
	// ConfigEnv carries the absolute configuration path, since a daemonized
	// master runs from "/".
	ConfigEnv = "PREFORK_CONFIG"
	// ConfigDataEnv carries the TOML document of the configuration the
	// parent is running with, so a child never sees a half-applied edit.
	ConfigDataEnv = "PREFORK_CONFIG_DATA"
	// DaemonizedEnv is set by the launcher of a daemon to its own pid, and by
	// a daemonized master on its children.
	DaemonizedEnv = "PREFORK_DAEMONIZED"

	// Separator terminates every descriptor in the inherited list.
	Separator = ';'

	// FirstInheritedFd is the descriptor number of the first inherited
	// socket; 0 to 2 are stdio.
	FirstInheritedFd = 3
)
