package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	DefaultHost      = "imap.gmail.com"
	DefaultPort      = 993
	DefaultStateFile = "data/migration_state.json"
	DefaultMboxState = "data/mbox_state.json"
	DefaultLogDir    = "logs"
)

// DefaultExcludes are never migrated unless explicitly dropped: Gmail's
// virtual parent folder and the trash.
var DefaultExcludes = []string{"[Gmail]", "[Gmail]/Trash"}

// Security selects how the IMAP connection is protected.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// Account describes one side of the migration.
type Account struct {
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	Email              string   `yaml:"email"`
	Password           string   `yaml:"password"`
	Security           Security `yaml:"security"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
}

// Addr returns host:port.
func (a Account) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Config is the full run configuration.
type Config struct {
	Source      Account           `yaml:"source"`
	Destination Account           `yaml:"destination"`
	StateFile   string            `yaml:"state_file"`
	LogDir      string            `yaml:"log_dir"`
	LogLevel    string            `yaml:"log_level"`
	Exclude     []string          `yaml:"exclude"`
	Map         map[string]string `yaml:"map"`
	Timeout     time.Duration     `yaml:"timeout"`
	MetricsFile string            `yaml:"metrics_file"`
	DryRun      bool              `yaml:"dry_run"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Source:      Account{Host: DefaultHost, Port: DefaultPort, Security: SecurityTLS},
		Destination: Account{Host: DefaultHost, Port: DefaultPort, Security: SecurityTLS},
		StateFile:   DefaultStateFile,
		LogDir:      DefaultLogDir,
		LogLevel:    "info",
		Exclude:     append([]string(nil), DefaultExcludes...),
	}
}

// SearchPaths are tried in order when no explicit config file is given.
var SearchPaths = []string{
	"./mailmigrate.yaml",
	"./config/mailmigrate.yaml",
}

// Load builds a configuration from defaults, the YAML file at path (or the
// first existing file in SearchPaths when path is empty) and the environment.
// An explicit path that does not exist is an error; a missing default file is not.
func Load(path string) (*Config, error) {
	cfg := Default()

	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		for _, p := range SearchPaths {
			data, err = os.ReadFile(filepath.Clean(p))
			if err == nil {
				path = p
				break
			}
		}
	}
	if data != nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.fillDefaults()
	return cfg, nil
}

// ApplyEnv overrides fields from MAILMIGRATE_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set("MAILMIGRATE_SRC_EMAIL", &c.Source.Email)
	set("MAILMIGRATE_SRC_PASSWORD", &c.Source.Password)
	set("MAILMIGRATE_DST_EMAIL", &c.Destination.Email)
	set("MAILMIGRATE_DST_PASSWORD", &c.Destination.Password)

	hostPort := func(key string, a *Account) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		host, port, err := net.SplitHostPort(v)
		if err != nil {
			a.Host = v
			return
		}
		a.Host = host
		if p, err := strconv.Atoi(port); err == nil {
			a.Port = p
		}
	}
	hostPort("MAILMIGRATE_SRC_HOST", &c.Source)
	hostPort("MAILMIGRATE_DST_HOST", &c.Destination)
}

func (c *Config) fillDefaults() {
	for _, a := range []*Account{&c.Source, &c.Destination} {
		if a.Host == "" {
			a.Host = DefaultHost
		}
		if a.Port == 0 {
			a.Port = DefaultPort
		}
		if a.Security == "" {
			a.Security = SecurityTLS
		}
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// MissingError lists the credential settings that are not set.
type MissingError struct {
	Fields []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("missing credentials: %s", strings.Join(e.Fields, ", "))
}

// Validate checks that both accounts have an email and a password and that the
// security modes are known. mboxMode skips the source credentials.
func (c *Config) Validate(mboxMode bool) error {
	var missing []string
	if !mboxMode {
		if c.Source.Email == "" {
			missing = append(missing, "source email")
		}
		if c.Source.Password == "" {
			missing = append(missing, "source password")
		}
	}
	if c.Destination.Email == "" {
		missing = append(missing, "destination email")
	}
	if c.Destination.Password == "" {
		missing = append(missing, "destination password")
	}
	if len(missing) > 0 {
		return &MissingError{Fields: missing}
	}
	for _, a := range []Account{c.Source, c.Destination} {
		switch a.Security {
		case SecurityTLS, SecurityStartTLS, SecurityNone:
		default:
			return errors.Errorf("unknown security mode %q", a.Security)
		}
	}
	return nil
}

// ValidateSource checks only the source account, for read-only commands.
func (c *Config) ValidateSource() error {
	var missing []string
	if c.Source.Email == "" {
		missing = append(missing, "source email")
	}
	if c.Source.Password == "" {
		missing = append(missing, "source password")
	}
	if len(missing) > 0 {
		return &MissingError{Fields: missing}
	}
	switch c.Source.Security {
	case SecurityTLS, SecurityStartTLS, SecurityNone:
		return nil
	default:
		return errors.Errorf("unknown security mode %q", c.Source.Security)
	}
}
