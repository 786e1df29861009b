package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/r-smith/cd11connman/internal/cd11"
	"github.com/r-smith/cd11connman/internal/connlog"
	"github.com/r-smith/cd11connman/internal/logmonitor"
	"github.com/r-smith/cd11connman/internal/logrotate"
	"golang.org/x/crypto/bcrypt"
)

// This block of constants defines the default application settings when no
// configuration file is provided.
const (
	DefaultBindAddress       = "0.0.0.0"
	DefaultPort              = 8041
	DefaultReadTimeoutMs     = 10000
	DefaultLingerSeconds     = 1
	DefaultLogCapacity       = connlog.DefaultCapacity
	DefaultLogPath           = "cd11connman-log.txt"
	DefaultLogMaxSizeMB      = 50
	DefaultStationsPath      = ""
	DefaultStationsInterval  = 5 * time.Second
	DefaultEnableAdmin       = false
	DefaultAdminBindAddress  = "0.0.0.0"
	DefaultAdminPort         = 8042
	DefaultAdminCertPath     = "cd11connman-admin.crt"
	DefaultAdminKeyPath      = "cd11connman-admin.key"
	DefaultUseProxyProtocol  = false
	DefaultAdminAllowPublic  = false
	DefaultAdminEnableTLS    = false
	DefaultStationNameMaxLen = cd11.NameWidth
)

// Config holds the configuration settings for the application. It is built
// once at startup and passed by value to the components that need it.
type Config struct {
	LogPath      string    `xml:"logPath"`
	LogMaxSizeMB int       `xml:"logMaxSizeMB"`
	Broker       Broker    `xml:"broker"`
	StationsPath string    `xml:"stationsPath"`
	Stations     []Station `xml:"stations>station"`
	Admin        Admin     `xml:"admin"`

	// Logger writes structured JSON events. It is set by InitializeLogger.
	Logger *slog.Logger `xml:"-"`

	// Monitor receives a copy of every event written to Logger.
	Monitor *logmonitor.Monitor `xml:"-"`

	logFile *logrotate.File
}

// Broker defines the settings for the connection broker.
type Broker struct {
	BindAddress           string `xml:"bindAddress"`
	Port                  int    `xml:"port"`
	ReadTimeoutMs         int    `xml:"readTimeoutMs"`
	LingerSeconds         int    `xml:"lingerSeconds"`
	ConnectionLogCapacity int    `xml:"connectionLogCapacity"`
	UseProxyProtocol      bool   `xml:"useProxyProtocol"`
	ResponderName         string `xml:"responderName"`
	ResponderType         string `xml:"responderType"`
	ServiceType           string `xml:"serviceType"`
	FrameCreator          string `xml:"frameCreator"`
	FrameDestination      string `xml:"frameDestination"`
}

// Admin defines the settings for the administrative HTTP server.
type Admin struct {
	Enabled      bool   `xml:"enabled"`
	BindAddress  string `xml:"bindAddress"`
	Port         int    `xml:"port"`
	AllowPublic  bool   `xml:"allowPublic"`
	Username     string `xml:"username"`
	PasswordHash string `xml:"passwordHash"`
	EnableTLS    bool   `xml:"enableTLS"`
	CertPath     string `xml:"certPath"`
	KeyPath      string `xml:"keyPath"`
}

// Default returns a Config populated with the default settings.
func Default() Config {
	return Config{
		LogPath:      DefaultLogPath,
		LogMaxSizeMB: DefaultLogMaxSizeMB,
		StationsPath: DefaultStationsPath,
		Broker:       DefaultBroker(),
		Admin: Admin{
			Enabled:     DefaultEnableAdmin,
			BindAddress: DefaultAdminBindAddress,
			Port:        DefaultAdminPort,
			AllowPublic: DefaultAdminAllowPublic,
			EnableTLS:   DefaultAdminEnableTLS,
			CertPath:    DefaultAdminCertPath,
			KeyPath:     DefaultAdminKeyPath,
		},
	}
}

// DefaultBroker returns the default broker settings.
func DefaultBroker() Broker {
	id := cd11.DefaultIdentity
	return Broker{
		BindAddress:           DefaultBindAddress,
		Port:                  DefaultPort,
		ReadTimeoutMs:         DefaultReadTimeoutMs,
		LingerSeconds:         DefaultLingerSeconds,
		ConnectionLogCapacity: DefaultLogCapacity,
		UseProxyProtocol:      DefaultUseProxyProtocol,
		ResponderName:         id.Name,
		ResponderType:         id.Type,
		ServiceType:           id.Service,
		FrameCreator:          id.Creator,
		FrameDestination:      id.Destination,
	}
}

// ReadTimeout returns the handshake read timeout as a time.Duration.
func (b Broker) ReadTimeout() time.Duration {
	return time.Duration(b.ReadTimeoutMs) * time.Millisecond
}

// Address returns the host:port the broker listens on.
func (b Broker) Address() string {
	return net.JoinHostPort(b.BindAddress, strconv.Itoa(b.Port))
}

// Identity returns the CD 1.1 identity announced in connection responses.
func (b Broker) Identity() cd11.Identity {
	id := cd11.DefaultIdentity
	id.Name = b.ResponderName
	id.Type = b.ResponderType
	id.Service = b.ServiceType
	id.Creator = b.FrameCreator
	id.Destination = b.FrameDestination
	return id
}

// Address returns the host:port the admin server listens on.
func (a Admin) Address() string {
	return net.JoinHostPort(a.BindAddress, strconv.Itoa(a.Port))
}

// Load reads an XML configuration file and unmarshals its contents on top of
// the default settings. The result is validated and every problem found is
// returned joined in a single error.
func Load(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := Default()
	xmlBytes, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}
	if err := xml.Unmarshal(xmlBytes, &config); err != nil {
		return nil, fmt.Errorf("failed to decode XML file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the configuration and returns all problems found, joined
// with errors.Join.
func (c *Config) Validate() error {
	var errs []error

	if c.LogMaxSizeMB < 1 {
		errs = append(errs, fmt.Errorf("logMaxSizeMB must be at least 1, got %d", c.LogMaxSizeMB))
	}
	errs = append(errs, c.Broker.validate()...)

	seen := make(map[string]bool, len(c.Stations))
	for _, s := range c.Stations {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("station %q: defined more than once", s.Name))
		}
		seen[s.Name] = true
	}

	if c.Admin.Enabled {
		errs = append(errs, c.Admin.validate()...)
	}

	return errors.Join(errs...)
}

func (b Broker) validate() []error {
	var errs []error
	if b.BindAddress != "" {
		if _, err := netip.ParseAddr(b.BindAddress); err != nil {
			errs = append(errs, fmt.Errorf("broker: invalid bindAddress %q", b.BindAddress))
		}
	}
	if b.Port < 1 || b.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker: port must be 1-65535, got %d", b.Port))
	}
	if b.ReadTimeoutMs < 1 {
		errs = append(errs, fmt.Errorf("broker: readTimeoutMs must be positive, got %d", b.ReadTimeoutMs))
	}
	if b.ConnectionLogCapacity < 1 {
		errs = append(errs, fmt.Errorf("broker: connectionLogCapacity must be positive, got %d", b.ConnectionLogCapacity))
	}
	if err := b.Identity().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("broker: responder identity: %w", err))
	}
	return errs
}

func (a Admin) validate() []error {
	var errs []error
	if a.Port < 1 || a.Port > 65535 {
		errs = append(errs, fmt.Errorf("admin: port must be 1-65535, got %d", a.Port))
	}
	if (a.Username == "") != (a.PasswordHash == "") {
		errs = append(errs, errors.New("admin: username and passwordHash must be set together"))
	} else if a.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(a.PasswordHash)); err != nil {
			errs = append(errs, fmt.Errorf("admin: passwordHash is not a bcrypt hash: %w", err))
		}
	}
	return errs
}

// InitializeLogger opens the rotating event log and creates the structured
// JSON logger. Each record is also written to Monitor, which feeds the admin
// live view. When LogPath is empty, records only go to Monitor.
func (c *Config) InitializeLogger() error {
	if c.Monitor == nil {
		c.Monitor = logmonitor.New()
	}

	var w io.Writer = c.Monitor
	if c.LogPath != "" {
		maxSize := c.LogMaxSizeMB
		if maxSize < 1 {
			maxSize = DefaultLogMaxSizeMB
		}
		f, err := logrotate.OpenFile(c.LogPath, maxSize)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		c.logFile = f
		w = io.MultiWriter(f, c.Monitor)
	}

	c.Logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Use 'event_time' instead of the default 'time'.
			if a.Key == slog.TimeKey && len(groups) == 0 {
				a.Key = "event_time"
			}
			return a
		},
	}))
	return nil
}

// CloseLogFile closes the event log file, if open. It should be called when
// the application is shutting down.
func (c *Config) CloseLogFile() {
	if c.logFile != nil {
		_ = c.logFile.Close()
		c.logFile = nil
	}
}
