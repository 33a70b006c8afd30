package core

import (
	"fmt"
	"log"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ge9/gonat/internal/keygen"
)

// Behavior names one of the six NAT behaviors a table can be
// configured with, matching RFC 4787's mapping/filtering taxonomy.
type Behavior string

const (
	BehaviorFullCone                Behavior = "full_cone"
	BehaviorQuasiRestrictedCone     Behavior = "quasi_restricted_cone"
	BehaviorQuasiPortRestrictedCone Behavior = "quasi_port_restricted_cone"
	BehaviorQuasiSymmetric          Behavior = "quasi_symmetric"
	BehaviorAddressDependent        Behavior = "address_dependent"
	BehaviorAddressPortDependent    Behavior = "address_port_dependent"
)

func ParseBehavior(s string) (Behavior, error) {
	switch Behavior(s) {
	case BehaviorFullCone, BehaviorQuasiRestrictedCone, BehaviorQuasiPortRestrictedCone,
		BehaviorQuasiSymmetric, BehaviorAddressDependent, BehaviorAddressPortDependent:
		return Behavior(s), nil
	default:
		return "", fmt.Errorf("unknown NAT behavior: %q", s)
	}
}

// TableConfig configures one translation table's behavior and
// timeouts, in seconds. TimeoutSecs is used by the UDP and ICMP Echo
// tables, which have a single idle timeout; the TCP table instead
// uses TimeoutLongSecs (Established connections) and
// TimeoutShortSecs (handshaking/closing connections).
type TableConfig struct {
	Behavior         Behavior `yaml:"behavior"`
	TimeoutSecs      int64    `yaml:"timeout_secs,omitempty"`
	TimeoutLongSecs  int64    `yaml:"timeout_long_secs,omitempty"`
	TimeoutShortSecs int64    `yaml:"timeout_short_secs,omitempty"`
}

// Long returns the timeout a table keyed on a single idle window
// should use: TimeoutLongSecs if set, else TimeoutSecs.
func (c TableConfig) Long() int64 {
	if c.TimeoutLongSecs != 0 {
		return c.TimeoutLongSecs
	}
	return c.TimeoutSecs
}

// Short returns the TCP table's short timeout.
func (c TableConfig) Short() int64 {
	return c.TimeoutShortSecs
}

// InterfaceConfig describes the tun device to create. Address and
// PrefixLen are optional: leaving them unset matches the original
// reference tool, which left its own tun address commented out and
// relied on the operator configuring it externally.
type InterfaceConfig struct {
	Name       string `yaml:"name"`
	PacketInfo bool   `yaml:"packet_info,omitempty"`
	Address    string `yaml:"address,omitempty"`
	PrefixLen  int    `yaml:"prefix_len,omitempty"`
}

// PortRangeConfig selects the external port pool: either an explicit
// list, or a PSID resolved through a CGNAT port-set allocation
// scheme.
type PortRangeConfig struct {
	Ports  []uint16 `yaml:"ports,omitempty"`
	PSID   *uint8   `yaml:"psid,omitempty"`
	Scheme string   `yaml:"scheme,omitempty"` // "v6plus" or "ocn-virtual-connect"
}

// Resolve returns the concrete port pool this configuration describes.
func (c PortRangeConfig) Resolve() ([]uint16, error) {
	if len(c.Ports) > 0 {
		return c.Ports, nil
	}
	if c.PSID == nil {
		return nil, fmt.Errorf("port_range: neither ports nor psid configured")
	}
	switch c.Scheme {
	case "v6plus", "":
		return keygen.PortRangeV6Plus(*c.PSID), nil
	case "ocn-virtual-connect":
		return keygen.PortRangeOCNVirtualConnect(*c.PSID), nil
	default:
		return nil, fmt.Errorf("port_range: unknown scheme %q", c.Scheme)
	}
}

// TablesConfig configures all three translation tables.
type TablesConfig struct {
	TCP      TableConfig `yaml:"tcp"`
	UDP      TableConfig `yaml:"udp"`
	ICMPEcho TableConfig `yaml:"icmp_echo"`
}

// Config is the top-level application configuration.
type Config struct {
	GlobalAddress string          `yaml:"global_address"`
	PortRange     PortRangeConfig `yaml:"port_range"`
	Interface     InterfaceConfig `yaml:"interface"`
	LogFile       string          `yaml:"log_file"`
	LogLevel      string          `yaml:"log_level,omitempty"`
	Tables        TablesConfig    `yaml:"tables"`
}

// defaultConfig mirrors the values the original reference program
// hard-coded: a single tun interface, a 100-port pool, and the same
// per-table behaviors and timeouts.
func defaultConfig() Config {
	return Config{
		GlobalAddress: "192.168.0.135",
		PortRange:     PortRangeConfig{Ports: sequentialPorts(19900, 20000)},
		Interface:     InterfaceConfig{Name: "gonat%d", Address: "10.255.0.1", PrefixLen: 24},
		LogFile:       "gonat.log",
		LogLevel:      "info",
		Tables: TablesConfig{
			TCP:      TableConfig{Behavior: BehaviorQuasiRestrictedCone, TimeoutLongSecs: 2000, TimeoutShortSecs: 120},
			UDP:      TableConfig{Behavior: BehaviorAddressPortDependent, TimeoutSecs: 150},
			ICMPEcho: TableConfig{Behavior: BehaviorQuasiSymmetric, TimeoutSecs: 150},
		},
	}
}

func sequentialPorts(start, end uint16) []uint16 {
	ports := make([]uint16, 0, int(end-start))
	for p := start; p < end; p++ {
		ports = append(ports, p)
	}
	return ports
}

// ConfigManager owns the on-disk configuration file: it loads it at
// startup, creating a default one if absent, and hands out copies to
// readers under a RWMutex the way the teacher's own manager does.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from filePath.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{filePath: filePath, bus: bus}
}

// Load reads and parses the configuration from disk. If the file does
// not exist, it is created with default values.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[Core] Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Core] failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}
	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}
