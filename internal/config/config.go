package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "EDGEAGENT_"

type File struct {
	Version     int         `yaml:"version" json:"version"`
	Log         Log         `yaml:"log" json:"log"`
	Agent       Agent       `yaml:"agent" json:"agent"`
	Coordinator Coordinator `yaml:"coordinator_server" json:"coordinator_server"`
}

type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type Agent struct {
	DeviceID           string        `yaml:"device_id" json:"device_id"`
	Coordinator        Endpoint      `yaml:"coordinator" json:"coordinator"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	PollInterval       time.Duration `yaml:"poll_interval" json:"poll_interval"`
	RequestTimeout     time.Duration `yaml:"request_timeout" json:"request_timeout"`
	DownloadTimeout    time.Duration `yaml:"download_timeout" json:"download_timeout"`
	StorageDir         string        `yaml:"storage_dir" json:"storage_dir"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	DrainTimeout       time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
	StatusAddr         string        `yaml:"status_addr" json:"status_addr"`
	Processing         Processing    `yaml:"processing" json:"processing"`
}

// Endpoint locates the coordinator. URL wins over discovery when both are set.
type Endpoint struct {
	URL             string        `yaml:"url" json:"url"`
	Discover        bool          `yaml:"discover" json:"discover"`
	Service         string        `yaml:"service" json:"service"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout" json:"discover_timeout"`
}

type Processing struct {
	Mode     string           `yaml:"mode" json:"mode"`
	Delay    time.Duration    `yaml:"delay" json:"delay"`
	Rules    []ProcessingRule `yaml:"rules,omitempty" json:"rules,omitempty"`
	Fallback string           `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

type ProcessingRule struct {
	Match   string        `yaml:"match" json:"match"`
	Command []string      `yaml:"command" json:"command"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

type Coordinator struct {
	Addr         string        `yaml:"addr" json:"addr"`
	DBPath       string        `yaml:"db_path" json:"db_path"`
	MDNS         bool          `yaml:"mdns" json:"mdns"`
	MDNSInstance string        `yaml:"mdns_instance" json:"mdns_instance"`
	OnlineWindow time.Duration `yaml:"online_window" json:"online_window"`
	PollLimit    int           `yaml:"poll_limit" json:"poll_limit"`
	AgentVersion string        `yaml:"agent_version" json:"agent_version"`
}

const (
	ProcessingNoop    = "noop"
	ProcessingDelay   = "delay"
	ProcessingCommand = "command"

	DefaultDiscoveryService = "_edgecoord._tcp"
)

func Defaults() File {
	return File{
		Version: 1,
		Log:     Log{Level: "info", Format: "text"},
		Agent: Agent{
			Coordinator: Endpoint{
				Service:         DefaultDiscoveryService,
				DiscoverTimeout: 3 * time.Second,
			},
			HeartbeatInterval:  30 * time.Second,
			PollInterval:       10 * time.Second,
			RequestTimeout:     10 * time.Second,
			DownloadTimeout:    30 * time.Second,
			StorageDir:         "edgeagent-data",
			MaxConcurrentTasks: 4,
			DrainTimeout:       30 * time.Second,
			Processing:         Processing{Mode: ProcessingNoop},
		},
		Coordinator: Coordinator{
			Addr:         ":3000",
			DBPath:       "edgecoord.db",
			MDNS:         true,
			OnlineWindow: 2 * time.Minute,
			PollLimit:    5,
		},
	}
}

// Load reads the optional YAML file at path, then applies EDGEAGENT_* environment
// overrides and validates the result.
func Load(path string) (File, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Defaults()
		return finish(cfg, "defaults")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	return Parse(data, path)
}

func Parse(data []byte, source string) (File, error) {
	cfg := Defaults()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse YAML in %q: %w", source, err)
	}
	return finish(cfg, source)
}

func finish(cfg File, source string) (File, error) {
	errs := cfg.applyEnv(os.LookupEnv)
	if strings.TrimSpace(cfg.Agent.DeviceID) == "" {
		cfg.Agent.DeviceID = DefaultDeviceID()
	}
	errs = append(errs, cfg.Validate()...)
	if len(errs) > 0 {
		return cfg, fmt.Errorf("invalid config in %q: %s", source, strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (cfg *File) applyEnv(lookup func(string) (string, bool)) []string {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(envPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
			return
		}
		*dst = d
	}
	num := func(key string, dst *int) {
		v, ok := lookup(envPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		case "":
		default:
			errs = append(errs, fmt.Sprintf("%s%s: invalid boolean %q", envPrefix, key, v))
		}
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)

	a := &cfg.Agent
	str("DEVICE_ID", &a.DeviceID)
	str("COORDINATOR_URL", &a.Coordinator.URL)
	flag("COORDINATOR_DISCOVER", &a.Coordinator.Discover)
	dur("HEARTBEAT_INTERVAL", &a.HeartbeatInterval)
	dur("POLL_INTERVAL", &a.PollInterval)
	dur("REQUEST_TIMEOUT", &a.RequestTimeout)
	dur("DOWNLOAD_TIMEOUT", &a.DownloadTimeout)
	str("STORAGE_DIR", &a.StorageDir)
	num("MAX_CONCURRENT_TASKS", &a.MaxConcurrentTasks)
	dur("DRAIN_TIMEOUT", &a.DrainTimeout)
	str("STATUS_ADDR", &a.StatusAddr)
	str("PROCESSING_MODE", &a.Processing.Mode)

	c := &cfg.Coordinator
	str("COORDINATOR_ADDR", &c.Addr)
	str("COORDINATOR_DB", &c.DBPath)
	flag("COORDINATOR_MDNS", &c.MDNS)
	return errs
}

func (cfg File) Validate() []string {
	var errs []string

	if cfg.Version != 1 {
		errs = append(errs, fmt.Sprintf("unsupported config version %d", cfg.Version))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(cfg.Log.Level)) {
		errs = append(errs, fmt.Sprintf("log.level must be one of debug,info,warn,error (got %q)", cfg.Log.Level))
	}
	if !slices.Contains([]string{"text", "json"}, strings.ToLower(cfg.Log.Format)) {
		errs = append(errs, fmt.Sprintf("log.format must be one of text,json (got %q)", cfg.Log.Format))
	}

	a := cfg.Agent
	if strings.TrimSpace(a.DeviceID) == "" {
		errs = append(errs, "agent.device_id is required")
	}
	if u := strings.TrimSpace(a.Coordinator.URL); u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		errs = append(errs, fmt.Sprintf("agent.coordinator.url must be an http(s) URL (got %q)", u))
	}
	if a.Coordinator.Discover && strings.TrimSpace(a.Coordinator.Service) == "" {
		errs = append(errs, "agent.coordinator.service is required when discovery is enabled")
	}
	positive := map[string]time.Duration{
		"agent.heartbeat_interval": a.HeartbeatInterval,
		"agent.poll_interval":      a.PollInterval,
		"agent.request_timeout":    a.RequestTimeout,
		"agent.download_timeout":   a.DownloadTimeout,
	}
	keys := make([]string, 0, len(positive))
	for k := range positive {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if positive[k] <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be > 0", k))
		}
	}
	if a.DrainTimeout < 0 {
		errs = append(errs, "agent.drain_timeout must be >= 0")
	}
	if strings.TrimSpace(a.StorageDir) == "" {
		errs = append(errs, "agent.storage_dir is required")
	}
	if a.MaxConcurrentTasks < 1 {
		errs = append(errs, "agent.max_concurrent_tasks must be >= 1")
	}
	errs = append(errs, a.Processing.validate()...)

	c := cfg.Coordinator
	if c.OnlineWindow <= 0 {
		errs = append(errs, "coordinator_server.online_window must be > 0")
	}
	if c.PollLimit < 1 {
		errs = append(errs, "coordinator_server.poll_limit must be >= 1")
	}
	return errs
}

// ValidateEndpoint reports whether the agent knows how to reach a coordinator.
// It is separate from Validate because the coordinator role does not need it.
func (a Agent) ValidateEndpoint() error {
	if strings.TrimSpace(a.Coordinator.URL) == "" && !a.Coordinator.Discover {
		return fmt.Errorf("agent.coordinator.url is required unless agent.coordinator.discover is enabled")
	}
	return nil
}

func (p Processing) validate() []string {
	var errs []string
	modes := []string{ProcessingNoop, ProcessingDelay, ProcessingCommand}
	if !slices.Contains(modes, p.Mode) {
		errs = append(errs, fmt.Sprintf("agent.processing.mode must be one of %s (got %q)", strings.Join(modes, ","), p.Mode))
	}
	if p.Delay < 0 {
		errs = append(errs, "agent.processing.delay must be >= 0")
	}
	if p.Mode == ProcessingCommand && len(p.Rules) == 0 {
		errs = append(errs, "agent.processing.rules must contain at least one rule in command mode")
	}
	if p.Fallback != "" && !slices.Contains([]string{ProcessingNoop, ProcessingDelay}, p.Fallback) {
		errs = append(errs, fmt.Sprintf("agent.processing.fallback must be one of noop,delay (got %q)", p.Fallback))
	}
	for i, r := range p.Rules {
		if strings.TrimSpace(r.Match) == "" {
			errs = append(errs, fmt.Sprintf("agent.processing.rules[%d].match is required", i))
		}
		if len(r.Command) == 0 || strings.TrimSpace(r.Command[0]) == "" {
			errs = append(errs, fmt.Sprintf("agent.processing.rules[%d].command is required", i))
		}
		if r.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("agent.processing.rules[%d].timeout must be >= 0", i))
		}
	}
	return errs
}

// DefaultDeviceID prefers the first routable IPv4 address, which is how the
// coordinator addresses devices, and falls back to the hostname.
func DefaultDeviceID() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		if ip := firstRoutableIPv4(addrs); ip != "" {
			return ip
		}
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "device-unknown"
	}
	return hostname
}

func firstRoutableIPv4(addrs []net.Addr) string {
	var candidates []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet == nil || ipNet.IP == nil {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
			continue
		}
		candidates = append(candidates, ip.String())
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[0]
}
