// Package config loads the core's configuration: ambient service/runtime
// settings via koanf, and the static peer / peer-group model. The koanf
// wiring (YAML + env overlay) and Validate shape follow the same pattern
// used throughout this codebase's other config loaders.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// Unset is the sentinel for an unset integer-valued scalar field in a Peer
// or PeerGroup.
const Unset = -1

// LabelAction mirrors session.LabelAction. Declared independently (not
// imported from internal/session) so that config has no dependency on
// session; the control plane layer translates between the two.
type LabelAction uint8

const (
	LabelActionUnset LabelAction = iota
	LabelActionNoAction
	LabelActionLabel
	LabelActionStoreRibOnly
)

// RequirementKind tags how a peer treats one optional BGP capability.
type RequirementKind uint8

const (
	Allow RequirementKind = iota
	Require
	Refuse
)

// CapabilityRequirement is one entry in a peer's receive-capability
// requirement set. Value is nil for a wildcard match on Code; a
// value-exact requirement (Value non-nil) always outranks a
// value-wildcard requirement with the same Code
type CapabilityRequirement struct {
	Code  uint8
	Value []byte // nil means "any value" for this code
	Kind  RequirementKind
}

// Matches reports whether this requirement applies to an advertised
// capability (code, value) and how specific the match is (2 = exact
// value, 1 = wildcard, 0 = no match: a different code, or the same code
// with a different value).
func (r CapabilityRequirement) Matches(code uint8, value []byte) int {
	if r.Code != code {
		return 0
	}
	if r.Value == nil {
		return 1
	}
	if string(r.Value) == string(value) {
		return 2
	}
	return 0
}

// Resolve picks the most-specific requirement matching (code, value) out
// of a requirement set. ok is false if nothing in reqs matches this code at all.
func Resolve(reqs []CapabilityRequirement, code uint8, value []byte) (kind RequirementKind, ok bool) {
	bestSpecificity := 0
	for _, r := range reqs {
		if spec := r.Matches(code, value); spec > bestSpecificity {
			bestSpecificity = spec
			kind = r.Kind
			ok = true
		}
	}
	return kind, ok
}

// RouteRefreshAction controls whether a session emits ROUTE-REFRESH once
// Established.
type RouteRefreshAction uint8

const (
	RouteRefreshUnset RouteRefreshAction = iota
	RouteRefreshDisabled
	RouteRefreshEnabled
)

// Peer is the static description of a desired peering.
// Scalar fields use the Unset/empty-string sentinels so resolution can
// distinguish "explicitly set here" from "inherit from the group chain".
type Peer struct {
	Name string

	LocalAddr  string
	LocalPort  int
	LocalAS    int
	RemoteAddr string
	RemotePort int
	RemoteAS   int

	MD5Key string

	AnnounceCapabilities   []CapabilityRequirement
	ReceiveRequirements    []CapabilityRequirement

	LabelAction        LabelAction
	RouteRefreshAction RouteRefreshAction
	Enabled            *bool // nil = unset, inherit

	HoldTimeSeconds        int // Unset = inherit
	ConnectRetrySeconds    int
	GroupName              string
}

// PeerGroup is a named bundle of defaults a Peer may inherit from. A group
// names at most one parent group.
type PeerGroup struct {
	Name       string
	ParentName string

	LocalAS int
	MD5Key  string

	AnnounceCapabilities []CapabilityRequirement
	ReceiveRequirements  []CapabilityRequirement

	LabelAction        LabelAction
	RouteRefreshAction RouteRefreshAction
	Enabled            *bool

	HoldTimeSeconds     int
	ConnectRetrySeconds int
}

// maxGroupChainLength bounds the peer → group → parent walk so every
// resolver call terminates in a small constant number of steps.
const maxGroupChainLength = 8

// ErrGroupCycle is returned when a peer-group chain loops back on itself.
var ErrGroupCycle = fmt.Errorf("config: peer-group chain exceeds %d hops or cycles", maxGroupChainLength)

// Resolved is the fully-merged view of a Peer after walking its group
// chain, with every Unset/empty field replaced by the first set value
// found in peer → group → parent → ... → default group.
type Resolved struct {
	LocalAS             int
	MD5Key              string
	AnnounceCapabilities []CapabilityRequirement
	ReceiveRequirements  []CapabilityRequirement
	LabelAction          LabelAction
	RouteRefreshAction   RouteRefreshAction
	Enabled              bool
	HoldTimeSeconds      int
	ConnectRetrySeconds  int
}

// Model holds the complete set of peers and peer-groups loaded for this
// process, plus the name of the default peer-group used as the final
// fallback in resolution.
type Model struct {
	Peers        map[string]*Peer
	Groups       map[string]*PeerGroup
	DefaultGroup string
}

// ResolvePeer walks peer → peer-group → ... → default-group and returns
// the first set value for each scalar field. Unset is distinguishable
// from every legal value, so a peer's explicit zero is never masked by
// an inherited default.
func (m *Model) ResolvePeer(peerName string) (Resolved, error) {
	p, ok := m.Peers[peerName]
	if !ok {
		return Resolved{}, fmt.Errorf("config: unknown peer %q", peerName)
	}

	var out Resolved
	out.LocalAS = p.LocalAS
	out.MD5Key = p.MD5Key
	out.AnnounceCapabilities = p.AnnounceCapabilities
	out.ReceiveRequirements = p.ReceiveRequirements
	out.LabelAction = p.LabelAction
	out.RouteRefreshAction = p.RouteRefreshAction
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	out.HoldTimeSeconds = p.HoldTimeSeconds
	out.ConnectRetrySeconds = p.ConnectRetrySeconds

	chain := []string{}
	if p.GroupName != "" {
		chain = append(chain, p.GroupName)
	}
	seen := map[string]bool{}
	enabledSet := p.Enabled != nil
	for i := 0; i < maxGroupChainLength && len(chain) > 0; i++ {
		name := chain[0]
		chain = chain[1:]
		if seen[name] {
			return Resolved{}, ErrGroupCycle
		}
		seen[name] = true
		g, ok := m.Groups[name]
		if !ok {
			break
		}
		if out.LocalAS == Unset && g.LocalAS != Unset {
			out.LocalAS = g.LocalAS
		}
		if out.MD5Key == "" && g.MD5Key != "" {
			out.MD5Key = g.MD5Key
		}
		if out.AnnounceCapabilities == nil {
			out.AnnounceCapabilities = g.AnnounceCapabilities
		}
		if out.ReceiveRequirements == nil {
			out.ReceiveRequirements = g.ReceiveRequirements
		}
		if out.LabelAction == LabelActionUnset {
			out.LabelAction = g.LabelAction
		}
		if out.RouteRefreshAction == RouteRefreshUnset {
			out.RouteRefreshAction = g.RouteRefreshAction
		}
		if !enabledSet && g.Enabled != nil {
			out.Enabled = *g.Enabled
			enabledSet = true
		}
		if out.HoldTimeSeconds == Unset && g.HoldTimeSeconds != Unset {
			out.HoldTimeSeconds = g.HoldTimeSeconds
		}
		if out.ConnectRetrySeconds == Unset && g.ConnectRetrySeconds != Unset {
			out.ConnectRetrySeconds = g.ConnectRetrySeconds
		}
		if g.ParentName != "" {
			chain = append(chain, g.ParentName)
		}
	}
	if len(chain) > 0 {
		return Resolved{}, ErrGroupCycle
	}

	if m.DefaultGroup != "" && m.DefaultGroup != p.GroupName {
		if dg, ok := m.Groups[m.DefaultGroup]; ok {
			if out.LocalAS == Unset {
				out.LocalAS = dg.LocalAS
			}
			if out.MD5Key == "" {
				out.MD5Key = dg.MD5Key
			}
			if out.AnnounceCapabilities == nil {
				out.AnnounceCapabilities = dg.AnnounceCapabilities
			}
			if out.ReceiveRequirements == nil {
				out.ReceiveRequirements = dg.ReceiveRequirements
			}
			if out.LabelAction == LabelActionUnset {
				out.LabelAction = dg.LabelAction
			}
			if out.RouteRefreshAction == RouteRefreshUnset {
				out.RouteRefreshAction = dg.RouteRefreshAction
			}
			if !enabledSet && dg.Enabled != nil {
				out.Enabled = *dg.Enabled
			}
			if out.HoldTimeSeconds == Unset {
				out.HoldTimeSeconds = dg.HoldTimeSeconds
			}
			if out.ConnectRetrySeconds == Unset {
				out.ConnectRetrySeconds = dg.ConnectRetrySeconds
			}
		}
	}

	return out, nil
}

// Config is the ambient runtime configuration, loaded via koanf.
type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Queue     QueueConfig     `koanf:"queue"`
	MRT       MRTConfig       `koanf:"mrt"`
	Kafka     KafkaExportConfig `koanf:"kafka"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Retention RetentionConfig `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	RouterID               string `koanf:"router_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
	ConfigFile             string `koanf:"config_file"`
	StatusIntervalSeconds  int    `koanf:"status_interval_seconds"`
	SupervisorIntervalSeconds int `koanf:"supervisor_interval_seconds"`
	DeadIntervalSeconds    int    `koanf:"dead_interval_seconds"`
	MaxPeers               int    `koanf:"max_peers"`
	MaxPeerGroups          int    `koanf:"max_peer_groups"`
	MaxSessions            int    `koanf:"max_sessions"`
}

// QueueConfig matches the recognized publication options of queue.Options.
type QueueConfig struct {
	Capacity           int     `koanf:"capacity"`
	PacingOnThreshold  float64 `koanf:"pacing_on_threshold"`
	PacingOffThreshold float64 `koanf:"pacing_off_threshold"`
	Alpha              float64 `koanf:"alpha"`
	MinimumWritesLimit int     `koanf:"minimum_writes_limit"`
	PacingIntervalSeconds int  `koanf:"pacing_interval_seconds"`
	SlowReaderLag      int     `koanf:"slow_reader_lag"`
}

// MRTConfig controls the MRT ingestion path.
type MRTConfig struct {
	Enabled             bool   `koanf:"enabled"`
	Path                string `koanf:"path"`
	DrainChunkFraction  float64 `koanf:"drain_chunk_fraction"`
	WaitForLiveSeconds  int    `koanf:"wait_for_live_seconds"`
	PollIntervalSeconds int    `koanf:"poll_interval_seconds"`
}

// KafkaExportConfig is optional: when enabled, labeled BMF envelopes are
// also published to a Kafka topic for downstream consumers.
type KafkaExportConfig struct {
	Enabled       bool      `koanf:"enabled"`
	Brokers       []string  `koanf:"brokers"`
	ClientID      string    `koanf:"client_id"`
	Topic         string    `koanf:"topic"`
	TLS           TLSConfig `koanf:"tls"`
	SASL          SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// BuildTLSConfig creates a *tls.Config from the export Kafka TLS settings.
// Returns nil if TLS is disabled.
func (k *KafkaExportConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the export Kafka SASL
// settings. Returns nil if SASL is disabled.
func (k *KafkaExportConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}

// PostgresConfig is optional: when DSN is set, session-history is
// persisted to Postgres as an append-only audit trail.
type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

// Load reads the ambient configuration from a YAML file overlaid with
// BGPMON_-prefixed environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("BGPMON_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGPMON_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:                "bgpmon-1",
			RouterID:                  "0.0.0.0",
			HTTPListen:                ":8080",
			LogLevel:                  "info",
			ShutdownTimeoutSeconds:    30,
			StatusIntervalSeconds:     10,
			SupervisorIntervalSeconds: 5,
			DeadIntervalSeconds:       60,
			MaxPeers:                  256,
			MaxPeerGroups:             64,
			MaxSessions:               512,
		},
		Queue: QueueConfig{
			Capacity:              4096,
			PacingOnThreshold:     0.75,
			PacingOffThreshold:    0.50,
			Alpha:                 0.3,
			MinimumWritesLimit:    1,
			PacingIntervalSeconds: 1,
			SlowReaderLag:         1024,
		},
		MRT: MRTConfig{
			DrainChunkFraction:  0.25,
			WaitForLiveSeconds:  30,
			PollIntervalSeconds: 1,
		},
		Kafka: KafkaExportConfig{
			ClientID: "bgpmon",
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 1,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("config: queue.capacity must be > 0 (got %d)", c.Queue.Capacity)
	}
	if c.Queue.PacingOnThreshold <= c.Queue.PacingOffThreshold {
		return fmt.Errorf("config: queue.pacing_on_threshold (%f) must exceed pacing_off_threshold (%f)",
			c.Queue.PacingOnThreshold, c.Queue.PacingOffThreshold)
	}
	if c.MRT.Enabled && c.MRT.Path == "" {
		return fmt.Errorf("config: mrt.path is required when mrt.enabled is true")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required when kafka.enabled is true")
	}
	if c.Postgres.DSN != "" && c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	return nil
}

// LoadPeers reads the peer/peer-group model from a separate YAML document,
// kept apart from the ambient Config since peer topology and service
// runtime settings change on different schedules.
func LoadPeers(path string) (*Model, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading peers file %s: %w", path, err)
	}

	var raw struct {
		DefaultGroup string                 `koanf:"default_group"`
		Groups       map[string]rawGroup    `koanf:"groups"`
		Peers        map[string]rawPeer     `koanf:"peers"`
	}
	if err := k.Unmarshal("", &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling peers: %w", err)
	}

	m := &Model{
		Peers:        map[string]*Peer{},
		Groups:       map[string]*PeerGroup{},
		DefaultGroup: raw.DefaultGroup,
	}
	for name, g := range raw.Groups {
		m.Groups[name] = g.toGroup(name)
	}
	for name, p := range raw.Peers {
		m.Peers[name] = p.toPeer(name)
	}
	return m, nil
}

type rawReq struct {
	Code  uint8  `koanf:"code"`
	Value string `koanf:"value"`
	Kind  string `koanf:"kind"`
}

func (r rawReq) toReq() CapabilityRequirement {
	var kind RequirementKind
	switch strings.ToLower(r.Kind) {
	case "require":
		kind = Require
	case "refuse":
		kind = Refuse
	default:
		kind = Allow
	}
	var value []byte
	if r.Value != "" {
		value = []byte(r.Value)
	}
	return CapabilityRequirement{Code: r.Code, Value: value, Kind: kind}
}

type rawGroup struct {
	Parent              string   `koanf:"parent"`
	LocalAS              int      `koanf:"local_as"`
	MD5Key               string   `koanf:"md5_key"`
	Announce             []rawReq `koanf:"announce"`
	Receive              []rawReq `koanf:"receive"`
	LabelAction          string   `koanf:"label_action"`
	RouteRefresh         string   `koanf:"route_refresh"`
	Enabled              *bool    `koanf:"enabled"`
	HoldTimeSeconds      int      `koanf:"hold_time_seconds"`
	ConnectRetrySeconds  int      `koanf:"connect_retry_seconds"`
}

func (g rawGroup) toGroup(name string) *PeerGroup {
	return &PeerGroup{
		Name:                 name,
		ParentName:           g.Parent,
		LocalAS:              orUnset(g.LocalAS),
		MD5Key:               g.MD5Key,
		AnnounceCapabilities: toReqs(g.Announce),
		ReceiveRequirements:  toReqs(g.Receive),
		LabelAction:          parseLabelAction(g.LabelAction),
		RouteRefreshAction:   parseRouteRefresh(g.RouteRefresh),
		Enabled:              g.Enabled,
		HoldTimeSeconds:      orUnset(g.HoldTimeSeconds),
		ConnectRetrySeconds:  orUnset(g.ConnectRetrySeconds),
	}
}

type rawPeer struct {
	Group                string   `koanf:"group"`
	LocalAddr            string   `koanf:"local_addr"`
	LocalPort            int      `koanf:"local_port"`
	LocalAS              int      `koanf:"local_as"`
	RemoteAddr           string   `koanf:"remote_addr"`
	RemotePort           int      `koanf:"remote_port"`
	RemoteAS             int      `koanf:"remote_as"`
	MD5Key               string   `koanf:"md5_key"`
	Announce             []rawReq `koanf:"announce"`
	Receive              []rawReq `koanf:"receive"`
	LabelAction          string   `koanf:"label_action"`
	RouteRefresh         string   `koanf:"route_refresh"`
	Enabled              *bool    `koanf:"enabled"`
	HoldTimeSeconds      int      `koanf:"hold_time_seconds"`
	ConnectRetrySeconds  int      `koanf:"connect_retry_seconds"`
}

func (p rawPeer) toPeer(name string) *Peer {
	return &Peer{
		Name:                 name,
		GroupName:            p.Group,
		LocalAddr:            p.LocalAddr,
		LocalPort:            p.LocalPort,
		LocalAS:              orUnset(p.LocalAS),
		RemoteAddr:           p.RemoteAddr,
		RemotePort:           p.RemotePort,
		RemoteAS:             p.RemoteAS,
		MD5Key:               p.MD5Key,
		AnnounceCapabilities: toReqs(p.Announce),
		ReceiveRequirements:  toReqs(p.Receive),
		LabelAction:          parseLabelAction(p.LabelAction),
		RouteRefreshAction:   parseRouteRefresh(p.RouteRefresh),
		Enabled:              p.Enabled,
		HoldTimeSeconds:      orUnset(p.HoldTimeSeconds),
		ConnectRetrySeconds:  orUnset(p.ConnectRetrySeconds),
	}
}

func toReqs(raw []rawReq) []CapabilityRequirement {
	if len(raw) == 0 {
		return nil
	}
	out := make([]CapabilityRequirement, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toReq())
	}
	return out
}

func orUnset(v int) int {
	if v == 0 {
		return Unset
	}
	return v
}

func parseLabelAction(s string) LabelAction {
	switch strings.ToLower(s) {
	case "noaction", "no_action":
		return LabelActionNoAction
	case "label":
		return LabelActionLabel
	case "storeribonly", "store_rib_only":
		return LabelActionStoreRibOnly
	default:
		return LabelActionUnset
	}
}

func parseRouteRefresh(s string) RouteRefreshAction {
	switch strings.ToLower(s) {
	case "enabled", "true":
		return RouteRefreshEnabled
	case "disabled", "false":
		return RouteRefreshDisabled
	default:
		return RouteRefreshUnset
	}
}

// ReadFileOrEnv is a small helper used by components that need to read a
// secret (e.g. an MD5 key) either inline from config or from a file path.
func ReadFileOrEnv(inline, filePath string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if filePath == "" {
		return "", nil
	}
	b, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", filePath, err)
	}
	return strings.TrimSpace(string(b)), nil
}
