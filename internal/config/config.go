package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"gridkv/internal/membership"
	"gridkv/internal/quorum"
)

// Peer represents a peer node in the cluster.
type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// QuorumConfig is the file form of a quorum.Config. Custom policies are
// referenced by the name of a registered policy factory.
type QuorumConfig struct {
	Name        string `yaml:"name"`
	Enabled     bool   `yaml:"enabled"`
	Type        string `yaml:"type"`
	MinimumSize int    `yaml:"minimum-size"`
	Policy      string `yaml:"policy"`
}

// MapConfig configures a named map. QuorumName, when set, must name a
// configured quorum.
type MapConfig struct {
	Name       string        `yaml:"name"`
	QuorumName string        `yaml:"quorum"`
	TTL        time.Duration `yaml:"ttl"`
}

// GossipConfig holds membership protocol timing.
type GossipConfig struct {
	ProbeInterval  time.Duration `yaml:"probe-interval"`
	SuspectTimeout time.Duration `yaml:"suspect-timeout"`
	DeadTimeout    time.Duration `yaml:"dead-timeout"`
}

// Config holds the node configuration.
type Config struct {
	NodeID     string         `yaml:"node-id"`
	ListenAddr string         `yaml:"listen"`
	Peers      []Peer         `yaml:"peers"`
	VNodes     int            `yaml:"vnodes"`
	Gossip     GossipConfig   `yaml:"gossip"`
	Quorums    []QuorumConfig `yaml:"quorums"`
	Maps       []MapConfig    `yaml:"maps"`
}

// Load reads a YAML config file. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML config document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ParsePeers parses a comma-separated list of peers in the format:
// "id1=addr1,id2=addr2,id3=addr3"
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected id=addr)", part)
		}

		id := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])

		if id == "" || addr == "" {
			return nil, fmt.Errorf("peer ID and address cannot be empty: %s", part)
		}

		peers = append(peers, Peer{ID: id, Addr: addr})
	}

	return peers, nil
}

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs error

	if c.NodeID == "" {
		errs = multierr.Append(errs, fmt.Errorf("node-id cannot be empty"))
	}
	if c.VNodes < 0 {
		errs = multierr.Append(errs, fmt.Errorf("vnodes cannot be negative: %d", c.VNodes))
	}

	quorums := make(map[string]bool, len(c.Quorums))
	for _, q := range c.Quorums {
		switch {
		case q.Name == "":
			errs = multierr.Append(errs, &quorum.ConfigError{Reason: "name cannot be empty"})
			continue
		case quorums[q.Name]:
			errs = multierr.Append(errs, &quorum.ConfigError{Quorum: q.Name, Reason: "duplicate name"})
			continue
		}
		quorums[q.Name] = true

		if _, err := quorum.ParseType(q.Type); err != nil {
			errs = multierr.Append(errs, &quorum.ConfigError{Quorum: q.Name, Reason: err.Error()})
		}
		if q.MinimumSize < 0 {
			errs = multierr.Append(errs, &quorum.ConfigError{Quorum: q.Name, Reason: "minimum-size cannot be negative"})
		}
		if q.Enabled && q.Policy == "" && q.MinimumSize < 1 {
			errs = multierr.Append(errs, &quorum.ConfigError{Quorum: q.Name, Reason: "enabled quorum needs minimum-size >= 1 or a policy"})
		}
	}

	maps := make(map[string]bool, len(c.Maps))
	for _, m := range c.Maps {
		switch {
		case m.Name == "":
			errs = multierr.Append(errs, fmt.Errorf("map name cannot be empty"))
			continue
		case maps[m.Name]:
			errs = multierr.Append(errs, fmt.Errorf("duplicate map %q", m.Name))
			continue
		}
		maps[m.Name] = true

		if m.QuorumName != "" && !quorums[m.QuorumName] {
			errs = multierr.Append(errs, fmt.Errorf("map %q: %w",
				m.Name, &quorum.ConfigError{Quorum: m.QuorumName, Reason: "unknown quorum"}))
		}
	}

	return errs
}

// QuorumConfigs converts the file form into quorum.Config values.
func (c *Config) QuorumConfigs() ([]quorum.Config, error) {
	out := make([]quorum.Config, 0, len(c.Quorums))
	for _, q := range c.Quorums {
		typ, err := quorum.ParseType(q.Type)
		if err != nil {
			return nil, &quorum.ConfigError{Quorum: q.Name, Reason: err.Error()}
		}
		out = append(out, quorum.Config{
			Name:        q.Name,
			Enabled:     q.Enabled,
			Type:        typ,
			MinimumSize: q.MinimumSize,
			PolicyName:  q.Policy,
		})
	}
	return out, nil
}

// Seeds converts config peers into membership seeds, skipping self.
func (c *Config) Seeds() []membership.Member {
	seeds := make([]membership.Member, 0, len(c.Peers))
	for _, peer := range c.Peers {
		if peer.ID != c.NodeID {
			seeds = append(seeds, membership.Member{ID: peer.ID, Addr: peer.Addr})
		}
	}
	return seeds
}

// LocalMember returns the member describing this node.
func (c *Config) LocalMember() membership.Member {
	return membership.Member{ID: c.NodeID, Addr: c.ListenAddr}
}
