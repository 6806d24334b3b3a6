package domain

import "time"

// NetworkType identifies the family of RPC protocol a network speaks.
type NetworkType string

const (
	NetworkTypeEVM     NetworkType = "evm"
	NetworkTypeStellar NetworkType = "stellar"
)

// Valid reports whether t is one of the supported network types.
func (t NetworkType) Valid() bool {
	return t == NetworkTypeEVM || t == NetworkTypeStellar
}

// RPCEndpoint is one configured RPC URL of a network.
type RPCEndpoint struct {
	URL          string  `yaml:"url"            json:"url"`
	Weight       uint32  `yaml:"weight"         json:"weight"`         // 0-100, higher is preferred
	RateLimitRPS float64 `yaml:"rate_limit_rps" json:"rate_limit_rps"` // 0 = unlimited
}

// Network is the immutable configuration of one watched network.
type Network struct {
	Slug               string        `yaml:"slug"                json:"slug"`
	Name               string        `yaml:"name"                json:"name"`
	Type               NetworkType   `yaml:"type"                json:"type"`
	RPCEndpoints       []RPCEndpoint `yaml:"rpc_endpoints"       json:"rpc_endpoints"`
	BlockTimeMs        uint64        `yaml:"block_time_ms"       json:"block_time_ms"`
	ConfirmationBlocks uint64        `yaml:"confirmation_blocks" json:"confirmation_blocks"`
	CronSchedule       string        `yaml:"cron_schedule"       json:"cron_schedule"`
	MaxPastBlocks      *uint64       `yaml:"max_past_blocks"     json:"max_past_blocks,omitempty"`
	StoreBlocks        bool          `yaml:"store_blocks"        json:"store_blocks"`

	// Optional identity checks performed during the client handshake.
	ChainID           string `yaml:"chain_id"           json:"chain_id,omitempty"`
	NetworkPassphrase string `yaml:"network_passphrase" json:"network_passphrase,omitempty"`
}

// RecommendedPastBlocks returns ceil(cronInterval / blockTime) + confirmations + 1.
func (n Network) RecommendedPastBlocks(cronInterval time.Duration) uint64 {
	var perTick uint64
	if n.BlockTimeMs > 0 && cronInterval > 0 {
		ms := uint64(cronInterval.Milliseconds())
		perTick = (ms + n.BlockTimeMs - 1) / n.BlockTimeMs
	}
	return perTick + n.ConfirmationBlocks + 1
}

// EffectiveMaxPastBlocks returns the configured catch-up window or the recommended default.
func (n Network) EffectiveMaxPastBlocks(cronInterval time.Duration) uint64 {
	if n.MaxPastBlocks != nil && *n.MaxPastBlocks > 0 {
		return *n.MaxPastBlocks
	}
	return n.RecommendedPastBlocks(cronInterval)
}

// DisplayName returns Name, falling back to Slug.
func (n Network) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.Slug
}
