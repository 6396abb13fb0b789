// config.go - typed Config, spec.md §6 table, TOML decode.
// SPDX-License-Identifier: AGPL-3.0-only

// Package config decodes the node executable's TOML configuration file
// into the typed Config struct the core depends on. Parsing flags and
// directory layout belong to the executable, not the core (spec.md §1
// Non-goals); this package only owns the §6 table's shape and defaults.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the decoded shape of spec.md §6's CLI/config table. Durations
// are stored as time.Duration internally; tomlDuration below bridges the
// on-disk string form ("50ms", "1s") the same way katzenpost's own config
// packages accept human-readable duration strings.
type Config struct {
	MixPort     int `toml:"mix_port"`
	ClientsPort int `toml:"clients_port"`
	HTTPPort    int `toml:"http_port"`

	AveragePacketDelay              tomlDuration `toml:"average_packet_delay"`
	AverageAckDelay                 tomlDuration `toml:"average_ack_delay"`
	LoopCoverTrafficAverageDelay    tomlDuration `toml:"loop_cover_traffic_average_delay"`
	MessageSendingAverageDelay      tomlDuration `toml:"message_sending_average_delay"`

	AckWaitMultiplier float64      `toml:"ack_wait_multiplier"`
	AckWaitAddition   tomlDuration `toml:"ack_wait_addition"`

	TopologyRefreshRate        tomlDuration `toml:"topology_refresh_rate"`
	TopologyResolutionTimeout  tomlDuration `toml:"topology_resolution_timeout"`

	GatewayResponseTimeout   tomlDuration `toml:"gateway_response_timeout"`
	InitialConnectionTimeout tomlDuration `toml:"initial_connection_timeout"`

	MaximumPacketDelay tomlDuration `toml:"maximum_packet_delay"`

	MaximumReplayDetectionDeferral       tomlDuration `toml:"maximum_replay_detection_deferral"`
	MaximumReplayDetectionPendingPackets int          `toml:"maximum_replay_detection_pending_packets"`

	ClientBandwidthMaxFlushingRate        tomlDuration `toml:"client_bandwidth_max_flushing_rate"`
	ClientBandwidthMaxDeltaFlushingAmount int64        `toml:"client_bandwidth_max_delta_flushing_amount"`

	DisableLoopCoverTrafficStream     bool `toml:"disable_loop_cover_traffic_stream"`
	DisableMainPoissonPacketDistribution bool `toml:"disable_main_poisson_packet_distribution"`
}

// tomlDuration decodes TOML string durations ("50ms", "2m") the way
// katzenpost-family config packages accept human-readable intervals,
// without pulling in a reflection-heavy duration library.
type tomlDuration time.Duration

func (d *tomlDuration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	*d = tomlDuration(parsed)
	return nil
}

func (d tomlDuration) Duration() time.Duration { return time.Duration(d) }

// Default returns the table's defaults, matching the formulas and
// conservative bounds spec.md §4 names inline (expected_rtt growth,
// adversarial-delay clamp, batched-replay tuning).
func Default() Config {
	return Config{
		MixPort:     1789,
		ClientsPort: 9000,
		HTTPPort:    8080,

		AveragePacketDelay:           tomlDuration(200 * time.Millisecond),
		AverageAckDelay:              tomlDuration(200 * time.Millisecond),
		LoopCoverTrafficAverageDelay: tomlDuration(2 * time.Second),
		MessageSendingAverageDelay:   tomlDuration(100 * time.Millisecond),

		AckWaitMultiplier: 1.5,
		AckWaitAddition:   tomlDuration(3 * time.Second),

		TopologyRefreshRate:       tomlDuration(2 * time.Minute),
		TopologyResolutionTimeout: tomlDuration(5 * time.Second),

		GatewayResponseTimeout:   tomlDuration(1500 * time.Millisecond),
		InitialConnectionTimeout: tomlDuration(5 * time.Second),

		MaximumPacketDelay: tomlDuration(10 * time.Second),

		MaximumReplayDetectionDeferral:        tomlDuration(50 * time.Millisecond),
		MaximumReplayDetectionPendingPackets:  128,

		ClientBandwidthMaxFlushingRate:         tomlDuration(5 * time.Second),
		ClientBandwidthMaxDeltaFlushingAmount:  1 << 20,
	}
}

// Load decodes path over the defaults, so an operator's TOML file only
// needs to override the keys it cares about.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	for _, k := range meta.Undecoded() {
		return Config{}, fmt.Errorf("config: unrecognised key %q in %s", k, path)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the core could not safely run with.
func (c Config) Validate() error {
	if c.MixPort <= 0 || c.MixPort > 65535 {
		return fmt.Errorf("config: mix_port %d out of range", c.MixPort)
	}
	if c.ClientsPort <= 0 || c.ClientsPort > 65535 {
		return fmt.Errorf("config: clients_port %d out of range", c.ClientsPort)
	}
	if c.AckWaitMultiplier <= 1.0 {
		return fmt.Errorf("config: ack_wait_multiplier must be > 1.0 to guarantee deadline growth, got %f", c.AckWaitMultiplier)
	}
	if c.MaximumReplayDetectionPendingPackets <= 0 {
		return fmt.Errorf("config: maximum_replay_detection_pending_packets must be positive")
	}
	return nil
}
