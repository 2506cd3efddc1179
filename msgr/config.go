package msgr

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config describes the TOML-configuration for a messenger instance,
// naming every knob of spec.md §6 "Configuration (consumed only)",
// following the teacher's tomlConfig (cmd/dtnd/configuration.go) layout
// of one nested struct per concern.
type Config struct {
	Bind     bindConf
	Backoff  backoffConf
	Logging  logConf
	Cephx    cephxConf
	Fault    faultConf
	NoCRC    bool `toml:"ms_nocrc"`
	RWThreadStackBytes int `toml:"ms_rwthread_stack_bytes"`
}

// bindConf describes the Accepter's binding behavior (spec.md §6
// "ms_bind_ipv6", "ms_bind_port_min", "ms_bind_port_max"; SPEC_FULL.md
// §4.1).
type bindConf struct {
	IPv6        bool `toml:"ms_bind_ipv6"`
	PortMin     int  `toml:"ms_bind_port_min"`
	PortMax     int  `toml:"ms_bind_port_max"`
	TCPNoDelay  bool `toml:"ms_tcp_nodelay"`
	TCPRcvBuf   int  `toml:"ms_tcp_rcvbuf"`
	ReadTimeout durationConf `toml:"ms_tcp_read_timeout"`
}

// backoffConf describes the Pipe fault-handling backoff bounds (spec.md
// §6 "ms_initial_backoff", "ms_max_backoff"; §4.4).
type backoffConf struct {
	Initial durationConf `toml:"ms_initial_backoff"`
	Max     durationConf `toml:"ms_max_backoff"`
}

// logConf mirrors the teacher's logConf (cmd/dtnd/configuration.go).
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// cephxConf describes the per-message signature requirement and its
// cluster/service-scoped overrides (spec.md §6 "cephx_require_signatures
// and its cluster/service variants").
type cephxConf struct {
	RequireSignatures        bool `toml:"cephx_require_signatures"`
	RequireSignaturesCluster bool `toml:"cephx_cluster_require_signatures"`
	RequireSignaturesService bool `toml:"cephx_service_require_signatures"`
}

// faultConf describes the local fault-injection knobs supplemented from
// original_source (SPEC_FULL.md §9).
type faultConf struct {
	InjectDelayProbability float64      `toml:"inject_delay_probability"`
	InjectDelayMax         durationConf `toml:"inject_delay_max"`
}

// durationConf lets a TOML string like "250ms" decode into a
// time.Duration, since encoding/toml has no native duration type.
type durationConf struct {
	time.Duration
}

func (d *durationConf) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// LoadConfig reads and decodes a TOML configuration file, exactly as the
// teacher's parseCore loads cmd/dtnd's daemon config
// (cmd/dtnd/configuration.go).
func LoadConfig(filename string) (Config, error) {
	var conf Config
	_, err := toml.DecodeFile(filename, &conf)
	return conf, err
}

// PipeConfig projects this Config into the per-pipe template Pipes are
// built from.
func (c Config) PipeConfig() PipeConfig {
	return PipeConfig{
		TCPNoDelay:             c.Bind.TCPNoDelay,
		TCPRcvBuf:              c.Bind.TCPRcvBuf,
		ReadTimeout:            c.Bind.ReadTimeout.Duration,
		NoCRC:                  c.NoCRC,
		InitialBackoff:         durationOrDefault(c.Backoff.Initial.Duration, 200*time.Millisecond),
		MaxBackoff:             durationOrDefault(c.Backoff.Max.Duration, 15*time.Second),
		InjectDelayProbability: c.Fault.InjectDelayProbability,
		InjectDelayMax:         c.Fault.InjectDelayMax.Duration,
		ProtocolVersion:        1,
	}
}

func durationOrDefault(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}
