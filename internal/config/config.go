// Package config parses the CLI flags for both converter binaries (spec
// §6), following the teacher's pattern of a cobra root command carrying
// flat persistent flags with no subcommand tree, and layers an
// EDI2EDI_<FLAG> environment-variable overlay on top via viper —
// mirroring the teacher's internal/config ValidateAndApplyDefaults shape.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	MaxDelayMS           = 100000
	MaxBackoffMS         = 100000
	DefaultBackoffMS     = 5000
	DefaultSwitchDelayMS = 2000
)

// TCPConverterConfig is the flag set for digris-edi-tcp-converter.
type TCPConverterConfig struct {
	Sources           []SourceSpec
	Mode              string
	SwitchDelayMS     int
	DelayMS           *int
	BackoffMS         int
	RCSocket          string
	StartupScript     string
	FEC               int
	InterleavePercent int
	Align             int
	Dump              bool
	Verbosity         int
	WithPFT           bool
	WithoutPFT        bool
	LiveStatsPort     int
	Destinations      []DestSpec
	TCPListenPort     int
	ZMQEndpoint       string
}

// EnablePFT resolves the tri-state --with-pft/--without-pft pair: when TCP
// and UDP destinations coexist the operator must force-choose (spec §4.4).
func (c *TCPConverterConfig) EnablePFT() (bool, error) {
	switch {
	case c.WithPFT && c.WithoutPFT:
		return false, fmt.Errorf("config: --with-pft and --without-pft are mutually exclusive")
	case c.WithPFT:
		return true, nil
	case c.WithoutPFT:
		return false, nil
	case len(c.Destinations) > 0 && c.TCPListenPort != 0:
		return false, fmt.Errorf("config: TCP and UDP destinations both configured; pass --with-pft or --without-pft")
	default:
		return len(c.Destinations) > 0, nil
	}
}

// BindTCPConverterFlags registers every tcp-converter flag on cmd and
// returns the struct they populate after cmd.Execute().
func BindTCPConverterFlags(cmd *cobra.Command) *TCPConverterConfig {
	cfg := &TCPConverterConfig{}
	fs := cmd.Flags()

	fs.VarP(newSourceList(true, &cfg.Sources), "input", "c", "enabled EDI/TCP input host:port (repeatable)")
	fs.VarP(newSourceList(false, &cfg.Sources), "input-disabled", "F", "disabled EDI/TCP input host:port (repeatable)")
	fs.StringVarP(&cfg.Mode, "mode", "m", "merge", "input combination mode: merge|switch")
	fs.IntVar(&cfg.SwitchDelayMS, "switch-delay", DefaultSwitchDelayMS, "switch-mode silence tolerance, ms")
	cfg.DelayMS = fs.IntP("delay", "w", 0, "release delay relative to TIST, ms (may be negative)")
	fs.IntVarP(&cfg.BackoffMS, "backoff", "b", DefaultBackoffMS, "post-incident output silence, ms")
	fs.StringVarP(&cfg.RCSocket, "rc-socket", "r", "/var/run/edi2edi/rc.sock", "UNIX datagram remote-control socket path")
	fs.StringVarP(&cfg.StartupScript, "startup-script", "C", "", "script run once before the main loop; non-zero exit is fatal")
	fs.IntVarP(&cfg.FEC, "fec", "f", 0, "PFT FEC level, 0..5")
	fs.IntVarP(&cfg.InterleavePercent, "interleave", "i", 0, "PFT interleave percent")
	fs.IntVar(&cfg.Align, "align", 0, "PFT fragment alignment")
	fs.BoolVarP(&cfg.Dump, "dump", "D", false, "dump decoded tagpackets to stderr")
	fs.CountVarP(&cfg.Verbosity, "verbose", "v", "increase log verbosity (repeatable, 0..3)")
	fs.BoolVar(&cfg.WithPFT, "with-pft", false, "force PFT fragmentation on")
	fs.BoolVar(&cfg.WithoutPFT, "without-pft", false, "force PFT fragmentation off")
	fs.IntVar(&cfg.LiveStatsPort, "live-stats-port", 0, "send periodic live statistics to UDP 127.0.0.1:<port>, 0 disables it")
	fs.VarP(newDestList(&cfg.Destinations), "dest", "d", "UDP destination ip:port[:srcport:srcip:ttl] (repeatable)")
	fs.IntVarP(&cfg.TCPListenPort, "tcp-listen-port", "T", 0, "TCP fan-out listen port, 0 disables it")
	fs.StringVarP(&cfg.ZMQEndpoint, "zmq", "z", "", "ZMQ PUB endpoint for legacy ETI reconstruction output")

	bindEnvOverlay(fs, "EDI2EDI")
	return cfg
}

// Validate applies the spec's range constraints (§4.5): delay ±100000ms,
// backoff 0..100000ms, port 0..65535.
func (c *TCPConverterConfig) Validate() error {
	if c.Mode != "merge" && c.Mode != "switch" {
		return fmt.Errorf("config: mode must be merge or switch, got %q", c.Mode)
	}
	if c.DelayMS != nil && (*c.DelayMS < -MaxDelayMS || *c.DelayMS > MaxDelayMS) {
		return fmt.Errorf("config: delay out of range ±%dms", MaxDelayMS)
	}
	if c.BackoffMS < 0 || c.BackoffMS > MaxBackoffMS {
		return fmt.Errorf("config: backoff out of range 0..%dms", MaxBackoffMS)
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one -c/-F input is required")
	}
	for _, s := range c.Sources {
		if s.Port < 0 || s.Port > 65535 {
			return fmt.Errorf("config: input port out of range: %d", s.Port)
		}
	}
	for _, d := range c.Destinations {
		if d.DestPort < 0 || d.DestPort > 65535 {
			return fmt.Errorf("config: destination port out of range: %d", d.DestPort)
		}
	}
	if c.TCPListenPort < 0 || c.TCPListenPort > 65535 {
		return fmt.Errorf("config: tcp-listen-port out of range: %d", c.TCPListenPort)
	}
	if len(c.Destinations) == 0 && c.TCPListenPort == 0 && c.ZMQEndpoint == "" {
		return fmt.Errorf("config: at least one output destination is required (-d, -T or -z)")
	}
	return nil
}

// UDPConverterConfig is the flag set for digris-edi-udp-converter.
type UDPConverterConfig struct {
	Port          int
	BindAddr      string
	McastAddr     string
	MPE           *MPEFlagSpec
	GSE           *GSEFlagSpec
	TCPListenPort int
	HTTPAddr      string
	Verbosity     int
}

// MPEFlagSpec is the parsed `-F PID:IP:PORT` flag.
type MPEFlagSpec struct {
	PID      uint16
	DestIP   string
	DestPort int
}

// GSEFlagSpec is the parsed `-G MIS[:IP:PORT]` flag.
type GSEFlagSpec struct {
	MIS      uint8
	DestIP   string
	DestPort int
}

// BindUDPConverterFlags registers every udp-converter flag on cmd. Because
// the MPE/GSE flags need post-parse decoding, call ResolveUDPConverterFlags
// after cmd.Execute() to populate cfg.MPE/cfg.GSE.
func BindUDPConverterFlags(cmd *cobra.Command) (*UDPConverterConfig, *string, *string) {
	cfg := &UDPConverterConfig{}
	fs := cmd.Flags()

	fs.IntVarP(&cfg.Port, "port", "p", 0, "EDI/UDP bind port")
	fs.StringVarP(&cfg.BindAddr, "bind", "b", "0.0.0.0", "EDI/UDP bind address")
	fs.StringVarP(&cfg.McastAddr, "mcast", "m", "", "EDI/UDP multicast group to join")
	mpeRaw := fs.StringP("mpe", "F", "", "MPE deframer filter PID:IP:PORT")
	gseRaw := fs.StringP("gse", "G", "", "GSE deframer filter MIS[:IP:PORT]")
	fs.IntVarP(&cfg.TCPListenPort, "tcp-listen-port", "T", 0, "TCP fan-out listen port, 0 disables it")
	fs.StringVar(&cfg.HTTPAddr, "http", "", "HTTP stats server host:port, empty disables it")
	fs.CountVarP(&cfg.Verbosity, "verbose", "v", "increase log verbosity (repeatable, 0..3)")

	bindEnvOverlay(fs, "EDI2EDI")
	return cfg, mpeRaw, gseRaw
}

// ResolveUDPConverterFlags decodes the raw -F/-G flag strings captured by
// BindUDPConverterFlags into cfg.MPE/cfg.GSE. Call once after cmd.Execute().
func ResolveUDPConverterFlags(cfg *UDPConverterConfig, mpeRaw, gseRaw string) error {
	if mpeRaw != "" {
		spec, err := parseMPEFlag(mpeRaw)
		if err != nil {
			return err
		}
		cfg.MPE = &spec
	}
	if gseRaw != "" {
		spec, err := parseGSEFlag(gseRaw)
		if err != nil {
			return err
		}
		cfg.GSE = &spec
	}
	return nil
}

func parseMPEFlag(raw string) (MPEFlagSpec, error) {
	parts := strings.Split(raw, ":")
	var pid int
	if _, err := fmt.Sscanf(parts[0], "%d", &pid); err != nil {
		return MPEFlagSpec{}, fmt.Errorf("config: invalid MPE PID in %q: %w", raw, err)
	}
	spec := MPEFlagSpec{PID: uint16(pid)}
	if len(parts) > 1 {
		spec.DestIP = parts[1]
	}
	if len(parts) > 2 {
		fmt.Sscanf(parts[2], "%d", &spec.DestPort)
	}
	return spec, nil
}

func parseGSEFlag(raw string) (GSEFlagSpec, error) {
	parts := strings.Split(raw, ":")
	var mis int
	if _, err := fmt.Sscanf(parts[0], "%d", &mis); err != nil {
		return GSEFlagSpec{}, fmt.Errorf("config: invalid GSE MIS in %q: %w", raw, err)
	}
	spec := GSEFlagSpec{MIS: uint8(mis)}
	if len(parts) > 1 {
		spec.DestIP = parts[1]
	}
	if len(parts) > 2 {
		fmt.Sscanf(parts[2], "%d", &spec.DestPort)
	}
	return spec, nil
}

// Validate applies range constraints for the udp-converter flags.
func (c *UDPConverterConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port out of range: %d", c.Port)
	}
	if c.TCPListenPort < 0 || c.TCPListenPort > 65535 {
		return fmt.Errorf("config: tcp-listen-port out of range: %d", c.TCPListenPort)
	}
	if c.MPE == nil && c.GSE == nil {
		return fmt.Errorf("config: at least one of -F (MPE) or -G (GSE) is required")
	}
	return nil
}

// bindEnvOverlay binds every flag to a viper instance under prefix so each
// setting can be overridden by EDI2EDI_<FLAG> — the teacher's
// ValidateAndApplyDefaults env-over-default layering, applied here as
// env-over-explicit-flag since this CLI has no config file.
func bindEnvOverlay(fs *pflag.FlagSet, prefix string) {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		if v.IsSet(f.Name) && !f.Changed {
			_ = fs.Set(f.Name, v.GetString(f.Name))
		}
	})
}
