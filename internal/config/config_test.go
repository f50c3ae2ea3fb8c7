package config

import (
	"testing"

	"github.com/spf13/cobra"
)

func newTestCmd() *cobra.Command {
	return &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
}

func TestBindTCPConverterFlagsParsesSources(t *testing.T) {
	cmd := newTestCmd()
	cfg := BindTCPConverterFlags(cmd)
	cmd.SetArgs([]string{"-c", "edi1.example.org:9000", "-F", "edi2.example.org:9000", "-d", "239.1.1.1:10000"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(cfg.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(cfg.Sources))
	}
	if !cfg.Sources[0].Enabled || cfg.Sources[0].Hostname != "edi1.example.org" {
		t.Errorf("unexpected first source: %+v", cfg.Sources[0])
	}
	if cfg.Sources[1].Enabled {
		t.Errorf("second source should be disabled (-F), got %+v", cfg.Sources[1])
	}
	if len(cfg.Destinations) != 1 || cfg.Destinations[0].DestIP != "239.1.1.1" || cfg.Destinations[0].DestPort != 10000 {
		t.Errorf("unexpected destination: %+v", cfg.Destinations)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestTCPConverterValidateRejectsOutOfRangeDelay(t *testing.T) {
	cmd := newTestCmd()
	cfg := BindTCPConverterFlags(cmd)
	cmd.SetArgs([]string{"-c", "a:1", "-d", "1.2.3.4:5", "-w", "200000"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range delay")
	}
}

func TestTCPConverterValidateRequiresAtLeastOneOutput(t *testing.T) {
	cmd := newTestCmd()
	cfg := BindTCPConverterFlags(cmd)
	cmd.SetArgs([]string{"-c", "a:1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when no destination is configured")
	}
}

func TestEnablePFTForcedChoiceRequiredWhenBothPresent(t *testing.T) {
	cfg := &TCPConverterConfig{
		Destinations:  []DestSpec{{DestIP: "1.2.3.4", DestPort: 1000}},
		TCPListenPort: 9000,
	}
	if _, err := cfg.EnablePFT(); err == nil {
		t.Fatal("expected error requiring explicit --with-pft/--without-pft")
	}
	cfg.WithPFT = true
	enabled, err := cfg.EnablePFT()
	if err != nil || !enabled {
		t.Fatalf("expected pft enabled, got %v, %v", enabled, err)
	}
}

func TestBindUDPConverterFlagsParsesMPEAndGSE(t *testing.T) {
	cmd := newTestCmd()
	cfg, mpeRaw, gseRaw := BindUDPConverterFlags(cmd)
	cmd.SetArgs([]string{"-p", "9000", "-F", "100:232.1.1.1:12001", "-G", "3:232.1.1.2:12002"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := ResolveUDPConverterFlags(cfg, *mpeRaw, *gseRaw); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.MPE == nil || cfg.MPE.PID != 100 || cfg.MPE.DestIP != "232.1.1.1" || cfg.MPE.DestPort != 12001 {
		t.Errorf("unexpected MPE spec: %+v", cfg.MPE)
	}
	if cfg.GSE == nil || cfg.GSE.MIS != 3 || cfg.GSE.DestPort != 12002 {
		t.Errorf("unexpected GSE spec: %+v", cfg.GSE)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestUDPConverterValidateRequiresMPEOrGSE(t *testing.T) {
	cfg := &UDPConverterConfig{Port: 9000}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when neither -F nor -G is set")
	}
}
