package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"execution-core/internal/risk"
)

// limitsFile is the on-disk schema. Windows are plain seconds so the file
// stays editable by hand.
type limitsFile struct {
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	MaxTotalRiskR          float64 `yaml:"max_total_risk_r"`
	MaxPositionsPerBase    int     `yaml:"max_positions_per_base"`
	AntiChurnWindowSec     int     `yaml:"anti_churn_window_sec"`
	SignalExpiryGraceSec   float64 `yaml:"signal_expiry_grace_sec"`
}

// LoadRiskLimits reads the risk limits YAML file, falling back to defaults
// when no path is configured. Fields absent from the file keep their
// defaults.
func LoadRiskLimits(path string) (risk.Limits, error) {
	limits := risk.DefaultLimits()
	if path == "" {
		return limits, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return limits, fmt.Errorf("read risk limits: %w", err)
	}
	var f limitsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return limits, fmt.Errorf("parse risk limits: %w", err)
	}
	if f.MaxConcurrentPositions != 0 {
		limits.MaxConcurrentPositions = f.MaxConcurrentPositions
	}
	if f.MaxTotalRiskR != 0 {
		limits.MaxTotalRiskR = f.MaxTotalRiskR
	}
	if f.MaxPositionsPerBase != 0 {
		limits.MaxPositionsPerBase = f.MaxPositionsPerBase
	}
	if f.AntiChurnWindowSec != 0 {
		limits.AntiChurnWindow = time.Duration(f.AntiChurnWindowSec) * time.Second
	}
	if f.SignalExpiryGraceSec != 0 {
		limits.SignalExpiryGrace = time.Duration(f.SignalExpiryGraceSec * float64(time.Second))
	}
	if limits.MaxConcurrentPositions <= 0 || limits.MaxTotalRiskR <= 0 {
		return limits, fmt.Errorf("risk limits in %s must have positive caps", path)
	}
	return limits, nil
}

// WatchRiskLimits re-reads the limits file on the given period and pushes
// changes into the risk manager. File errors keep the last good limits.
func WatchRiskLimits(path string, period time.Duration, mgr *risk.Manager, stop <-chan struct{}) {
	if path == "" {
		return
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		last := mgr.GetLimits()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				limits, err := LoadRiskLimits(path)
				if err != nil {
					log.Printf("[config] WARN: reload risk limits: %v", err)
					continue
				}
				if limits != last {
					mgr.UpdateLimits(limits)
					last = limits
				}
			}
		}
	}()
}
