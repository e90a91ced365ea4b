package config

import (
	"encoding/json"
	"log"
	"time"

	"github.com/spf13/viper"
)

// RakeRule bounds the house commission for one stake level.
type RakeRule struct {
	Percent float64 `json:"percent"`
	Cap     int64   `json:"cap"` // in minor units
}

// RakeTable is an explicitly injected, versioned rake configuration.
// Resolvers receive it at construction; nothing reads it from the
// environment at call time.
type RakeTable struct {
	Version string              `json:"version"`
	Rules   map[string]RakeRule `json:"rules"` // keyed by stake id, e.g. "1-2"
}

// SystemAccounts are the well-known account ids provisioned at startup.
type SystemAccounts struct {
	Reserve string
	House   string
	Rake    string
	Prize   string
}

// All returns the system account ids in a stable order.
func (s SystemAccounts) All() []string {
	return []string{s.Reserve, s.House, s.Rake, s.Prize}
}

type WalletConfig struct {
	SystemAccounts        SystemAccounts
	Rake                  RakeTable
	ReservationStaleAfter time.Duration
	MaxConflictRetries    int
	VelocityLimit         int
	VelocityWindow        time.Duration
}

// defaultRakeRules matches the cash-game stakes seeded in production.
const defaultRakeRules = `{"1-2":{"percent":0.05,"cap":1},"2-5":{"percent":0.05,"cap":3},"5-10":{"percent":0.04,"cap":5}}`

// LoadWalletConfig returns wallet configuration with defaults.
func LoadWalletConfig() *WalletConfig {
	viper.SetDefault("wallet.reserve_account", "reserve")
	viper.SetDefault("wallet.house_account", "house")
	viper.SetDefault("wallet.rake_account", "rake")
	viper.SetDefault("wallet.prize_account", "prize")
	viper.SetDefault("wallet.reservation_stale_after", 30*time.Minute)
	viper.SetDefault("wallet.max_conflict_retries", 3)
	viper.SetDefault("wallet.velocity_limit", 3)
	viper.SetDefault("wallet.velocity_window", time.Hour)
	viper.SetDefault("rake.version", "default")
	viper.SetDefault("rake.rules", defaultRakeRules)

	rules := map[string]RakeRule{}
	if raw := viper.GetString("rake.rules"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rules); err != nil {
			log.Printf("[CONFIG] Invalid rake.rules, using empty table: %v", err)
			rules = map[string]RakeRule{}
		}
	}

	return &WalletConfig{
		SystemAccounts: SystemAccounts{
			Reserve: viper.GetString("wallet.reserve_account"),
			House:   viper.GetString("wallet.house_account"),
			Rake:    viper.GetString("wallet.rake_account"),
			Prize:   viper.GetString("wallet.prize_account"),
		},
		Rake: RakeTable{
			Version: viper.GetString("rake.version"),
			Rules:   rules,
		},
		ReservationStaleAfter: viper.GetDuration("wallet.reservation_stale_after"),
		MaxConflictRetries:    viper.GetInt("wallet.max_conflict_retries"),
		VelocityLimit:         viper.GetInt("wallet.velocity_limit"),
		VelocityWindow:        viper.GetDuration("wallet.velocity_window"),
	}
}
