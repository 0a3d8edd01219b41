/*
Package settings exposes the referral program switches owned by the admin
collaborator.

PURPOSE:
  Two values decide whether a referral pays out and how much:
    referral_program_active   "true" / "false"
    referral_reward_amount    decimal string, e.g. "50"
    referral_reward_currency  "primary" / "secondary"

  The engine re-reads them on every referral transition. Nothing here is
  cached for the lifetime of the process, so an admin flipping the switch
  takes effect on the very next event.

BACKENDS:
  Values live in a key/value store (KV). The SQL stores keep them in a
  system_settings table; RedisKV keeps them in a Redis hash. Keys that were
  never written fall back to the configured defaults.
*/
package settings

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
)

const (
	KeyProgramActive  = "referral_program_active"
	KeyRewardAmount   = "referral_reward_amount"
	KeyRewardCurrency = "referral_reward_currency"
)

// Program is the referral program configuration at one moment.
type Program struct {
	Active         bool
	RewardAmount   decimal.Decimal
	RewardCurrency ledger.Currency
}

// Validate rejects a configuration that could not pay a reward.
func (p Program) Validate() error {
	if p.RewardAmount.IsNegative() {
		return &ledger.ValidationError{Field: "reward_amount", Message: "must not be negative"}
	}
	if !ledger.HasValidScale(p.RewardAmount) {
		return &ledger.ValidationError{Field: "reward_amount", Message: fmt.Sprintf("at most %d decimal places", ledger.AmountScale)}
	}
	if !p.RewardCurrency.Valid() {
		return &ledger.ValidationError{Field: "reward_currency", Message: fmt.Sprintf("unsupported currency %q", p.RewardCurrency)}
	}
	return nil
}

// Source is what the referral engine reads on every decision.
type Source interface {
	Program(ctx context.Context) (Program, error)
}

// Store adds the admin write path.
type Store interface {
	Source
	SetProgram(ctx context.Context, p Program) error
}

// KV is a string key/value backend.
type KV interface {
	// GetSetting returns the value and whether the key exists.
	GetSetting(ctx context.Context, key string) (string, bool, error)

	// PutSettings writes all values atomically.
	PutSettings(ctx context.Context, values map[string]string) error
}

// =============================================================================
// KV-BACKED STORE
// =============================================================================

type KVStore struct {
	kv       KV
	defaults Program
}

// NewKVStore reads settings from kv, falling back to defaults per key.
func NewKVStore(kv KV, defaults Program) *KVStore {
	if defaults.RewardCurrency == "" {
		defaults.RewardCurrency = ledger.CurrencyPrimary
	}
	return &KVStore{kv: kv, defaults: defaults}
}

func (s *KVStore) Program(ctx context.Context) (Program, error) {
	p := s.defaults

	if v, ok, err := s.kv.GetSetting(ctx, KeyProgramActive); err != nil {
		return Program{}, fmt.Errorf("read %s: %w", KeyProgramActive, err)
	} else if ok {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return Program{}, fmt.Errorf("parse %s=%q: %w", KeyProgramActive, v, err)
		}
		p.Active = active
	}

	if v, ok, err := s.kv.GetSetting(ctx, KeyRewardAmount); err != nil {
		return Program{}, fmt.Errorf("read %s: %w", KeyRewardAmount, err)
	} else if ok {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			return Program{}, fmt.Errorf("parse %s=%q: %w", KeyRewardAmount, v, err)
		}
		p.RewardAmount = amount
	}

	if v, ok, err := s.kv.GetSetting(ctx, KeyRewardCurrency); err != nil {
		return Program{}, fmt.Errorf("read %s: %w", KeyRewardCurrency, err)
	} else if ok {
		c, err := ledger.ParseCurrency(v)
		if err != nil {
			return Program{}, err
		}
		p.RewardCurrency = c
	}

	// Defaults and stored values must still describe a payable reward.
	if err := p.Validate(); err != nil {
		return Program{}, fmt.Errorf("referral program: %w", err)
	}
	return p, nil
}

func (s *KVStore) SetProgram(ctx context.Context, p Program) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.kv.PutSettings(ctx, map[string]string{
		KeyProgramActive:  strconv.FormatBool(p.Active),
		KeyRewardAmount:   p.RewardAmount.String(),
		KeyRewardCurrency: string(p.RewardCurrency),
	})
}
