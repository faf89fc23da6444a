package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PayoutPolicy carries the payout knobs that operators may change at runtime.
type PayoutPolicy struct {
	CalendarDays        []int         `mapstructure:"calendarDays"`
	MinimumPayoutTokens int64         `mapstructure:"minimumPayoutTokens"`
	BufferWindow        time.Duration `mapstructure:"bufferWindow"`
	PlatformFeeBps      int64         `mapstructure:"platformFeeBps"`
}

type PayoutPolicyHolder struct {
	current atomic.Value // holds PayoutPolicy
}

// NewStaticPayoutPolicy returns a holder that never reloads.
func NewStaticPayoutPolicy(policy PayoutPolicy) (*PayoutPolicyHolder, error) {
	policy = normalizePayoutPolicy(policy)
	if err := ValidatePayoutPolicy(policy); err != nil {
		return nil, err
	}
	holder := &PayoutPolicyHolder{}
	holder.current.Store(policy)
	return holder, nil
}

// NewPayoutPolicyHolder reads payout.yml when present and keeps watching it.
// Environment values are used as defaults and as the full policy when no
// file exists.
func NewPayoutPolicyHolder(cfg Config, log *zap.Logger) (*PayoutPolicyHolder, error) {
	log = log.Named("config.payout")
	v := viper.New()

	v.SetConfigName("payout")
	v.SetConfigType("yml")
	if cfg.PayoutConfigPath != "" {
		v.AddConfigPath(cfg.PayoutConfigPath)
	}
	v.AddConfigPath("/etc/creatorpay")
	v.AddConfigPath(".")

	defaults := cfg.Payout
	v.SetDefault("payout.calendarDays", defaults.CalendarDays)
	v.SetDefault("payout.minimumPayoutTokens", defaults.MinimumPayoutTokens)
	v.SetDefault("payout.bufferWindow", defaults.BufferWindow)
	v.SetDefault("payout.platformFeeBps", defaults.PlatformFeeBps)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	policy, err := decodePayoutPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &PayoutPolicyHolder{}
	holder.current.Store(policy)

	if !fileFound {
		log.Info("payout config file not found, using environment policy")
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePayoutPolicy(v)
		if err != nil {
			log.Warn("payout config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("payout config reloaded",
			zap.String("file", e.Name),
			zap.Ints("calendar_days", updated.CalendarDays),
			zap.Int64("minimum_payout_tokens", updated.MinimumPayoutTokens),
			zap.Duration("buffer_window", updated.BufferWindow),
			zap.Int64("platform_fee_bps", updated.PlatformFeeBps),
		)
	})
	v.WatchConfig()

	return holder, nil
}

func (h *PayoutPolicyHolder) Get() PayoutPolicy {
	return h.current.Load().(PayoutPolicy)
}

func decodePayoutPolicy(v *viper.Viper) (PayoutPolicy, error) {
	var policy PayoutPolicy
	if err := v.UnmarshalKey("payout", &policy); err != nil {
		return PayoutPolicy{}, err
	}
	policy = normalizePayoutPolicy(policy)
	if err := ValidatePayoutPolicy(policy); err != nil {
		return PayoutPolicy{}, err
	}
	return policy, nil
}

func normalizePayoutPolicy(policy PayoutPolicy) PayoutPolicy {
	days := make([]int, 0, len(policy.CalendarDays))
	seen := make(map[int]struct{}, len(policy.CalendarDays))
	for _, d := range policy.CalendarDays {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		days = append(days, d)
	}
	sort.Ints(days)
	policy.CalendarDays = days
	return policy
}

func ValidatePayoutPolicy(policy PayoutPolicy) error {
	var problems []string
	if len(policy.CalendarDays) == 0 {
		problems = append(problems, "payout.calendarDays cannot be empty")
	}
	for _, d := range policy.CalendarDays {
		if d < 1 || d > 31 {
			problems = append(problems, fmt.Sprintf("payout.calendarDays contains invalid day %d", d))
		}
	}
	if policy.MinimumPayoutTokens < 0 {
		problems = append(problems, "payout.minimumPayoutTokens must not be negative")
	}
	if policy.BufferWindow < 0 {
		problems = append(problems, "payout.bufferWindow must not be negative")
	}
	if policy.PlatformFeeBps < 0 || policy.PlatformFeeBps > 10000 {
		problems = append(problems, "payout.platformFeeBps must be within 0..10000")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
