package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// StorefrontPolicy holds the tunables operators may change without a restart.
type StorefrontPolicy struct {
	TrialDurationSeconds      int `mapstructure:"trialDurationSeconds"`
	GrantMaxAttempts          int `mapstructure:"grantMaxAttempts"`
	GrantRetryDelayMs         int `mapstructure:"grantRetryDelayMs"`
	ReconcileIntervalSeconds  int `mapstructure:"reconcileIntervalSeconds"`
	PendingPollAfterSeconds   int `mapstructure:"pendingPollAfterSeconds"`
	PendingExpireAfterMinutes int `mapstructure:"pendingExpireAfterMinutes"`
}

func DefaultStorefrontPolicy() StorefrontPolicy {
	return StorefrontPolicy{
		TrialDurationSeconds:      300,
		GrantMaxAttempts:          3,
		GrantRetryDelayMs:         50,
		ReconcileIntervalSeconds:  60,
		PendingPollAfterSeconds:   30,
		PendingExpireAfterMinutes: 24 * 60,
	}
}

func (p StorefrontPolicy) TrialDuration() time.Duration {
	return time.Duration(p.TrialDurationSeconds) * time.Second
}

func (p StorefrontPolicy) GrantRetryDelay() time.Duration {
	return time.Duration(p.GrantRetryDelayMs) * time.Millisecond
}

func (p StorefrontPolicy) ReconcileInterval() time.Duration {
	return time.Duration(p.ReconcileIntervalSeconds) * time.Second
}

func (p StorefrontPolicy) PendingPollAfter() time.Duration {
	return time.Duration(p.PendingPollAfterSeconds) * time.Second
}

func (p StorefrontPolicy) PendingExpireAfter() time.Duration {
	return time.Duration(p.PendingExpireAfterMinutes) * time.Minute
}

type StorefrontPolicyHolder struct {
	current atomic.Value // holds StorefrontPolicy
}

// StaticPolicy returns a holder pinned to the given policy. Used by tests and tools.
func StaticPolicy(p StorefrontPolicy) *StorefrontPolicyHolder {
	holder := &StorefrontPolicyHolder{}
	holder.current.Store(p)
	return holder
}

func NewStorefrontPolicyHolder(log *zap.Logger) (*StorefrontPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("storefront")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/bookshelf/config") // Volume-mounted config
	v.AddConfigPath("/etc/bookshelf")            // System config
	v.AddConfigPath(".")                         // Current directory (dev mode)

	return loadStorefrontPolicy(v, log)
}

func loadStorefrontPolicy(v *viper.Viper, log *zap.Logger) (*StorefrontPolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("storefront.policy")

	v.SetEnvPrefix("BOOKSHELF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultStorefrontPolicy()
	v.SetDefault("storefront.trialDurationSeconds", defaults.TrialDurationSeconds)
	v.SetDefault("storefront.grantMaxAttempts", defaults.GrantMaxAttempts)
	v.SetDefault("storefront.grantRetryDelayMs", defaults.GrantRetryDelayMs)
	v.SetDefault("storefront.reconcileIntervalSeconds", defaults.ReconcileIntervalSeconds)
	v.SetDefault("storefront.pendingPollAfterSeconds", defaults.PendingPollAfterSeconds)
	v.SetDefault("storefront.pendingExpireAfterMinutes", defaults.PendingExpireAfterMinutes)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
	}

	var policy StorefrontPolicy
	if err := v.UnmarshalKey("storefront", &policy); err != nil {
		return nil, err
	}
	if err := validateStorefrontPolicy(policy); err != nil {
		return nil, err
	}

	holder := &StorefrontPolicyHolder{}
	holder.current.Store(policy)

	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated StorefrontPolicy
		if err := v.UnmarshalKey("storefront", &updated); err != nil {
			log.Warn("reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := validateStorefrontPolicy(updated); err != nil {
			log.Warn("invalid policy ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *StorefrontPolicyHolder) Get() StorefrontPolicy {
	if h == nil {
		return DefaultStorefrontPolicy()
	}
	policy, ok := h.current.Load().(StorefrontPolicy)
	if !ok {
		return DefaultStorefrontPolicy()
	}
	return policy
}

func validateStorefrontPolicy(p StorefrontPolicy) error {
	if p.TrialDurationSeconds <= 0 {
		return errors.New("storefront.trialDurationSeconds must be positive")
	}
	if p.GrantMaxAttempts <= 0 {
		return errors.New("storefront.grantMaxAttempts must be positive")
	}
	if p.GrantRetryDelayMs < 0 {
		return errors.New("storefront.grantRetryDelayMs cannot be negative")
	}
	if p.ReconcileIntervalSeconds <= 0 {
		return errors.New("storefront.reconcileIntervalSeconds must be positive")
	}
	if p.PendingPollAfterSeconds < 0 || p.PendingExpireAfterMinutes <= 0 {
		return errors.New("storefront pending thresholds are invalid")
	}
	return nil
}
