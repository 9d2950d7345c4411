// Package config loads the decision engine configuration from a YAML file,
// a .env file and DECISION_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/atlas-desktop/decision-engine/internal/api"
	"github.com/atlas-desktop/decision-engine/internal/engine"
	"github.com/atlas-desktop/decision-engine/internal/events"
	"github.com/atlas-desktop/decision-engine/internal/ledger"
	"github.com/atlas-desktop/decision-engine/internal/market"
	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/internal/risk"
	"github.com/atlas-desktop/decision-engine/internal/signals"
	"github.com/atlas-desktop/decision-engine/internal/sizing"
	"github.com/atlas-desktop/decision-engine/internal/stops"
	"github.com/atlas-desktop/decision-engine/internal/store/postgres"
	"github.com/atlas-desktop/decision-engine/internal/store/redis"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// DECISION_SIZING_MAX_POSITION_PCT.
const EnvPrefix = "DECISION"

// Config is the full process configuration
type Config struct {
	Server     api.Config             `mapstructure:"server"`
	Engine     engine.Config          `mapstructure:"engine"`
	Regime     regime.Config          `mapstructure:"regime"`
	Weights    signals.Weights        `mapstructure:"weights"`
	Signals    signals.Config         `mapstructure:"signals"`
	Sizing     sizing.SizingConfig    `mapstructure:"sizing"`
	Stops      StopsConfig            `mapstructure:"stops"`
	Breaker    risk.Config            `mapstructure:"breaker"`
	Ledger     ledger.Config          `mapstructure:"ledger"`
	Market     market.StoreConfig     `mapstructure:"market"`
	Indicators market.IndicatorConfig `mapstructure:"indicators"`
	EventBus   events.EventBusConfig  `mapstructure:"event_bus"`
	Postgres   postgres.Config        `mapstructure:"postgres"`
	Redis      redis.Config           `mapstructure:"redis"`
	Log        LogConfig              `mapstructure:"log"`
}

// StopsConfig groups initial placement and trailing
type StopsConfig struct {
	Planner  stops.PlannerConfig  `mapstructure:"planner"`
	Trailing stops.TrailingConfig `mapstructure:"trailing"`
}

// LogConfig configures the root logger
type LogConfig struct {
	Level string `mapstructure:"level" default:"info" validate:"oneof=debug info warn error"`
}

// Default returns the configuration every package ships with.
func Default() *Config {
	return &Config{
		Server:     *api.DefaultConfig(),
		Engine:     *engine.DefaultConfig(),
		Regime:     *regime.DefaultConfig(),
		Weights:    signals.DefaultWeights(),
		Signals:    *signals.DefaultConfig(),
		Sizing:     *sizing.DefaultSizingConfig(),
		Stops:      defaultStops(),
		Breaker:    *risk.DefaultConfig(),
		Ledger:     *ledger.DefaultConfig(),
		Market:     *market.DefaultStoreConfig(),
		Indicators: *market.DefaultIndicatorConfig(),
		EventBus:   events.DefaultEventBusConfig(),
	}
}

func defaultStops() StopsConfig {
	return StopsConfig{
		Planner:  *stops.DefaultPlannerConfig(),
		Trailing: *stops.DefaultTrailingConfig(),
	}
}

// Load builds the configuration. Precedence, lowest first: package
// defaults, struct-tag defaults, the YAML file at path (optional),
// environment variables. A .env file in the working directory is loaded
// into the environment first if present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvs(v, "", reflect.TypeOf(*cfg)); err != nil {
		return nil, fmt.Errorf("config: bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers every leaf key so environment variables apply even
// when the file does not mention the key.
func bindEnvs(v *viper.Viper, prefix string, t reflect.Type) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct {
			if err := bindEnvs(v, key, f.Type); err != nil {
				return err
			}
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks ranges and cross-field rules declared in struct tags.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("config: validate: %w", err)
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, fmt.Errorf("%s %s", fe.Namespace(), describe(fe)))
	}
	return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "lt":
		return "must be less than " + fe.Param()
	case "lte":
		return "must be less than or equal to " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "gtfield", "gtefield":
		return "must be greater than " + fe.Param()
	default:
		return "failed validation: " + fe.Tag()
	}
}
