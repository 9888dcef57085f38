package plan

import (
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/genquota/internal/config"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Holder serves the current Catalog and swaps it when plans.yml changes.
// Callers take one snapshot per request via Catalog().
type Holder struct {
	current atomic.Pointer[Catalog]
	log     *zap.Logger
}

func NewHolder(cfg config.Config, log *zap.Logger) (*Holder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	holder := &Holder{log: log.Named("plan.catalog")}

	v := viper.New()
	explicit := strings.TrimSpace(cfg.PlansConfigPath)
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("plans")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/genquota/config")
		v.AddConfigPath("/etc/genquota")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("GENQUOTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || explicit != "" {
			return nil, err
		}
		holder.current.Store(DefaultCatalog())
		holder.log.Info("plans config not found, using built-in catalog")
		return holder, nil
	}

	catalog, err := decodeCatalog(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(catalog)
	holder.log.Info("plans config loaded", zap.String("file", v.ConfigFileUsed()))

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCatalog(v)
		if err != nil {
			holder.log.Warn("plans config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		holder.log.Info("plans config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticHolder serves a fixed catalog.
func NewStaticHolder(c *Catalog) *Holder {
	h := &Holder{log: zap.NewNop()}
	if c == nil {
		c = DefaultCatalog()
	}
	h.current.Store(c)
	return h
}

func (h *Holder) Catalog() *Catalog {
	return h.current.Load()
}

// Swap validates cfg and replaces the current catalog.
func (h *Holder) Swap(cfg Config) error {
	c, err := NewCatalog(cfg)
	if err != nil {
		return err
	}
	h.current.Store(c)
	return nil
}

func decodeCatalog(v *viper.Viper) (*Catalog, error) {
	var cfg Config
	if err := v.UnmarshalKey("plans", &cfg.Plans); err != nil {
		return nil, err
	}
	return NewCatalog(cfg)
}
