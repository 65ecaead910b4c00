// Package statusalias loads the provider status-alias table from fiscal.yml
// and hot-reloads it on change, falling back to the built-in defaults.
package statusalias

import (
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	fiscaldomain "github.com/corretora/backoffice/internal/fiscal/domain"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Holder struct {
	current atomic.Value // holds map[string]fiscaldomain.DocumentStatus
}

func NewHolder(log *zap.Logger) (*Holder, error) {
	log = log.Named("statusalias")
	v := viper.New()

	v.SetConfigName("fiscal")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/backoffice")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BACKOFFICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &Holder{}
	holder.current.Store(fiscaldomain.DefaultStatusAliases())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		return holder, nil
	}

	if table := parseAliases(v); table != nil {
		holder.current.Store(table)
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		table := parseAliases(v)
		if table == nil {
			log.Warn("invalid status aliases ignored", zap.String("file", e.Name))
			return
		}
		holder.current.Store(table)
		log.Info("status alias table reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// Aliases returns the active table. The result must not be mutated.
func (h *Holder) Aliases() map[string]fiscaldomain.DocumentStatus {
	if h == nil {
		return fiscaldomain.DefaultStatusAliases()
	}
	table, _ := h.current.Load().(map[string]fiscaldomain.DocumentStatus)
	if table == nil {
		return fiscaldomain.DefaultStatusAliases()
	}
	return table
}

// Normalize resolves one provider status string against the active table.
func (h *Holder) Normalize(raw string) fiscaldomain.DocumentStatus {
	return fiscaldomain.NormalizeStatus(raw, h.Aliases())
}

// parseAliases merges fiscal.yml overrides on top of the defaults. The file
// maps canonical states to provider strings:
//
//	statusAliases:
//	  authorized: ["AUTORIZADO", "OK"]
//	  rejected: ["DENEGADA"]
func parseAliases(v *viper.Viper) map[string]fiscaldomain.DocumentStatus {
	raw := map[string][]string{}
	if err := v.UnmarshalKey("statusAliases", &raw); err != nil {
		return nil
	}

	table := fiscaldomain.DefaultStatusAliases()
	for canonical, aliases := range raw {
		status := fiscaldomain.NormalizeStatus(canonical, table)
		if !strings.EqualFold(canonical, string(status)) {
			// canonical key itself is unknown; reject the file
			return nil
		}
		for _, alias := range aliases {
			key := strings.ToLower(strings.TrimSpace(alias))
			if key == "" {
				continue
			}
			table[key] = status
		}
	}
	return table
}
