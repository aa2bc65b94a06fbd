package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/stratadb/strata/pkg/strata"
	"github.com/stratadb/strata/pkg/types"
)

const (
	configName = "strata"
	configType = "yaml"

	defaultDBPath = "strata.db"
)

// columnConfig declares one dedicated or computed column in strata.yaml.
type columnConfig struct {
	Name          string `mapstructure:"name"`
	Type          string `mapstructure:"type"`
	Path          string `mapstructure:"path"`
	Index         string `mapstructure:"index"`
	Unique        bool   `mapstructure:"unique"`
	Required      bool   `mapstructure:"required"`
	AutoIncrement bool   `mapstructure:"auto_increment"`
	InList        bool   `mapstructure:"in_list"`
	Searchable    bool   `mapstructure:"searchable"`
}

// modelConfig declares one model in strata.yaml.
type modelConfig struct {
	Name     string         `mapstructure:"name"`
	IDColumn string         `mapstructure:"id_column"`
	Init     bool           `mapstructure:"init"`
	Columns  []columnConfig `mapstructure:"columns"`
}

// loadConfig reads strata.yaml (or the file given by --config) and returns
// the store configuration plus the declared models. A missing config file is
// not an error; the CLI then runs with defaults and no models.
func loadConfig(configFile, dbOverride string) (types.Config, []strata.ModelDef, error) {
	v := viper.New()
	v.SetDefault("path", defaultDBPath)
	v.SetEnvPrefix("STRATA")
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return types.Config{}, nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, nil, fmt.Errorf("parsing config: %w", err)
	}
	if dbOverride != "" {
		cfg.Path = dbOverride
	}

	var modelConfs []modelConfig
	if err := v.UnmarshalKey("models", &modelConfs); err != nil {
		return types.Config{}, nil, fmt.Errorf("parsing models: %w", err)
	}
	models := make([]strata.ModelDef, 0, len(modelConfs))
	for _, mc := range modelConfs {
		def, err := buildModel(mc)
		if err != nil {
			return types.Config{}, nil, err
		}
		models = append(models, def)
	}
	return cfg, models, nil
}

func buildModel(mc modelConfig) (strata.ModelDef, error) {
	if mc.Name == "" {
		return strata.ModelDef{}, fmt.Errorf("config: a model needs a name")
	}
	def := strata.ModelDef{
		Name:     mc.Name,
		IDColumn: mc.IDColumn,
		Init:     mc.Init,
	}
	for _, cc := range mc.Columns {
		col, err := buildColumn(mc.Name, cc)
		if err != nil {
			return strata.ModelDef{}, err
		}
		def.Columns = append(def.Columns, col)
	}
	return def, nil
}

func buildColumn(model string, cc columnConfig) (types.Column, error) {
	col := types.Column{
		Name:          cc.Name,
		Unique:        cc.Unique,
		Required:      cc.Required,
		AutoIncrement: cc.AutoIncrement,
		InList:        cc.InList,
		Searchable:    cc.Searchable,
	}
	if cc.Path != "" {
		col.Path = cc.Path
	}
	switch strings.ToUpper(cc.Type) {
	case "":
		// No type: a computed column extracted from the JSON blob.
	case "TEXT":
		col.Type = types.ColText
	case "INTEGER":
		col.Type = types.ColInteger
	case "REAL":
		col.Type = types.ColReal
	case "NUMERIC":
		col.Type = types.ColNumeric
	case "BLOB":
		col.Type = types.ColBlob
	case "JSON":
		col.Type = types.ColJSON
	default:
		return types.Column{}, fmt.Errorf("config: %s.%s: unknown column type %q", model, cc.Name, cc.Type)
	}
	switch strings.ToLower(cc.Index) {
	case "":
		col.Index = types.IndexNone
	case "all":
		col.Index = types.IndexAll
	case "sparse":
		col.Index = types.IndexSparse
	default:
		return types.Column{}, fmt.Errorf("config: %s.%s: unknown index mode %q", model, cc.Name, cc.Index)
	}
	return col, nil
}
