package config

import (
	"bytes"

	"github.com/spf13/viper"

	engineerrors "github.com/developer-mesh/eventmesh-engine/pkg/errors"
)

// Load reads an AppConfig from raw config text (JSON or YAML, detected by
// ext). "${VAR}" references are expanded in the raw text before decoding;
// the "{dotted.path}"/"{auto}" substitution then runs on the decoded typed
// struct, followed by validation. ext is a viper config-type hint such as
// "json" or "yaml".
//
// Substitution is done here rather than by viper's own expansion, since the
// placeholder syntax here also resolves against the config tree itself,
// not only the environment.
func Load(raw []byte, ext string) (*AppConfig, error) {
	expanded, err := ReplaceEnvVars(string(raw))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType(ext)
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return nil, engineerrors.Config("Load", "", err)
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, engineerrors.Config("Load", "", err)
	}

	if err := ReplaceConfigArgs(&cfg, cfg.AppKey()); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *AppConfig) error {
	if cfg.Name == "" {
		return engineerrors.Config("validate", "", errRequired("name"))
	}
	if cfg.Version == "" {
		return engineerrors.Config("validate", "", errRequired("version"))
	}
	for name, ev := range cfg.Events {
		if ev.Type == "" {
			return engineerrors.Config("validate", name, errRequired("type"))
		}
	}
	return nil
}

type missingFieldError string

func (e missingFieldError) Error() string { return "missing required field: " + string(e) }

func errRequired(field string) error { return missingFieldError(field) }
