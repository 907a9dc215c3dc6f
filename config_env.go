package firehose

import "github.com/fxsml/firehose/config"

// LoadConfig overlays environment variables under the FIREHOSE_<stage>_
// prefix onto cfg, leaving fields with no matching variable untouched
// (spec.md §6 "Configuration": thread-pool size, ring-buffer capacity,
// timing-wheel tick/size). stage identifies which Dispatcher this
// configuration belongs to, e.g. "dispatcher" or "replay".
func LoadConfig(stage string, cfg *Config) error {
	return config.Load(stage, cfg)
}
