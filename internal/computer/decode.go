package computer

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/a2c-smcp/internal/mcpclient"
)

// decodeServerConfig turns a rendered raw dict into a typed ServerConfig
// by round-tripping through JSON, the same decoding path BootUp and
// AddOrUpdateServer both need after the Resolver has already substituted
// every ${input:...} placeholder.
func decodeServerConfig(raw map[string]any) (*mcpclient.ServerConfig, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal rendered config: %w", err)
	}
	var cfg mcpclient.ServerConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode server config: %w", err)
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("server config missing required field %q", "name")
	}
	return &cfg, nil
}
