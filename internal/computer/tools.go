package computer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/a2c-smcp/internal/protocol"
)

// ListTools enumerates every tool currently available across connected
// servers in its wire shape, applying each tool's alias (if configured) as
// its visible name, the same resolution get_tools and execute_tool agree
// on via the Manager's toolMapping/aliasMapping.
func (f *Facade) ListTools(ctx context.Context) ([]protocol.SMCPTool, error) {
	available, err := f.manager.AvailableTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("computer: list_tools: %w", err)
	}

	out := make([]protocol.SMCPTool, 0, len(available))
	for _, a := range available {
		visible := a.Tool.Name
		if a.Meta.Alias != "" {
			visible = a.Meta.Alias
		}

		var params, ret map[string]any
		_ = json.Unmarshal(a.Tool.InputSchema, &params)
		if len(a.Tool.ReturnSchema) > 0 {
			_ = json.Unmarshal(a.Tool.ReturnSchema, &ret)
		}

		meta := map[string]any{protocol.MetaToolMeta: a.Meta}
		if a.Tool.Annotations != nil {
			meta[protocol.MetaToolAnnotation] = a.Tool.Annotations
		}

		out = append(out, protocol.SMCPTool{
			Name:         visible,
			Description:  a.Tool.Description,
			ParamsSchema: params,
			ReturnSchema: ret,
			Meta:         meta,
		})
	}
	return out, nil
}
