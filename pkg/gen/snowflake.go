package gen

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("gen", fx.Provide(NewSnowflakeNode))

// NewSnowflakeNode builds the process-wide ID generator. The node ID comes
// from SNOWFLAKE_NODE_ID so replicas never collide; a missing value means
// node 1.
func NewSnowflakeNode() (*snowflake.Node, error) {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE_ID"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			nodeID = n
		}
	}
	return snowflake.NewNode(nodeID)
}
