package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ReceiptGenerator issues receipt numbers that are unique across processes
// as long as every process has its own node id.
type ReceiptGenerator struct {
	node *snowflake.Node
}

func NewReceiptGenerator(nodeID int64) (*ReceiptGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("receipt generator: %w", err)
	}
	return &ReceiptGenerator{node: node}, nil
}

// Next returns e.g. RCPT-20240601-2MZXK3H9QV0G.
func (g *ReceiptGenerator) Next(now time.Time) string {
	return fmt.Sprintf("RCPT-%s-%s", now.Format("20060102"), strings.ToUpper(g.node.Generate().Base36()))
}
