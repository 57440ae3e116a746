package topology

import (
	"fmt"
	"regexp"

	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/types"
)

var colorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// UpdatePosition stores where a client drew the node
func UpdatePosition(tx storage.Tx, uuid string, x, y float64) error {
	node, err := tx.GetNode(uuid)
	if err != nil {
		return err
	}
	meta := node.Meta()
	meta.VisX, meta.VisY = x, y
	return putNode(tx, node)
}

// SetStatus overwrites a node's status
func SetStatus(tx storage.Tx, uuid string, status types.NodeStatus) error {
	node, err := tx.GetNode(uuid)
	if err != nil {
		return err
	}
	node.Meta().Status = status
	return putNode(tx, node)
}

func putNode(tx storage.Tx, node types.Node) error {
	switch n := node.(type) {
	case *types.Server:
		return tx.PutServer(n)
	case *types.Modality:
		return tx.PutModality(n)
	default:
		return fmt.Errorf("unsupported node %T", node)
	}
}

// SaveTag creates or recolors a tag
func SaveTag(tx storage.Tx, name, color string) error {
	if !colorPattern.MatchString(color) {
		return fmt.Errorf("invalid color %q: %w", color, types.ErrValidation)
	}
	return tx.PutTag(&types.Tag{Name: name, Color: color})
}

// TagByAET attaches an existing tag to the node with the given AET
func TagByAET(tx storage.Tx, aet, tagName string) error {
	node, err := tx.GetNodeByAET(aet)
	if err != nil {
		return err
	}
	return tx.TagNode(node.Meta().UUID, tagName)
}

// UntagByAET detaches a tag from the node with the given AET
func UntagByAET(tx storage.Tx, aet, tagName string) error {
	node, err := tx.GetNodeByAET(aet)
	if err != nil {
		return err
	}
	return tx.UntagNode(node.Meta().UUID, tagName)
}
