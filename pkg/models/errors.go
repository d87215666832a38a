package models

import (
	"errors"
	"fmt"
)

// ErrUnknownNodeType is matched by every UnknownNodeTypeError.
var ErrUnknownNodeType = errors.New("unknown node type")

// UnknownNodeTypeError is returned when a node type is not part of the catalog.
type UnknownNodeTypeError struct {
	NodeType string
	NodeID   string
}

func (e *UnknownNodeTypeError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("unknown node type %q for node %s", e.NodeType, e.NodeID)
	}

	return fmt.Sprintf("unknown node type %q", e.NodeType)
}

func (e *UnknownNodeTypeError) Is(target error) bool {
	return target == ErrUnknownNodeType
}
