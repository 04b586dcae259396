package jsonv

import (
	"fmt"

	"github.com/snorwin/jsonpatch"
)

// Change is one JSON Patch operation between two documents.
type Change struct {
	Op   string
	Path string
}

// Diff lists the operations that turn from into to. An empty result means
// the documents are semantically equal.
func Diff(from, to *Value) ([]Change, error) {
	if from != nil && to != nil && from.kind == Object && to.kind == Object {
		patch, err := jsonpatch.CreateJSONPatch(to.Any(), from.Any())
		if err != nil {
			return nil, fmt.Errorf("failed to create JSON patch: %w", err)
		}
		changes := make([]Change, 0, len(patch.List()))
		for _, op := range patch.List() {
			changes = append(changes, Change{Op: op.Operation, Path: op.Path})
		}
		return changes, nil
	}
	if Equal(from, to) {
		return nil, nil
	}
	switch {
	case from == nil:
		return []Change{{Op: "add", Path: ""}}, nil
	case to == nil:
		return []Change{{Op: "remove", Path: ""}}, nil
	}
	return []Change{{Op: "replace", Path: ""}}, nil
}
