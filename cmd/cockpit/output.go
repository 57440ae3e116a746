package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/orthancfleet/cockpit/pkg/storage"
	"github.com/orthancfleet/cockpit/pkg/types"
	"gopkg.in/yaml.v3"
)

// printObject writes v as JSON or YAML depending on format
func printObject(format string, v interface{}) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case "json", "":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (json, yaml)", format)
	}
}

// nodeByAET looks a node up by AET in its own read transaction
func nodeByAET(store storage.Store, aet string) (types.Node, error) {
	var node types.Node
	err := store.View(func(tx storage.Tx) error {
		var err error
		node, err = tx.GetNodeByAET(aet)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("no node with AET %q: %w", aet, err)
	}
	return node, nil
}

func serverByAET(store storage.Store, aet string) (*types.Server, error) {
	node, err := nodeByAET(store, aet)
	if err != nil {
		return nil, err
	}
	server, ok := node.(*types.Server)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not a server: %w", aet, node.Kind(), types.ErrValidation)
	}
	return server, nil
}

func modalityByAET(store storage.Store, aet string) (*types.Modality, error) {
	node, err := nodeByAET(store, aet)
	if err != nil {
		return nil, err
	}
	modality, ok := node.(*types.Modality)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not a modality: %w", aet, node.Kind(), types.ErrValidation)
	}
	return modality, nil
}
