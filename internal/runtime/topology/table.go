package topology

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Entry is one row of the adjacency table: the nodes a node publishes to
// and the nodes it accepts messages from.
type Entry struct {
	PublishTo     []NodeID
	SubscribeFrom []NodeID
}

// Bindings are the routing keys a node publishes to and the patterns it
// subscribes with. Both are deduplicated and sorted.
type Bindings struct {
	Publish   []RouteKey
	Subscribe []RouteKey
}

// IsEmpty reports whether the node is isolated.
func (b Bindings) IsEmpty() bool {
	return len(b.Publish) == 0 && len(b.Subscribe) == 0
}

// Table is an immutable adjacency table keyed by node.
type Table struct {
	entries map[NodeID]Entry
}

// NewTable copies entries into a new Table. Later changes to the argument do
// not affect the table.
func NewTable(entries map[NodeID]Entry) *Table {
	t := &Table{entries: make(map[NodeID]Entry, len(entries))}
	for node, entry := range entries {
		t.entries[node] = Entry{
			PublishTo:     slices.Clone(entry.PublishTo),
			SubscribeFrom: slices.Clone(entry.SubscribeFrom),
		}
	}
	return t
}

// DefaultTable returns the built-in adjacency: the controller talks to the
// environment and memory nodes and they answer the controller.
func DefaultTable() *Table {
	return NewTable(map[NodeID]Entry{
		Controller: {
			PublishTo:     []NodeID{Environment, Memory},
			SubscribeFrom: []NodeID{Environment, Memory},
		},
		Environment: {
			PublishTo:     []NodeID{Controller},
			SubscribeFrom: []NodeID{Controller},
		},
		Memory: {
			PublishTo:     []NodeID{Controller},
			SubscribeFrom: []NodeID{Controller},
		},
	})
}

// Has reports whether node has a row in the table.
func (t *Table) Has(node NodeID) bool {
	_, ok := t.entries[node]
	return ok
}

// Nodes returns the nodes present in the table, sorted.
func (t *Table) Nodes() []NodeID {
	out := make([]NodeID, 0, len(t.entries))
	for node := range t.entries {
		out = append(out, node)
	}
	slices.Sort(out)
	return out
}

// BindingsFor derives the publish keys and subscribe patterns of node. Every
// known node subscribes to "<self>.*", with or without a row in the table.
// Unidentified and out-of-range identifiers get empty bindings; callers log
// and carry on.
func (t *Table) BindingsFor(node NodeID) Bindings {
	if !node.Known() {
		return Bindings{}
	}
	entry := t.entries[node]

	publish := make([]RouteKey, 0, len(entry.PublishTo))
	for _, to := range entry.PublishTo {
		publish = append(publish, NewRouteKey(to, node))
	}

	subscribe := make([]RouteKey, 0, len(entry.SubscribeFrom)+1)
	subscribe = append(subscribe, SelfPattern(node))
	for _, from := range entry.SubscribeFrom {
		subscribe = append(subscribe, NewRouteKey(node, from))
	}

	return Bindings{Publish: normalize(publish), Subscribe: normalize(subscribe)}
}

func normalize(keys []RouteKey) []RouteKey {
	slices.Sort(keys)
	return slices.Compact(keys)
}

type fileEntry struct {
	Publish   []string `yaml:"publish"`
	Subscribe []string `yaml:"subscribe"`
}

type fileTable struct {
	Nodes map[string]fileEntry `yaml:"nodes"`
}

// ParseTable builds a Table from YAML of the form
//
//	nodes:
//	  Controller:
//	    publish: [Environment]
//	    subscribe: [Environment]
//
// Every name must be a known node.
func ParseTable(data []byte) (*Table, error) {
	var raw fileTable
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	entries := make(map[NodeID]Entry, len(raw.Nodes))
	for name, row := range raw.Nodes {
		node, ok := ParseNodeID(name)
		if !ok {
			return nil, fmt.Errorf("topology: unknown node %q", name)
		}
		publish, err := parseNames(name, row.Publish)
		if err != nil {
			return nil, err
		}
		subscribe, err := parseNames(name, row.Subscribe)
		if err != nil {
			return nil, err
		}
		entries[node] = Entry{PublishTo: publish, SubscribeFrom: subscribe}
	}
	return NewTable(entries), nil
}

// LoadTable reads a topology file. An empty path yields DefaultTable.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology %s: %w", path, err)
	}
	return ParseTable(data)
}

func parseNames(owner string, names []string) ([]NodeID, error) {
	out := make([]NodeID, 0, len(names))
	for _, name := range names {
		node, ok := ParseNodeID(name)
		if !ok {
			return nil, fmt.Errorf("topology: node %q references unknown node %q", owner, name)
		}
		out = append(out, node)
	}
	return out, nil
}
