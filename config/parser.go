package config

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-directory/types"
)

// Parser resolves dotted paths such as "cache.config.address" against the raw
// YAML document. It backs the untyped lookups used by pluggable backends
// whose settings are not part of ServiceConfig.
type Parser struct {
	root map[string]interface{}
}

func NewParser(raw *map[string]interface{}) *Parser {
	if raw == nil || *raw == nil {
		return &Parser{root: map[string]interface{}{}}
	}
	return &Parser{root: *raw}
}

func (p *Parser) GetValue(path string, defaultValue interface{}) interface{} {
	if v, ok := p.find(path); ok {
		return v
	}
	return defaultValue
}

// GetAs decodes the subtree at path into target using its yaml tags.
func (p *Parser) GetAs(path string, target interface{}) error {
	v, ok := p.find(path)
	if !ok {
		return types.Errorf(types.ErrConfigNotFound, "path: %s", path)
	}

	var node yaml.Node
	if err := node.Encode(v); err != nil {
		return types.WrapError(err, "failed to encode config value")
	}
	if err := node.Decode(target); err != nil {
		return types.Categorize(types.ErrConfigParseFailed, err)
	}
	return nil
}

func (p *Parser) find(path string) (interface{}, bool) {
	if path == "" {
		return p.root, true
	}

	var cur interface{} = p.root
	for _, key := range strings.Split(path, ".") {
		next, ok := child(cur, key)
		if !ok || next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func child(node interface{}, key string) (interface{}, bool) {
	switch m := node.(type) {
	case map[string]interface{}:
		v, ok := m[key]
		return v, ok
	case map[interface{}]interface{}:
		v, ok := m[key]
		return v, ok
	}
	return nil, false
}
