package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// loadYAML reads flag defaults from a YAML document. Keys are flag names
// with dashes or underscores, e.g.
//
//	db: /var/lib/app/data.db
//	output: json
//	log_level: debug
//	decode: snappy
func loadYAML(r io.Reader) (kong.Resolver, error) {
	values := map[string]interface{}{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "decode yaml config")
	}
	normalized := make(map[string]interface{}, len(values))
	for k, v := range values {
		normalized[strings.ReplaceAll(k, "_", "-")] = v
	}

	return kong.ResolverFunc(func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (interface{}, error) {
		v, ok := normalized[flag.Name]
		if !ok {
			return nil, nil
		}
		if list, ok := v.([]interface{}); ok {
			items := make([]string, len(list))
			for i, item := range list {
				items[i] = fmt.Sprint(item)
			}
			return strings.Join(items, ","), nil
		}
		return fmt.Sprint(v), nil
	}), nil
}
