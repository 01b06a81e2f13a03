package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/alecthomas/kong"
)

// tomlLoader resolves flags from a TOML file. Keys are flag names in
// snake_case. A table named after the selected command overrides
// top-level keys for that command:
//
//	log_level = "debug"
//
//	[serve]
//	listen = "tls://0.0.0.0:14219"
//	redirector = "tls://gosredirector.ea.com:42127"
func tomlLoader(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if _, err := toml.NewDecoder(r).Decode(&values); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	var f kong.ResolverFunc = func(kctx *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		key := strings.ReplaceAll(flag.Name, "-", "_")
		if cmd := kctx.Selected(); cmd != nil {
			if table, ok := values[cmd.Name].(map[string]any); ok {
				if v, ok := table[key]; ok {
					return configValue(v), nil
				}
			}
		}
		if v, ok := values[key]; ok {
			return configValue(v), nil
		}
		return nil, nil
	}
	return f, nil
}

// configValue converts a decoded TOML value into a form every kong mapper
// accepts: strings and bools pass through, arrays become comma-separated
// lists and everything else is formatted as text.
func configValue(v any) any {
	switch v := v.(type) {
	case string, bool:
		return v
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = fmt.Sprint(configValue(e))
		}
		return strings.Join(parts, ",")
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}
