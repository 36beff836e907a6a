package config

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// ColorConfig holds terminal colors as "r,g,b" strings, parsed from "#rrggbb" config values.
// empty fields keep the renderer's built-in color.
type ColorConfig struct {
	Completed string
	Failed    string
	Running   string
	Pending   string
	Log       string
	Timestamp string
	Info      string
}

// colorLoader reads color_* keys with embedded filesystem fallback.
type colorLoader struct {
	embedFS embed.FS
}

func newColorLoader(embedFS embed.FS) *colorLoader {
	return &colorLoader{embedFS: embedFS}
}

// Load loads colors with fallback chain: local → global → embedded.
// localConfigPath and globalConfigPath are full paths to config files (not directories).
func (cl *colorLoader) Load(localConfigPath, globalConfigPath string) (ColorConfig, error) {
	data, err := cl.embedFS.ReadFile("defaults/config")
	if err != nil {
		return ColorConfig{}, fmt.Errorf("read embedded defaults: %w", err)
	}
	result, err := cl.parseColorsFromBytes(data)
	if err != nil {
		return ColorConfig{}, fmt.Errorf("parse embedded defaults: %w", err)
	}

	for _, p := range []struct{ name, path string }{{"global", globalConfigPath}, {"local", localConfigPath}} {
		colors, err := cl.parseColorsFromFile(p.path)
		if err != nil {
			return ColorConfig{}, fmt.Errorf("parse %s config: %w", p.name, err)
		}
		result.mergeFrom(&colors)
	}
	return result, nil
}

// parseColorsFromFile returns empty ColorConfig (not error) if the file doesn't exist.
func (cl *colorLoader) parseColorsFromFile(path string) (ColorConfig, error) {
	if path == "" {
		return ColorConfig{}, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is constructed internally
	if err != nil {
		if os.IsNotExist(err) {
			return ColorConfig{}, nil
		}
		return ColorConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return cl.parseColorsFromBytes(data)
}

func (cl *colorLoader) parseColorsFromBytes(data []byte) (ColorConfig, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return ColorConfig{}, fmt.Errorf("parse config: %w", err)
	}

	var colors ColorConfig
	section := cfg.Section("")
	colorKeys := []struct {
		key   string
		field *string
	}{
		{"color_completed", &colors.Completed},
		{"color_failed", &colors.Failed},
		{"color_running", &colors.Running},
		{"color_pending", &colors.Pending},
		{"color_log", &colors.Log},
		{"color_timestamp", &colors.Timestamp},
		{"color_info", &colors.Info},
	}

	for _, ck := range colorKeys {
		key, err := section.GetKey(ck.key)
		if err != nil {
			continue
		}
		hex := strings.TrimSpace(key.String())
		if hex == "" {
			continue
		}
		r, g, b, err := parseHexColor(hex)
		if err != nil {
			return ColorConfig{}, fmt.Errorf("invalid %s: %w", ck.key, err)
		}
		*ck.field = fmt.Sprintf("%d,%d,%d", r, g, b)
	}
	return colors, nil
}

// parseHexColor parses a hex color string (e.g., "#ff0000") into RGB components.
func parseHexColor(hex string) (r, g, b int, err error) {
	if hex == "" || hex[0] != '#' {
		return 0, 0, 0, errors.New("hex color must start with #")
	}
	if len(hex) != 7 {
		return 0, 0, 0, errors.New("hex color must be 7 characters (e.g., #ff0000)")
	}

	val, err := strconv.ParseInt(hex[1:], 16, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid hex color %q: %w", hex, err)
	}
	return int((val >> 16) & 0xFF), int((val >> 8) & 0xFF), int(val & 0xFF), nil
}

// mergeFrom merges non-empty color values from src into dst.
func (dst *ColorConfig) mergeFrom(src *ColorConfig) {
	for _, f := range []struct{ dst, src *string }{
		{&dst.Completed, &src.Completed},
		{&dst.Failed, &src.Failed},
		{&dst.Running, &src.Running},
		{&dst.Pending, &src.Pending},
		{&dst.Log, &src.Log},
		{&dst.Timestamp, &src.Timestamp},
		{&dst.Info, &src.Info},
	} {
		if *f.src != "" {
			*f.dst = *f.src
		}
	}
}
