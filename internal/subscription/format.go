package subscription

import (
	"errors"
	"fmt"
)

// Format is one of the supported subscription wire formats.
type Format string

const (
	FormatV2ray     Format = "v2ray"
	FormatV2rayJSON Format = "v2ray-json"
	FormatClash     Format = "clash"
	FormatClashMeta Format = "clash-meta"
	FormatSingBox   Format = "sing-box"
	FormatOutline   Format = "outline"
)

var ErrUnsupportedFormat = errors.New("unsupported subscription format")

// Formats lists every supported format.
var Formats = []Format{FormatV2ray, FormatV2rayJSON, FormatClash, FormatClashMeta, FormatSingBox, FormatOutline}

// ParseFormat validates a client-supplied format name.
func ParseFormat(s string) (Format, error) {
	for _, f := range Formats {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// SupportsJSONOnlyHosts reports whether hosts that only make sense inside
// a full client config (outbound tag plus balancer tags) are rendered.
func (f Format) SupportsJSONOnlyHosts() bool {
	return f == FormatV2rayJSON
}

// MediaType is the Content-Type of a rendered document.
func (f Format) MediaType() string {
	switch f {
	case FormatClash, FormatClashMeta:
		return "text/yaml"
	case FormatV2ray:
		return "text/plain"
	}
	return "application/json"
}

// Renderer accumulates resolved entries and encodes them.
type Renderer interface {
	Add(e Entry)
	Render(reverse bool) (string, error)
}

// NewRenderer returns an empty renderer for f.
func NewRenderer(f Format) (Renderer, error) {
	switch f {
	case FormatV2ray:
		return &v2rayLinks{}, nil
	case FormatV2rayJSON:
		return &v2rayJSON{}, nil
	case FormatClash:
		return &clashConfig{meta: false}, nil
	case FormatClashMeta:
		return &clashConfig{meta: true}, nil
	case FormatSingBox:
		return &singBoxConfig{}, nil
	case FormatOutline:
		return &outlineConfig{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, string(f))
}
