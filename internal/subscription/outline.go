package subscription

import (
	"x-fleet/internal/model"

	"github.com/goccy/go-json"
)

type outlineDocument struct {
	Server     string `json:"server"`
	ServerPort int    `json:"server_port"`
	Password   string `json:"password"`
	Method     string `json:"method"`
	Remarks    string `json:"remarks"`
}

// outlineConfig renders an Outline access key. Outline holds a single
// shadowsocks endpoint, so only the first one in rendered order is used.
type outlineConfig struct {
	entries []outlineDocument
}

func (c *outlineConfig) Add(e Entry) {
	if e.Protocol != model.ProxyShadowsocks {
		return
	}
	c.entries = append(c.entries, outlineDocument{
		Server:     e.Address,
		ServerPort: e.Params.Port,
		Password:   e.Settings.Password,
		Method:     firstNonEmpty(e.Settings.Method, e.Params.Method, "chacha20-ietf-poly1305"),
		Remarks:    e.Remark,
	})
}

func (c *outlineConfig) Render(reverse bool) (string, error) {
	if len(c.entries) == 0 {
		return "{}", nil
	}
	doc := c.entries[0]
	if reverse {
		doc = c.entries[len(c.entries)-1]
	}
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
