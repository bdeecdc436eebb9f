package subscription

import (
	"crypto/rand"
	"encoding/base64"

	"x-fleet/internal/model"

	"github.com/google/uuid"
)

const decoyAddress = "127.0.0.1"

// DecoyEntries builds one inert loopback entry per note, for clients that
// hit the device limit. Outline only holds a single endpoint.
func DecoyEntries(vars Variables, f Format, notes []string) []Entry {
	protocol := model.ProxyVMess
	if f == FormatOutline {
		protocol = model.ProxyShadowsocks
		if len(notes) > 1 {
			notes = notes[:1]
		}
	}
	vars = vars.With("PROTOCOL", string(protocol), "TRANSPORT", "tcp")

	entries := make([]Entry, 0, len(notes))
	for _, note := range notes {
		entries = append(entries, Entry{
			Remark:   vars.Format(note),
			Address:  decoyAddress,
			Protocol: protocol,
			Settings: decoySettings(protocol),
			Params: Params{
				Network:    "tcp",
				TLS:        "tls",
				Port:       443,
				SNI:        "example.com",
				HeaderType: "none",
			},
			vars: vars,
		})
	}
	return entries
}

func decoySettings(protocol model.ProxyType) model.ProxySettings {
	if protocol == model.ProxyShadowsocks {
		b := make([]byte, 16)
		rand.Read(b)
		return model.ProxySettings{Password: base64.RawURLEncoding.EncodeToString(b), Method: "aes-128-gcm"}
	}
	return model.ProxySettings{ID: uuid.NewString()}
}
