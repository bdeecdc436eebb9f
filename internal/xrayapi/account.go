package xrayapi

import (
	"fmt"
	"strings"

	"x-fleet/internal/model"

	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	"github.com/xtls/xray-core/proxy/shadowsocks"
	"github.com/xtls/xray-core/proxy/shadowsocks_2022"
	"github.com/xtls/xray-core/proxy/trojan"
	"github.com/xtls/xray-core/proxy/vless"
	"github.com/xtls/xray-core/proxy/vmess"
)

// FlowVision is the only XTLS flow currently handed out to users.
const FlowVision = "xtls-rprx-vision"

// Account is the credential set of one user on one inbound.
type Account struct {
	Email    string          `json:"email"`
	Level    uint32          `json:"level"`
	Protocol model.ProxyType `json:"protocol"`
	ID       string          `json:"id,omitempty"`
	Flow     string          `json:"flow,omitempty"`
	Password string          `json:"password,omitempty"`
	Method   string          `json:"method,omitempty"`
}

// Email returns the engine-side identity of a user: "<id>.<username>".
func Email(userID uint, username string) string {
	return fmt.Sprintf("%d.%s", userID, username)
}

// NewAccount builds the account for a proxy type from stored settings.
func NewAccount(proxyType model.ProxyType, email string, s model.ProxySettings) (Account, error) {
	acc := Account{Email: email, Protocol: proxyType}
	switch proxyType {
	case model.ProxyVMess:
		acc.ID = s.ID
	case model.ProxyVLESS:
		acc.ID = s.ID
		acc.Flow = s.Flow
	case model.ProxyTrojan:
		acc.Password = s.Password
		acc.Flow = s.Flow
	case model.ProxyShadowsocks:
		acc.Password = s.Password
		acc.Method = s.Method
		if acc.Method == "" {
			acc.Method = "chacha20-ietf-poly1305"
		}
	default:
		return Account{}, fmt.Errorf("unsupported proxy type %q", proxyType)
	}
	return acc, nil
}

// SupportsFlow reports whether the protocol carries an XTLS flow attribute.
func (a Account) SupportsFlow() bool {
	return a.Protocol == model.ProxyVLESS || a.Protocol == model.ProxyTrojan
}

// RestrictFlow clears the flow when the inbound cannot carry it: XTLS
// needs a raw/tcp or kcp transport under tls or reality, without an
// http header disguise.
func (a *Account) RestrictFlow(network, security, headerType string) {
	if !a.SupportsFlow() || a.Flow == "" {
		return
	}
	if network == "" {
		network = "tcp"
	}
	switch {
	case network != "tcp" && network != "raw" && network != "kcp":
		a.Flow = ""
	case security != "tls" && security != "reality":
		a.Flow = ""
	case headerType == "http":
		a.Flow = ""
	}
}

// IsShadowsocks2022 reports whether the account uses a 2022-edition cipher.
func (a Account) IsShadowsocks2022() bool {
	return a.Protocol == model.ProxyShadowsocks && strings.HasPrefix(a.Method, "2022-")
}

// User converts the account into the engine's protocol.User message.
func (a Account) User() (*protocol.User, error) {
	msg, err := a.typedAccount()
	if err != nil {
		return nil, err
	}
	return &protocol.User{Level: a.Level, Email: a.Email, Account: msg}, nil
}

func (a Account) typedAccount() (*serial.TypedMessage, error) {
	switch a.Protocol {
	case model.ProxyVMess:
		return serial.ToTypedMessage(&vmess.Account{Id: a.ID}), nil
	case model.ProxyVLESS:
		return serial.ToTypedMessage(&vless.Account{Id: a.ID, Flow: a.Flow, Encryption: "none"}), nil
	case model.ProxyTrojan:
		return serial.ToTypedMessage(&trojan.Account{Password: a.Password}), nil
	case model.ProxyShadowsocks:
		if a.IsShadowsocks2022() {
			return serial.ToTypedMessage(&shadowsocks_2022.Account{Key: a.Password}), nil
		}
		cipher, err := cipherType(a.Method)
		if err != nil {
			return nil, err
		}
		return serial.ToTypedMessage(&shadowsocks.Account{Password: a.Password, CipherType: cipher}), nil
	}
	return nil, fmt.Errorf("unsupported proxy type %q", a.Protocol)
}

// ClientJSON returns the account as an entry of an inbound's settings.clients list.
func (a Account) ClientJSON() map[string]any {
	client := map[string]any{"email": a.Email, "level": a.Level}
	switch a.Protocol {
	case model.ProxyVMess:
		client["id"] = a.ID
	case model.ProxyVLESS:
		client["id"] = a.ID
		client["flow"] = a.Flow
	case model.ProxyTrojan:
		client["password"] = a.Password
		client["flow"] = a.Flow
	case model.ProxyShadowsocks:
		client["password"] = a.Password
		if !a.IsShadowsocks2022() {
			client["method"] = a.Method
		}
	}
	return client
}

func cipherType(method string) (shadowsocks.CipherType, error) {
	switch strings.ToLower(method) {
	case "aes-128-gcm":
		return shadowsocks.CipherType_AES_128_GCM, nil
	case "aes-256-gcm":
		return shadowsocks.CipherType_AES_256_GCM, nil
	case "chacha20-poly1305", "chacha20-ietf-poly1305":
		return shadowsocks.CipherType_CHACHA20_POLY1305, nil
	case "xchacha20-poly1305", "xchacha20-ietf-poly1305":
		return shadowsocks.CipherType_XCHACHA20_POLY1305, nil
	case "none", "plain":
		return shadowsocks.CipherType_NONE, nil
	}
	return shadowsocks.CipherType_UNKNOWN, fmt.Errorf("unsupported shadowsocks method %q", method)
}
