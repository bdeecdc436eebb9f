package service

import (
	"context"
	"fmt"

	"x-fleet/internal/logger"
	"x-fleet/internal/model"
	"x-fleet/internal/xray"
	"x-fleet/internal/xrayapi"
)

// ConfigService builds the full engine configuration shared by the main
// engine and every node.
type ConfigService struct {
	users   *UserService
	config  *xray.Config
	apiPort int
}

func NewConfigService(users *UserService, config *xray.Config, apiPort int) *ConfigService {
	return &ConfigService{users: users, config: config, apiPort: apiPort}
}

// FullConfig returns the engine document with every active user injected
// and the API inbound attached.
func (s *ConfigService) FullConfig(ctx context.Context) ([]byte, error) {
	users, err := s.users.ActiveUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active users: %w", err)
	}
	accounts := s.Accounts(users)
	return xray.Marshal(xray.WithAPI(s.config.IncludeUsers(accounts), s.apiPort))
}

// Accounts groups the accounts of users by inbound tag.
func (s *ConfigService) Accounts(users []*model.User) map[string][]xrayapi.Account {
	accounts := map[string][]xrayapi.Account{}
	for _, u := range users {
		email := xrayapi.Email(u.ID, u.Username)
		settings := make(map[model.ProxyType]model.ProxySettings, len(u.Proxies))
		for _, p := range u.Proxies {
			settings[p.Type] = p.Settings.Data()
		}
		for proxyType, tags := range s.config.UserInbounds(u.Proxies) {
			acc, err := xrayapi.NewAccount(proxyType, email, settings[proxyType])
			if err != nil {
				logger.Warningf("skip %s account of %q: %v", proxyType, u.Username, err)
				continue
			}
			for _, tag := range tags {
				accounts[tag] = append(accounts[tag], acc)
			}
		}
	}
	return accounts
}
