package provision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"x-fleet/internal/logger"
	"x-fleet/internal/model"
	"x-fleet/internal/node"
	"x-fleet/internal/xray"
	"x-fleet/internal/xrayapi"
)

const callTimeout = 30 * time.Second

// Targets lists the nodes that currently take part in provisioning.
type Targets interface {
	HealthyNodes() []node.HealthyTarget
}

// Provisioner applies user changes to the main engine and every healthy
// node. Each call runs in its own goroutine; expected failures are dropped
// and unexpected ones are logged per (user, inbound, node).
type Provisioner struct {
	main    xrayapi.InboundAPI
	nodes   Targets
	config  *xray.Config
	timeout time.Duration
	wg      sync.WaitGroup
}

func New(main xrayapi.InboundAPI, nodes Targets, config *xray.Config) *Provisioner {
	return &Provisioner{main: main, nodes: nodes, config: config, timeout: callTimeout}
}

type grant struct {
	tag     string
	account xrayapi.Account
}

type target struct {
	name string
	api  xrayapi.InboundAPI
}

// AddUser grants the user every inbound it is entitled to.
func (p *Provisioner) AddUser(u *model.User) {
	targets := p.targets()
	for _, g := range p.grants(u) {
		for _, t := range targets {
			p.spawn(func() { p.add(u, t, g) })
		}
	}
}

// RemoveUser revokes the user from every known inbound.
func (p *Provisioner) RemoveUser(u *model.User) {
	email := xrayapi.Email(u.ID, u.Username)
	targets := p.targets()
	for _, tag := range p.config.Tags() {
		for _, t := range targets {
			p.spawn(func() { p.remove(u, t, tag, email) })
		}
	}
}

// UpdateUser re-applies the user's entitled inbounds and revokes every
// other known inbound, so dropped access is retracted even on targets
// that never saw the original grant.
func (p *Provisioner) UpdateUser(u *model.User) {
	email := xrayapi.Email(u.ID, u.Username)
	targets := p.targets()
	active := map[string]struct{}{}
	for _, g := range p.grants(u) {
		active[g.tag] = struct{}{}
		for _, t := range targets {
			p.spawn(func() {
				p.remove(u, t, g.tag, email)
				p.add(u, t, g)
			})
		}
	}
	for _, tag := range p.config.Tags() {
		if _, ok := active[tag]; ok {
			continue
		}
		for _, t := range targets {
			p.spawn(func() { p.remove(u, t, tag, email) })
		}
	}
}

// Wait blocks until every dispatched call has returned.
func (p *Provisioner) Wait() {
	p.wg.Wait()
}

// Shutdown waits for dispatched calls or ctx, whichever comes first.
func (p *Provisioner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provisioner) targets() []target {
	out := []target{{name: "main", api: p.main}}
	for _, n := range p.nodes.HealthyNodes() {
		out = append(out, target{name: fmt.Sprintf("node %d", n.ID), api: n.API})
	}
	return out
}

func (p *Provisioner) grants(u *model.User) []grant {
	email := xrayapi.Email(u.ID, u.Username)
	settings := make(map[model.ProxyType]model.ProxySettings, len(u.Proxies))
	for _, proxy := range u.Proxies {
		settings[proxy.Type] = proxy.Settings.Data()
	}

	var out []grant
	for proto, tags := range p.config.UserInbounds(u.Proxies) {
		for _, tag := range tags {
			acc, err := xrayapi.NewAccount(proto, email, settings[proto])
			if err != nil {
				logger.Warningf("provision %q on %q: %v", u.Username, tag, err)
				continue
			}
			if inbound, ok := p.config.InboundByTag(tag); ok {
				acc.RestrictFlow(inbound.Network, inbound.TLS, inbound.HeaderType)
			}
			out = append(out, grant{tag: tag, account: acc})
		}
	}
	return out
}

func (p *Provisioner) add(u *model.User, t target, g grant) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	err := t.api.AddInboundUser(ctx, g.tag, g.account)
	if !xrayapi.Recoverable(xrayapi.OpAddUser, err) {
		logger.Warningf("add failed for user %q on inbound %q (%s): %v", u.Username, g.tag, t.name, err)
	}
}

func (p *Provisioner) remove(u *model.User, t target, tag, email string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	err := t.api.RemoveInboundUser(ctx, tag, email)
	if !xrayapi.Recoverable(xrayapi.OpRemoveUser, err) {
		logger.Warningf("remove failed for user %q on inbound %q (%s): %v", u.Username, tag, t.name, err)
	}
}

func (p *Provisioner) spawn(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("provisioning call panicked: %v", r)
			}
		}()
		fn()
	}()
}
