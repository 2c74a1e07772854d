// Package health keeps server reachability fresh by probing each
// registered machine's SSH port on an interval.
package health

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"kelda/api/hub"
	"kelda/api/model"
)

// DialFunc probes one address. Swapped out in tests.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Poller flips server status between ONLINE and OFFLINE based on TCP
// reachability. DISABLED servers are left alone.
type Poller struct {
	Servers  model.ServerDirectory
	WS       *hub.Hub
	Interval time.Duration
	Timeout  time.Duration
	Dial     DialFunc
}

// Run starts the polling loop. It blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if p.Interval == 0 {
		p.Interval = 30 * time.Second
	}
	if p.Timeout == 0 {
		p.Timeout = 5 * time.Second
	}
	if p.Dial == nil {
		d := &net.Dialer{}
		p.Dial = d.DialContext
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	p.pollAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *Poller) pollAll(ctx context.Context) {
	servers, err := p.Servers.List()
	if err != nil {
		log.Printf("health: list servers: %v", err)
		return
	}
	for _, rec := range servers {
		if rec.Status == model.StatusDisabled {
			continue
		}
		go p.checkOne(ctx, rec)
	}
}

func (p *Poller) checkOne(ctx context.Context, rec *model.ServerRecord) {
	port := rec.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", rec.Host, port)

	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	status := model.StatusOnline
	conn, err := p.Dial(dialCtx, "tcp", addr)
	if err != nil {
		status = model.StatusOffline
	} else {
		conn.Close()
	}

	if rec.Status == status {
		return
	}
	if err := p.Servers.UpdateStatus(rec.ID, status); err != nil {
		log.Printf("health: update %s: %v", rec.ID, err)
		return
	}
	log.Printf("health: server %s (%s) is now %s", rec.Name, addr, status)

	if p.WS != nil {
		p.WS.Broadcast(hub.Event{
			Type:    "server.status",
			Subject: rec.ID,
			Payload: map[string]string{"status": string(status)},
		})
	}
}
