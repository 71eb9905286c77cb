// Package diag measures the network path to STUN servers after a call
// failed to connect: round-trip time, jitter, loss and a NAT classification
// from mapped-address consistency. Results are informational only.
package diag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/pion/stun/v3"

	"github.com/1ureka/duocall/internal/util"
)

// NATType is the coarse NAT behaviour seen from the probes.
type NATType int

const (
	NATUnknown   NATType = iota
	NATOpen              // mapped address is a local interface address
	NATCone              // one mapping for every server
	NATSymmetric         // a new mapping per server
	NATBlocked           // no server answered
)

func (n NATType) String() string {
	switch n {
	case NATOpen:
		return "open"
	case NATCone:
		return "cone"
	case NATSymmetric:
		return "symmetric"
	case NATBlocked:
		return "blocked"
	}
	return "unknown"
}

// Options tunes a diagnostic run.
type Options struct {
	Servers  []string // stun: URIs
	Samples  int      // binding requests per server
	Interval time.Duration
	Timeout  time.Duration // per request
}

// Probe is the outcome for one server.
type Probe struct {
	Server   string
	Mapped   string
	RTTs     []time.Duration
	Sent     int
	Received int
	Err      error
}

// Report summarises every probe.
type Report struct {
	Probes []Probe
	RTT    time.Duration // mean over all answered requests
	Jitter time.Duration // mean delta between consecutive RTTs
	Loss   float64       // 0..1
	NAT    NATType
}

// Run probes every server from one UDP socket so that mappings can be
// compared.
func Run(ctx context.Context, opts Options) (Report, error) {
	if len(opts.Servers) == 0 {
		return Report{}, errors.New("diag: no STUN servers configured")
	}
	if opts.Samples <= 0 {
		opts.Samples = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return Report{}, fmt.Errorf("diag: listen: %w", err)
	}
	defer conn.Close()

	var rep Report
	for _, server := range opts.Servers {
		if ctx.Err() != nil {
			break
		}
		p := Probe{Server: server}
		addr, err := resolve(server)
		if err != nil {
			p.Err = err
		} else {
			probeServer(ctx, conn, addr, opts, &p)
		}
		rep.Probes = append(rep.Probes, p)
	}
	rep.summarize()
	return rep, ctx.Err()
}

func resolve(raw string) (*net.UDPAddr, error) {
	u, err := stun.ParseURI(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != stun.SchemeTypeSTUN {
		return nil, fmt.Errorf("%q: only stun: servers can be probed", raw)
	}
	return net.ResolveUDPAddr("udp4", net.JoinHostPort(u.Host, strconv.Itoa(u.Port)))
}

func probeServer(ctx context.Context, conn net.PacketConn, addr *net.UDPAddr, opts Options, p *Probe) {
	buf := make([]byte, 1500)
	for i := 0; i < opts.Samples && ctx.Err() == nil; i++ {
		if i > 0 && opts.Interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(opts.Interval):
			}
		}

		req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
		if err != nil {
			p.Err = err
			return
		}
		start := time.Now()
		if _, err := conn.WriteTo(req.Raw, addr); err != nil {
			p.Err = err
			return
		}
		p.Sent++

		deadline := start.Add(opts.Timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = conn.SetReadDeadline(deadline)

		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				break // lost
			}
			res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if res.Decode() != nil || res.TransactionID != req.TransactionID {
				continue
			}
			p.Received++
			p.RTTs = append(p.RTTs, time.Since(start))
			if mapped, ok := mappedAddress(res); ok {
				p.Mapped = mapped
			}
			break
		}
	}
}

func mappedAddress(m *stun.Message) (string, bool) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		return net.JoinHostPort(xor.IP.String(), strconv.Itoa(xor.Port)), true
	}
	var plain stun.MappedAddress
	if err := plain.GetFrom(m); err == nil {
		return net.JoinHostPort(plain.IP.String(), strconv.Itoa(plain.Port)), true
	}
	return "", false
}

func (r *Report) summarize() {
	var sent, received int
	var all []time.Duration
	mappings := map[string]bool{}
	for _, p := range r.Probes {
		sent += p.Sent
		received += p.Received
		all = append(all, p.RTTs...)
		if p.Mapped != "" {
			mappings[p.Mapped] = true
		}
	}
	if sent > 0 {
		r.Loss = 1 - float64(received)/float64(sent)
	}
	r.RTT, r.Jitter = rttStats(all)
	r.NAT = classify(mappings, localIPs())
}

func rttStats(rtts []time.Duration) (mean, jitter time.Duration) {
	if len(rtts) == 0 {
		return 0, 0
	}
	var sum, deltas float64
	for i, d := range rtts {
		sum += float64(d)
		if i > 0 {
			deltas += math.Abs(float64(d - rtts[i-1]))
		}
	}
	mean = time.Duration(sum / float64(len(rtts)))
	if len(rtts) > 1 {
		jitter = time.Duration(deltas / float64(len(rtts)-1))
	}
	return mean, jitter
}

func classify(mappings map[string]bool, local map[string]bool) NATType {
	switch {
	case len(mappings) == 0:
		return NATBlocked
	case len(mappings) > 1:
		return NATSymmetric
	}
	for m := range mappings {
		host, _, err := net.SplitHostPort(m)
		if err == nil && local[host] {
			return NATOpen
		}
	}
	return NATCone
}

func localIPs() map[string]bool {
	out := map[string]bool{}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			out[ipn.IP.String()] = true
		}
	}
	return out
}

// Log writes the report through the shared logger.
func Log(r Report) {
	log := util.NewScope("diag")
	for _, p := range r.Probes {
		if p.Err != nil {
			log.Warnf("%s: %v", p.Server, p.Err)
			continue
		}
		log.Infof("%s: %d/%d answered, mapped %s", p.Server, p.Received, p.Sent, p.Mapped)
	}
	log.Infof("rtt %s, jitter %s, loss %.0f%%, nat %s",
		r.RTT.Round(time.Millisecond), r.Jitter.Round(time.Millisecond), r.Loss*100, r.NAT)
	if r.NAT == NATSymmetric || r.NAT == NATBlocked {
		log.Warnf("a %s NAT usually needs a TURN relay for peer-to-peer audio", r.NAT)
	}
}
