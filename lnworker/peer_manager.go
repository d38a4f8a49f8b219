package lnworker

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/breez/lnworker/lncfg"
	"github.com/breez/lnworker/routing"
	"github.com/miekg/dns"
	"golang.org/x/time/rate"
)

// PeerManager is C1: it maintains up to NumPeersTarget live encrypted
// peer sessions, seeding candidates from recent channel-DB peers, the
// channel graph, and a fallback list, and throttling reconnect attempts.
type PeerManager struct {
	w *Worker

	// limiter throttles outbound connection attempts beyond the plain
	// per-address retry-interval map, so a burst of simultaneously-eligible
	// candidates doesn't open many sockets in the same tick.
	limiter *rate.Limiter
}

func (pm *PeerManager) rateLimiter() *rate.Limiter {
	if pm.limiter == nil {
		pm.limiter = rate.NewLimiter(rate.Every(200*time.Millisecond), 1)
	}
	return pm.limiter
}

// run is the background loop of spec.md §4.1: every PeerManagerTick, if we
// have fewer than NumPeersTarget live peers, ask for a candidate and connect
// to it if its retry interval has elapsed.
func (pm *PeerManager) run(ctx context.Context) error {
	ticker := time.NewTicker(PeerManagerTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pm.tick(ctx)
		}
	}
}

func (pm *PeerManager) tick(ctx context.Context) {
	now := time.Now()
	pm.w.mu.Lock()
	pm.w.lastTried.prune(now, PeerRetryInterval)
	pm.w.mu.Unlock()

	if pm.w.numPeers() >= NumPeersTarget {
		return
	}

	candidate, ok := pm.nextPeerToTry()
	if !ok {
		return
	}

	pm.w.mu.Lock()
	ready := pm.w.lastTried.readyToRetry(candidate, now, PeerRetryInterval)
	if ready {
		pm.w.lastTried.stamp(candidate, now)
	}
	pm.w.mu.Unlock()
	if !ready {
		return
	}

	if !pm.rateLimiter().Allow() {
		return
	}

	pm.w.eg.Go(func() error {
		pm.connect(ctx, candidate)
		return nil
	})
}

// nextPeerToTry implements `_get_next_peers_to_try`'s candidate selection
// order from spec.md §4.1: recent channel-DB peer, then a random
// unconnected graph node, then the network's fallback list. The DNS-seed
// step (item 4) is implemented in dnsSeedPeers but never reached from here,
// per the Open Question in spec.md §9: the original returns before that
// branch on both mainnet and testnet, and that dead-code behavior is
// preserved rather than guessed at.
func (pm *PeerManager) nextPeerToTry() (lncfg.PeerAddress, bool) {
	connected := pm.w.connectedPeers()

	if addr, ok := pm.recentPeerCandidate(connected); ok {
		return addr, true
	}
	if addr, ok := pm.graphCandidate(connected); ok {
		return addr, true
	}
	return randomFallbackNode(pm.w.cfg.Net, pm.w.rand)
}

// recentPeerCandidate returns the first recently-seen channel-DB peer (per
// spec.md §4.1 item 1) that is not already connected and not presently in
// the last-tried map's (channel-peer) retry window.
func (pm *PeerManager) recentPeerCandidate(connected map[[33]byte]struct{}) (lncfg.PeerAddress, bool) {
	if pm.w.graph == nil {
		return lncfg.PeerAddress{}, false
	}

	node, ok := pm.w.graph.RecentPeer(connected)
	if !ok {
		return lncfg.PeerAddress{}, false
	}
	addr, ok := graphNodeToAddress(node)
	if !ok {
		return lncfg.PeerAddress{}, false
	}

	now := time.Now()
	pm.w.mu.Lock()
	ready := pm.w.lastTried.readyToRetry(addr, now, PeerRetryIntervalForChannels)
	pm.w.mu.Unlock()
	if !ready {
		return lncfg.PeerAddress{}, false
	}
	return addr, true
}

// graphCandidate samples up to 200 unconnected graph nodes and returns the
// first one with at least one address not presently in the retry window,
// per spec.md §4.1 item 2. The node's own pubkey is excluded, matching the
// original's `_get_next_peers_to_try` recency filter that never proposes
// our own identity.
func (pm *PeerManager) graphCandidate(connected map[[33]byte]struct{}) (lncfg.PeerAddress, bool) {
	if pm.w.graph == nil {
		return lncfg.PeerAddress{}, false
	}

	exclude := make(map[[33]byte]struct{}, len(connected)+1)
	for pk := range connected {
		exclude[pk] = struct{}{}
	}
	if pm.w.identityKey != nil {
		var self [33]byte
		copy(self[:], pm.w.identityKey.SerializeCompressed())
		exclude[self] = struct{}{}
	}

	nodes, err := pm.w.graph.RandomUnconnectedNodes(200, exclude)
	if err != nil {
		return lncfg.PeerAddress{}, false
	}

	now := time.Now()
	for _, n := range nodes {
		addr, ok := graphNodeToAddress(n)
		if !ok {
			continue
		}
		pm.w.mu.Lock()
		ready := pm.w.lastTried.readyToRetry(addr, now, PeerRetryInterval)
		pm.w.mu.Unlock()
		if ready {
			return addr, true
		}
	}
	return lncfg.PeerAddress{}, false
}

// graphNodeToAddress picks the preferred address among a graph node's
// advertisements and pairs it with the node's pubkey.
func graphNodeToAddress(n routing.GraphNode) (lncfg.PeerAddress, bool) {
	if len(n.Addresses) == 0 {
		return lncfg.PeerAddress{}, false
	}

	addrs := make([]lncfg.TimestampedAddress, len(n.Addresses))
	for i, a := range n.Addresses {
		addrs[i] = lncfg.TimestampedAddress{Host: a.Host, Port: a.Port, Timestamp: a.Timestamp}
	}
	chosen, ok := lncfg.ChoosePreferredAddress(addrs)
	if !ok {
		return lncfg.PeerAddress{}, false
	}

	var pa lncfg.PeerAddress
	pa.Host, pa.Port = chosen.Host, chosen.Port
	pa.PubKey = n.PubKey
	return pa, true
}

// connect implements `_add_peer`: no-op if the pubkey is already present,
// else dial and register the resulting Peer. tick stamps last-tried before
// spawning this onto the errgroup, so connection attempts never block the
// main tick loop.
func (pm *PeerManager) connect(ctx context.Context, addr lncfg.PeerAddress) {
	if _, ok := pm.w.peerByPubKey(addr.PubKey); ok {
		return
	}

	p, err := pm.w.peerFactory.NewOutbound(ctx, addr)
	if err != nil {
		peerLog.Debugf("handshake with %s failed: %v", addr, err)
		return
	}

	if !pm.w.registerPeer(p) {
		return
	}

	pm.w.eg.Go(func() error {
		err := p.MainLoop(ctx)
		pm.w.peerClosed(p.PubKey())
		return err
	})
}

// listen accepts inbound connections on Config.LightningListen, enabled iff
// that address is configured (`maybe_listen` in spec.md §4.1).
func (pm *PeerManager) listen(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", pm.w.cfg.LightningListen)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				peerLog.Errorf("inbound accept failed: %v", err)
				continue
			}
		}

		conn := conn
		pm.w.eg.Go(func() error {
			p, err := pm.w.peerFactory.NewInbound(ctx, conn)
			if err != nil {
				peerLog.Debugf("inbound handshake failed: %v", err)
				conn.Close()
				return nil
			}
			if !pm.w.registerPeer(p) {
				return nil
			}
			err = p.MainLoop(ctx)
			pm.w.peerClosed(p.PubKey())
			return err
		})
	}
}

// dnsSeedPeers implements spec.md §4.1 item 4: an SRV query of the form
// `r<realm_byte>.<seed>`, shuffled, taking 2*NumPeersTarget entries and
// resolving each host. It is fully implemented but never called from
// nextPeerToTry, matching the Open Question in spec.md §9: "the current
// code returns before reaching this step; preserve that behavior but keep
// the DNS path implemented for later enablement."
func (pm *PeerManager) dnsSeedPeers(ctx context.Context, seed string, realmByte byte) ([]lncfg.PeerAddress, error) {
	c := new(dns.Client)
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fmt.Sprintf("r%d.%s", realmByte, seed)), dns.TypeSRV)

	resp, _, err := c.ExchangeContext(ctx, m, "8.8.8.8:53")
	if err != nil {
		return nil, err
	}

	var hosts []string
	for _, rr := range resp.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			hosts = append(hosts, srv.Target)
		}
	}

	rand.Shuffle(len(hosts), func(i, j int) { hosts[i], hosts[j] = hosts[j], hosts[i] })

	want := 2 * NumPeersTarget
	if want > len(hosts) {
		want = len(hosts)
	}

	// A DNS seed answer carries no node pubkey, only a dialable host; the
	// pubkey is learned during the handshake itself, so these entries are
	// returned with a zero PubKey for the caller to fill in post-handshake.
	var out []lncfg.PeerAddress
	for _, h := range hosts[:want] {
		addr, err := lncfg.ParseAddressString(h, "9735", net.ResolveTCPAddr)
		if err != nil {
			continue
		}
		host, portStr, err := net.SplitHostPort(addr.String())
		if err != nil {
			continue
		}
		var port int
		fmt.Sscanf(portStr, "%d", &port)
		out = append(out, lncfg.PeerAddress{Host: host, Port: port})
	}
	return out, nil
}
