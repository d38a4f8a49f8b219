// Package lncfg holds small, dependency-light helpers for parsing the
// address-shaped configuration values the worker reads at start-up: the
// inbound listen address, the seed peer list, and the addresses advertised
// by nodes in the channel graph.
package lncfg

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec"
)

var loopBackAddrs = []string{"localhost", "127.0.0.1", "[::1]"}

type tcpResolver = func(network, addr string) (*net.TCPAddr, error)

// PeerAddress is the (host, port, node_pubkey) triple spec.md §3 defines.
// Equality includes all three fields, and a PeerAddress is used as the key
// into the worker's last-tried-time map.
type PeerAddress struct {
	Host   string
	Port   int
	PubKey [33]byte
}

// String renders the triple as "pubkey@host:port".
func (p PeerAddress) String() string {
	return fmt.Sprintf("%x@%s", p.PubKey[:], net.JoinHostPort(p.Host, strconv.Itoa(p.Port)))
}

// TimestampedAddress is a single address advertised by a node in the graph,
// together with the timestamp at which it was last seen announced. The
// upstream Python source types this as a 2-tuple but its actual unpacking
// site treats it as a 3-tuple of (host, port, timestamp) - this struct
// reflects that real contract, per the Open Question in spec.md §9.
type TimestampedAddress struct {
	Host      string
	Port      int
	Timestamp int64
}

// ChoosePreferredAddress picks the address to dial out of a node's known
// address set: the first entry that parses as an IPv4/IPv6 literal wins;
// otherwise a uniformly random entry is returned. TODO: filter onion hosts
// when Tor is unavailable on this worker.
func ChoosePreferredAddress(addrs []TimestampedAddress) (TimestampedAddress, bool) {
	if len(addrs) == 0 {
		return TimestampedAddress{}, false
	}

	for _, a := range addrs {
		if ip := net.ParseIP(a.Host); ip != nil {
			return a, true
		}
	}

	return addrs[rand.Intn(len(addrs))], true
}

// ParseAddressString converts an address string of the form
// "network://host:port", "network:host:port", "host:port" or just "port"
// into a net.Addr. UDP is rejected because the worker requires reliable,
// stream-oriented connections. A caller-supplied resolver performs the
// actual TCP hostname resolution so tests can substitute a deterministic
// one.
func ParseAddressString(strAddress string, defaultPort string,
	resolve tcpResolver) (net.Addr, error) {

	var parsedNetwork, parsedAddr string

	switch {
	case strings.Contains(strAddress, "://"):
		parts := strings.SplitN(strAddress, "://", 2)
		parsedNetwork, parsedAddr = parts[0], parts[1]
	case strings.Contains(strAddress, ":"):
		parts := strings.Split(strAddress, ":")
		parsedNetwork = parts[0]
		parsedAddr = strings.Join(parts[1:], ":")
	}

	switch parsedNetwork {
	case "unix", "unixpacket":
		return net.ResolveUnixAddr(parsedNetwork, parsedAddr)

	case "tcp", "tcp4", "tcp6":
		return resolve(parsedNetwork, verifyPort(parsedAddr, defaultPort))

	case "ip", "ip4", "ip6", "udp", "udp4", "udp6", "unixgram":
		return nil, fmt.Errorf("only TCP or unix socket addresses are "+
			"supported: %s", parsedAddr)

	default:
		addrWithPort := verifyPort(strAddress, defaultPort)
		rawHost, _, _ := net.SplitHostPort(addrWithPort)

		if rawHost == "" || IsLoopback(rawHost) {
			return net.ResolveTCPAddr("tcp", addrWithPort)
		}

		return resolve("tcp", addrWithPort)
	}
}

// ParsePeerAddressString converts a "pubkey@host:port" string into a
// PeerAddress, resolving the host/port with the given resolver.
func ParsePeerAddressString(strAddress string, defaultPort string,
	resolve tcpResolver) (*PeerAddress, error) {

	parts := strings.SplitN(strAddress, "@", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid peer address %q: must be of "+
			"the form <pubkey-hex>@<addr>", strAddress)
	}

	pubKeyBytes, err := parsePubKeyHex(parts[0])
	if err != nil {
		return nil, err
	}

	addr, err := ParseAddressString(parts[1], defaultPort, resolve)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address %q: %v", strAddress, err)
	}

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, fmt.Errorf("invalid peer address %q: %v", strAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address %q: %v", strAddress, err)
	}

	var pa PeerAddress
	pa.Host, pa.Port = host, port
	copy(pa.PubKey[:], pubKeyBytes)
	return &pa, nil
}

func parsePubKeyHex(hexKey string) ([]byte, error) {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey: %v", err)
	}
	if len(b) != 33 {
		return nil, fmt.Errorf("invalid pubkey: length must be 33 "+
			"bytes, found %d", len(b))
	}
	if _, err := btcec.ParsePubKey(b, btcec.S256()); err != nil {
		return nil, fmt.Errorf("invalid pubkey: %v", err)
	}
	return b, nil
}

// IsLoopback returns true if an address describes a loopback interface.
func IsLoopback(addr string) bool {
	for _, l := range loopBackAddrs {
		if strings.Contains(addr, l) {
			return true
		}
	}
	return false
}

// verifyPort makes sure that an address string has both a host and a port,
// appending defaultPort when one was not supplied.
func verifyPort(address string, defaultPort string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		if _, err := strconv.Atoi(address); err == nil {
			return net.JoinHostPort("localhost", address)
		}
		if strings.HasPrefix(address, "[") {
			return address + ":" + defaultPort
		}
		return net.JoinHostPort(address, defaultPort)
	}
	if host == "" && port == "" {
		return ":" + defaultPort
	}
	return address
}
