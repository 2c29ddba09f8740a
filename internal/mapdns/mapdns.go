// Package mapdns implements the Mapped DNS sub-service:
// intercepted DNS queries for configured upstream resolvers are answered
// locally with a synthesized IPv4 address drawn from a private pool, and
// the hostname<->address mapping is kept so a later TCP/UDP session to
// that synthesized address can be resolved back to the real hostname
// before being handed to the SOCKS5 proxy (which dials by name, not by the
// fabricated address).
//
// Grounded on gotun2socks's dnsCache (udp.go): TTL-keyed, question-name
// keyed, github.com/miekg/dns for parse/pack. The synthesis/reverse-lookup
// half has no equivalent in gotun2socks (which only caches real upstream
// answers) and is modeled on hev-socks5-tunnel.c's mapped_dns_init, which
// hands back a fabricated A record for queries matching its configured
// network instead of forwarding them, so later dials against the
// fabricated address can be mapped back to the requested name. Eviction
// once the synthesis pool is full uses a recency list the same way
// sessionindex.Index uses container/list for its own oldest-first
// eviction: the least-recently-resolved hostname loses its slot to the
// newest one.
package mapdns

import (
	"container/list"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
)

// ErrPoolExhausted is returned when no address can be synthesized at all:
// no synthesis network is configured, or the range has no usable host
// address. A range whose addresses are all mapped evicts its
// least-recently-used mapping instead of returning this error.
var ErrPoolExhausted = errors.New("mapdns: address pool exhausted")

type entry struct {
	hostname string
	addr     netipAddr
	exp      time.Time
	el       *list.Element // this entry's node in recency, Value == this entry
}

// netipAddr is a 4-byte IPv4 address used as a map key (net.IP's
// representation isn't itself comparable across allocations).
type netipAddr [4]byte

func toKey(ip net.IP) (netipAddr, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return netipAddr{}, false
	}
	var k netipAddr
	copy(k[:], v4)
	return k, true
}

// Table is the Mapped DNS sub-service's state: a bidirectional hostname
// <-> synthesized-address mapping plus a TTL-keyed cache of real upstream
// answers, matching gotun2socks's dnsCache for queries this service
// doesn't itself synthesize an answer for.
type Table struct {
	log *logrus.Entry

	network *net.IPNet
	ttl     time.Duration

	// resolvers is the configured set of upstream resolver addresses this
	// table intercepts queries for. Empty means "intercept every port-53
	// destination," matching hev-socks5-tunnel.c's behavior when no
	// resolver list is configured.
	resolvers map[string]struct{}

	mu       sync.Mutex
	byName   map[string]*entry
	byAddr   map[netipAddr]*entry
	recency  *list.List // live mappings ordered least- to most-recently-used
	nextHost uint32     // next host-part offset to try within network

	upstream    map[string]*upstreamEntry
	upstreamLRU *list.List // live upstream cache entries, least- to most-recently-stored
	cacheSize   int        // 0 means unbounded, matching gotun2socks's dnsCache
}

type upstreamEntry struct {
	key string
	msg *dns.Msg
	exp time.Time
	el  *list.Element
}

// New creates a Table that synthesizes addresses from network (e.g.
// 198.18.0.0/15, the IANA benchmarking range commonly reused for this
// purpose) and caches synthesized mappings for ttl. network may be nil, in
// which case Resolve always fails and the table only serves as the
// upstream-answer cache (QueryUpstreamCache/StoreUpstreamAnswer). resolvers
// restricts interception to that set of upstream resolver addresses; a nil
// or empty slice intercepts every port-53 destination. cacheSize bounds the
// number of live upstream-answer cache entries kept at once, evicting the
// least-recently-stored answer once full; 0 means unbounded, matching
// gotun2socks's dnsCache, which never capped its own map.
func New(network *net.IPNet, ttl time.Duration, resolvers []string, cacheSize int, log *logrus.Entry) *Table {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	resolverSet := make(map[string]struct{}, len(resolvers))
	for _, r := range resolvers {
		resolverSet[r] = struct{}{}
	}
	return &Table{
		log:         log.WithField("component", "mapdns"),
		network:     network,
		ttl:         ttl,
		resolvers:   resolverSet,
		byName:      make(map[string]*entry),
		byAddr:      make(map[netipAddr]*entry),
		recency:     list.New(),
		upstream:    make(map[string]*upstreamEntry),
		upstreamLRU: list.New(),
		cacheSize:   cacheSize,
	}
}

// Intercepts reports whether queries addressed to host should be handled
// by this table instead of relayed untouched.
func (t *Table) Intercepts(host string) bool {
	if len(t.resolvers) == 0 {
		return true
	}
	_, ok := t.resolvers[host]
	return ok
}

// Resolve returns the synthesized address for hostname, allocating a fresh
// one from the pool if this is the first time hostname has been seen (or
// its previous mapping expired).
func (t *Table) Resolve(hostname string) (net.IP, error) {
	hostname = dns.Fqdn(hostname)
	now := time.Now()

	if t.network == nil {
		return nil, ErrPoolExhausted
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.byName[hostname]; ok && now.Before(e.exp) {
		e.exp = now.Add(t.ttl)
		t.recency.MoveToBack(e.el)
		return net.IPv4(e.addr[0], e.addr[1], e.addr[2], e.addr[3]), nil
	}

	addr, err := t.allocateLocked()
	if err != nil {
		return nil, err
	}
	e := &entry{hostname: hostname, addr: addr, exp: now.Add(t.ttl)}
	e.el = t.recency.PushBack(e)
	t.byName[hostname] = e
	t.byAddr[addr] = e
	return net.IPv4(addr[0], addr[1], addr[2], addr[3]), nil
}

// ReverseLookup returns the hostname a synthesized address was allocated
// for, so a session dialing that address can hand the real hostname to the
// SOCKS5 proxy's CONNECT request instead of the fabricated address.
func (t *Table) ReverseLookup(addr net.IP) (string, bool) {
	key, ok := toKey(addr)
	if !ok {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byAddr[key]
	if !ok || time.Now().After(e.exp) {
		return "", false
	}
	return e.hostname, true
}

// allocateLocked returns a free address from the synthesis pool. When every
// address is taken, it evicts the least-recently-used mapping (the front of
// recency) and reuses its slot, matching the hev-socks5-tunnel.c-style
// "full pool evicts the oldest entry" behavior instead of failing the
// caller outright.
func (t *Table) allocateLocked() (netipAddr, error) {
	base := binary.BigEndian.Uint32(t.network.IP.To4())
	ones, bits := t.network.Mask.Size()
	size := uint32(1) << uint32(bits-ones)
	if size <= 2 {
		return netipAddr{}, ErrPoolExhausted
	}

	start := t.nextHost
	for i := uint32(0); i < size; i++ {
		// Skip the network and broadcast addresses (offset 0 and size-1).
		off := (start + i) % size
		t.nextHost = off + 1
		if off == 0 || off == size-1 {
			continue
		}
		raw := base + off
		var k netipAddr
		binary.BigEndian.PutUint32(k[:], raw)
		if _, taken := t.byAddr[k]; !taken {
			return k, nil
		}
	}

	oldest := t.recency.Front()
	if oldest == nil {
		return netipAddr{}, ErrPoolExhausted
	}
	evicted := oldest.Value.(*entry)
	t.recency.Remove(oldest)
	delete(t.byName, evicted.hostname)
	delete(t.byAddr, evicted.addr)
	t.log.WithField("hostname", evicted.hostname).Debug("mapped-dns pool full, evicting least-recently-used mapping")
	return evicted.addr, nil
}

// BuildResponse synthesizes an A-record reply for a DNS query message that
// targets hostname, answering with the given address and TTL. A query whose
// first question is not type A gets a NOERROR reply with no answer records.
// It mirrors hev-socks5-tunnel.c's mapped_dns handler constructing a
// fabricated reply instead of forwarding upstream.
func BuildResponse(query *dns.Msg, addr net.IP, ttl time.Duration) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(query)
	resp.Authoritative = true
	if len(query.Question) == 0 {
		return resp
	}
	q := query.Question[0]
	if q.Qtype != dns.TypeA {
		resp.Rcode = dns.RcodeSuccess
		return resp
	}
	rr := &dns.A{
		Hdr: dns.RR_Header{
			Name:   q.Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    uint32(ttl / time.Second),
		},
		A: addr,
	}
	resp.Answer = append(resp.Answer, rr)
	return resp
}

// QuestionHostname returns the query's first question name, or "" if the
// message carries none.
func QuestionHostname(query *dns.Msg) string {
	if len(query.Question) == 0 {
		return ""
	}
	return query.Question[0].Name
}

func cacheKey(q dns.Question) string {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, q.Qtype)
	return q.Name + string(buf)
}

// QueryUpstreamCache returns a cached real upstream answer for payload (a
// packed DNS query), or nil if there is no live cache entry. Grounded on
// gotun2socks's dnsCache.query.
func (t *Table) QueryUpstreamCache(payload []byte) *dns.Msg {
	req := new(dns.Msg)
	if err := req.Unpack(payload); err != nil || len(req.Question) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	key := cacheKey(req.Question[0])
	e, ok := t.upstream[key]
	if !ok {
		return nil
	}
	if time.Now().After(e.exp) {
		delete(t.upstream, key)
		t.upstreamLRU.Remove(e.el)
		return nil
	}
	reply := e.msg.Copy()
	reply.Id = req.Id
	return reply
}

// StoreUpstreamAnswer caches a real upstream response, keyed by question
// name and type, for the duration of its first answer's TTL. Grounded on
// gotun2socks's dnsCache.store.
func (t *Table) StoreUpstreamAnswer(payload []byte) {
	resp := new(dns.Msg)
	if err := resp.Unpack(payload); err != nil {
		return
	}
	if resp.Rcode != dns.RcodeSuccess || len(resp.Question) == 0 || len(resp.Answer) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	key := cacheKey(resp.Question[0])
	if e, ok := t.upstream[key]; ok {
		t.upstreamLRU.Remove(e.el)
	} else if t.cacheSize > 0 && len(t.upstream) >= t.cacheSize {
		if oldest := t.upstreamLRU.Front(); oldest != nil {
			evicted := oldest.Value.(*upstreamEntry)
			t.upstreamLRU.Remove(oldest)
			delete(t.upstream, evicted.key)
		}
	}
	e := &upstreamEntry{
		key: key,
		msg: resp,
		exp: time.Now().Add(time.Duration(resp.Answer[0].Header().Ttl) * time.Second),
	}
	e.el = t.upstreamLRU.PushBack(e)
	t.upstream[key] = e
	t.log.WithField("name", resp.Question[0].Name).Debug("cached upstream dns answer")
}

// HandleQuery answers a packed DNS query entirely locally, without ever
// reaching the SOCKS5 proxy: a cached upstream answer if one is on file,
// otherwise a freshly synthesized reply if the table has a synthesis
// network configured (an A record for an A query; a query of any other
// type gets a NOERROR reply with no answer records, and its name is still
// given a mapping). It reports false when neither applies, in which case
// the caller must relay the query upstream itself and feed the real reply
// back through StoreUpstreamAnswer.
func (t *Table) HandleQuery(payload []byte) ([]byte, bool) {
	if cached := t.QueryUpstreamCache(payload); cached != nil {
		packed, err := cached.Pack()
		if err != nil {
			return nil, false
		}
		return packed, true
	}

	if t.network == nil {
		return nil, false
	}
	req := new(dns.Msg)
	if err := req.Unpack(payload); err != nil || len(req.Question) == 0 {
		return nil, false
	}
	hostname := QuestionHostname(req)
	addr, err := t.Resolve(hostname)
	if err != nil {
		return nil, false
	}
	resp := BuildResponse(req, addr, t.ttl)
	packed, err := resp.Pack()
	if err != nil {
		return nil, false
	}
	return packed, true
}

// Sweep drops expired hostname and upstream-answer entries. Called
// periodically by the timer driver; it takes only the table's own lock.
func (t *Table) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, e := range t.byName {
		if now.After(e.exp) {
			delete(t.byName, name)
			delete(t.byAddr, e.addr)
			t.recency.Remove(e.el)
		}
	}
	for key, e := range t.upstream {
		if now.After(e.exp) {
			delete(t.upstream, key)
			t.upstreamLRU.Remove(e.el)
		}
	}
}
