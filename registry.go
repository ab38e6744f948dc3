package bayeux

import (
	"sort"
	"sync"
)

// ChannelRegistry is the canonical, flat storage of channels and their
// subscribers. Wildcard matching happens only at dispatch time; the
// registry itself never expands a pattern against stored channels.
type ChannelRegistry struct {
	session *Session

	mu       sync.Mutex
	channels map[string]*Channel
	nextSeq  int
}

func newChannelRegistry(session *Session) *ChannelRegistry {
	return &ChannelRegistry{
		session:  session,
		channels: make(map[string]*Channel),
	}
}

// Get returns the channel for name, canonicalizing and validating its shape.
// If createIfMissing is false and the channel has not been created yet, Get
// returns (nil, nil).
func (r *ChannelRegistry) Get(name string, createIfMissing bool) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.channels[name]; ok {
		return c, nil
	}
	if !createIfMissing {
		return nil, nil
	}
	c, err := newChannel(r.session, name)
	if err != nil {
		return nil, err
	}
	c.seq = r.nextSeq
	r.nextSeq++
	r.channels[name] = c
	return c, nil
}

// bucket groups the channels relevant to dispatch for a concrete channel
// name, ordered most-specific-first: exact, then single-segment wildcard,
// then deep wildcard.
type bucket struct {
	exact  *Channel
	single []*Channel
	deep   []*Channel
}

// matching returns, in dispatch order, every stored channel whose pattern
// matches the concrete channel name: the exact channel first (if present),
// then every matching "/p/*" pattern, then every matching "/p/**" pattern.
// Within the wildcard groups, order is registration order, determined by a
// stable sort over each channel's first-registered sequence number.
func (r *ChannelRegistry) matching(concrete string) []*Channel {
	r.mu.Lock()
	var b bucket
	for name, c := range r.channels {
		if name == concrete {
			b.exact = c
			continue
		}
		switch c.shape {
		case shapeSingleWildcard:
			if c.matchesExact(concrete) {
				b.single = append(b.single, c)
			}
		case shapeDeepWildcard:
			if c.matchesExact(concrete) {
				b.deep = append(b.deep, c)
			}
		}
	}
	r.mu.Unlock()

	sortByRegistration(b.single)
	sortByRegistration(b.deep)

	out := make([]*Channel, 0, 1+len(b.single)+len(b.deep))
	if b.exact != nil {
		out = append(out, b.exact)
	}
	out = append(out, b.single...)
	out = append(out, b.deep...)
	return out
}

func sortByRegistration(cs []*Channel) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].seq < cs[j].seq })
}
