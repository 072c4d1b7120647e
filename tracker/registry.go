package tracker

import "net/netip"

// ResourceEntry is one (owner, filename) fact of the network-wide catalog.
type ResourceEntry struct {
	Owner    string
	Filename string
}

type hosting struct {
	owner string
	files []string
}

// registry is the resource catalog. It is not safe for concurrent use; the
// Directory owning it serializes every call under its own lock.
//
// Entries are held per session so that two sessions announcing the same
// username never clobber each other's file lists. byFile keeps hosts of a
// filename in insertion order, which is the order lookups scan.
type registry struct {
	bySession map[netip.AddrPort]*hosting
	order     []netip.AddrPort
	byFile    map[string][]netip.AddrPort
}

func newRegistry() *registry {
	return &registry{
		bySession: make(map[netip.AddrPort]*hosting),
		byFile:    make(map[string][]netip.AddrPort),
	}
}

// replace swaps the session's entries for a new set wholesale.
func (r *registry) replace(session netip.AddrPort, owner string, files []string) {
	r.remove(session)

	seen := make(map[string]struct{}, len(files))
	h := &hosting{owner: owner, files: make([]string, 0, len(files))}
	for _, f := range files {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		h.files = append(h.files, f)
		r.byFile[f] = append(r.byFile[f], session)
	}
	r.bySession[session] = h
	r.order = append(r.order, session)
}

func (r *registry) remove(session netip.AddrPort) {
	h, ok := r.bySession[session]
	if !ok {
		return
	}
	delete(r.bySession, session)

	for i, s := range r.order {
		if s == session {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	for _, f := range h.files {
		hosts := r.byFile[f]
		for i, s := range hosts {
			if s == session {
				hosts = append(hosts[:i], hosts[i+1:]...)
				break
			}
		}
		if len(hosts) == 0 {
			delete(r.byFile, f)
		} else {
			r.byFile[f] = hosts
		}
	}
}

// hosts returns the sessions hosting filename, oldest announce first.
func (r *registry) hosts(filename string) []netip.AddrPort {
	return r.byFile[filename]
}

func (r *registry) snapshot() []ResourceEntry {
	var out []ResourceEntry
	for _, s := range r.order {
		h := r.bySession[s]
		for _, f := range h.files {
			out = append(out, ResourceEntry{Owner: h.owner, Filename: f})
		}
	}
	return out
}

func (r *registry) count() int {
	n := 0
	for _, h := range r.bySession {
		n += len(h.files)
	}
	return n
}
