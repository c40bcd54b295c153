// Package fleet defines the host model shared by every operation:
// an immutable description of one remote machine and ordered sets of them.
package fleet

import (
	"fmt"
	"sort"
	"strings"
)

// Well-known metadata keys carried by a Host.
const (
	MetaTargetHost = "target_host" // activation runs on this machine, not the sync target
	MetaTargetUser = "target_user"
	MetaFlakeAttr  = "flake_attr"
	MetaConfigDir  = "config_dir"
)

// Host describes a single remote target. Hosts are constructed by the
// config registry and never mutated afterwards.
type Host struct {
	Name         string            // short label, e.g. "ryan"
	Addr         string            // FQDN or IP to connect to
	User         string            // login user; empty means root
	ForwardAgent bool              // request ssh-agent forwarding on sessions
	Prefix       string            // per-line output label for long operations
	Meta         map[string]string // deployment overrides, see Meta* keys
}

// EffectiveUser returns the login user, defaulting to root.
func (h Host) EffectiveUser() string {
	if h.User == "" {
		return "root"
	}
	return h.User
}

// Target returns the user@addr form used by rsync and ssh invocations.
func (h Host) Target() string {
	return h.EffectiveUser() + "@" + h.Addr
}

// MetaValue returns the metadata value for key, or def when unset.
func (h Host) MetaValue(key, def string) string {
	if v, ok := h.Meta[key]; ok && v != "" {
		return v
	}
	return def
}

// ShortName returns the first dot-delimited label of the address.
// "ryan.dse.in.tum.de" -> "ryan".
func (h Host) ShortName() string {
	if h.Name != "" {
		return h.Name
	}
	if i := strings.IndexByte(h.Addr, '.'); i > 0 {
		return h.Addr[:i]
	}
	return h.Addr
}

// Set is an ordered collection of hosts. Execution order across a set is
// undefined (all hosts run concurrently); rendering order is by name.
type Set []Host

// Names returns the host names in set order.
func (s Set) Names() []string {
	names := make([]string, len(s))
	for i, h := range s {
		names[i] = h.ShortName()
	}
	return names
}

// Sorted returns a copy of the set ordered by host name. Reports are
// rendered from the sorted copy so output is deterministic regardless of
// completion order.
func (s Set) Sorted() Set {
	out := make(Set, len(s))
	copy(out, s)
	sort.Slice(out, func(i, j int) bool { return out[i].ShortName() < out[j].ShortName() })
	return out
}

// Lookup finds a host by short name or full address.
func (s Set) Lookup(name string) (Host, bool) {
	for _, h := range s {
		if h.ShortName() == name || h.Addr == name {
			return h, true
		}
	}
	return Host{}, false
}

// Filter returns the subset of hosts whose short name or address appears in
// the comma-separated list. An empty list selects the whole set. Unknown
// names are an error so a typo cannot silently deploy to nothing.
func (s Set) Filter(csv string) (Set, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return s, nil
	}
	var out Set
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		h, ok := s.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown host %q (known: %s)", name, strings.Join(s.Names(), ", "))
		}
		out = append(out, h)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("host list %q selected no hosts", csv)
	}
	return out, nil
}
