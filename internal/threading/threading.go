// Package threading groups messages into conversations from their Message-ID,
// In-Reply-To and References headers.
//
// Reconstruct never splits an existing thread: messages that already share a thread
// id stay together. When two threads turn out to be one conversation, the
// lexicographically smallest thread id survives.
package threading

import (
	"sort"
	"strings"
)

// Node is a message as seen by the reconstructor.
type Node struct {
	ID              string
	ThreadID        string
	MessageIDHeader string
	InReplyTo       string
	References      []string
}

// NormalizeToken trims, strips angle brackets and lowercases a Message-ID.
func NormalizeToken(raw string) string {
	t := strings.TrimSpace(raw)
	t = strings.TrimPrefix(t, "<")
	t = strings.TrimSuffix(t, ">")
	return strings.ToLower(strings.TrimSpace(t))
}

// Tokens returns the distinct normalized ids a message can be linked through:
// its own Message-ID followed by the ids it refers to.
func Tokens(messageIDHeader, inReplyTo string, references []string) []string {
	seen := make(map[string]struct{}, len(references)+2)
	var out []string
	add := func(raw string) {
		t := NormalizeToken(raw)
		if t == "" {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	add(messageIDHeader)
	add(inReplyTo)
	for _, r := range references {
		add(r)
	}
	return out
}

// Reconstruct computes thread ids for nodes. It returns message id -> thread id for
// every member of each group in which at least one member's thread id changes, so the
// result is empty when the nodes are already threaded correctly.
func Reconstruct(nodes []Node) map[string]string {
	uf := newUnionFind()

	byID := make(map[string]Node, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			continue
		}
		if _, dup := byID[n.ID]; !dup {
			order = append(order, n.ID)
		}
		byID[n.ID] = n
	}

	for _, id := range order {
		n := byID[id]
		self := "m:" + n.ID
		uf.add(self)
		if n.ThreadID != "" {
			uf.union(self, "th:"+n.ThreadID)
		}
		for _, tok := range Tokens(n.MessageIDHeader, n.InReplyTo, n.References) {
			uf.union(self, "t:"+tok)
		}
	}

	groups := make(map[string][]string)
	for _, id := range order {
		root := uf.find("m:" + id)
		groups[root] = append(groups[root], id)
	}

	assignments := make(map[string]string)
	for _, members := range groups {
		canonical := canonicalThreadID(members, byID)

		changed := false
		for _, id := range members {
			if byID[id].ThreadID != canonical {
				changed = true
				break
			}
		}
		if !changed {
			continue
		}
		for _, id := range members {
			assignments[id] = canonical
		}
	}

	return assignments
}

func canonicalThreadID(members []string, byID map[string]Node) string {
	var threadIDs []string
	for _, id := range members {
		if tid := byID[id].ThreadID; tid != "" {
			threadIDs = append(threadIDs, tid)
		}
	}
	if len(threadIDs) == 0 {
		// unthreaded messages fall back to their own ids
		threadIDs = append(threadIDs, members...)
	}
	sort.Strings(threadIDs)
	return threadIDs[0]
}

type unionFind struct {
	parent map[string]string
	rank   map[string]int
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string), rank: make(map[string]int)}
}

func (u *unionFind) add(x string) {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
	}
}

func (u *unionFind) find(x string) string {
	u.add(x)
	root := x
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[x] != root {
		next := u.parent[x]
		u.parent[x] = root
		x = next
	}
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
