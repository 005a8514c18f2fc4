package authority

import (
	"strings"

	"github.com/hxrts/aura-sub023/common"
	"github.com/hxrts/aura-sub023/internal/effects"
	"github.com/hxrts/aura-sub023/internal/journal"
)

// WriteScope is the capability needed to write to a journal scope.
func WriteScope(scope common.ContextID) Scope {
	return NewScope("journal", "write").On(scope.String())
}

type writeAuthorizer struct {
	graph  *Graph
	fx     *effects.Effects
	exempt map[common.ContextID]bool
}

// WriteAuthorizer returns a journal.Authorizer requiring the author to hold
// WriteScope. Evidence facts and writes to the exempt scopes are always
// allowed; the capability scope has to be among them for the graph to be
// bootstrapped at all.
func WriteAuthorizer(g *Graph, fx *effects.Effects, exempt ...common.ContextID) journal.Authorizer {
	w := &writeAuthorizer{graph: g, fx: fx, exempt: make(map[common.ContextID]bool)}
	for _, c := range exempt {
		w.exempt[c] = true
	}
	return w
}

func (w *writeAuthorizer) AuthorizeWrite(scope common.ContextID, author common.DeviceID, contentType string) error {
	if w.exempt[scope] || strings.HasPrefix(contentType, journal.ContentEvidencePrefix) {
		return nil
	}
	return w.graph.Check(Device(author), WriteScope(scope), w.fx.Now())
}
