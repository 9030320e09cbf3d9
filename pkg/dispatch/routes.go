package dispatch

import (
	"sort"
	"strings"

	"github.com/go-go-golems/threadline/pkg/credentials"
	"github.com/go-go-golems/threadline/pkg/providers"
)

// Routes is the model routing table.
type Routes struct {
	DefaultModel string
	// ImageModel is routed to the image provider instead of a text provider.
	ImageModel string
	// Search maps a model id to the model the grounded search provider runs
	// when the message asked for web search.
	Search map[string]string
}

// TextRoute sends every model starting with Prefix to Provider. The empty
// prefix matches everything.
type TextRoute struct {
	Prefix     string
	Provider   providers.TextProvider
	Credential credentials.Provider
}

type textRoutes []TextRoute

func (r textRoutes) add(route TextRoute) textRoutes {
	ret := textRoutes{}
	for _, existing := range r {
		if existing.Prefix != route.Prefix {
			ret = append(ret, existing)
		}
	}
	ret = append(ret, route)
	sort.SliceStable(ret, func(i, j int) bool {
		return len(ret[i].Prefix) > len(ret[j].Prefix)
	})
	return ret
}

// match returns the route with the longest prefix of model.
func (r textRoutes) match(model string) (TextRoute, bool) {
	for _, route := range r {
		if strings.HasPrefix(model, route.Prefix) {
			return route, true
		}
	}
	return TextRoute{}, false
}
