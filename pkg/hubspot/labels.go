package hubspot

import (
	"context"
	"net/http"
	"net/url"

	"github.com/rotisserie/eris"
)

// Label is an association label between two object types.
type Label struct {
	Category string `json:"category"`
	TypeID   int    `json:"typeId"`
	Label    string `json:"label"`
}

// Labels lists the association labels from one object type to another,
// e.g. notes to contacts. The typeId of the unlabeled HUBSPOT_DEFINED entry
// is the value the writer needs.
func (r *Reader) Labels(ctx context.Context, from, to string) ([]Label, error) {
	var resp struct {
		Results []Label `json:"results"`
	}
	path := "/crm/v4/associations/" + url.PathEscape(from) + "/" + url.PathEscape(to) + "/labels"
	if err := r.req.Do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, eris.Wrapf(err, "hubspot: association labels %s to %s", from, to)
	}
	return resp.Results, nil
}

// DefaultTypeID picks the HUBSPOT_DEFINED label, preferring the unlabeled
// one. It returns 0 when there is none.
func DefaultTypeID(labels []Label) int {
	id := 0
	for _, l := range labels {
		if l.Category != "HUBSPOT_DEFINED" {
			continue
		}
		if l.Label == "" {
			return l.TypeID
		}
		if id == 0 {
			id = l.TypeID
		}
	}
	return id
}
