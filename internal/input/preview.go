package input

import "github.com/sells-group/crm-notes/pkg/trello"

// DefaultPreviewLimit caps the sample lists in a MatchOverview.
const DefaultPreviewLimit = 100

// SingleMatch is a contact with exactly one board card.
type SingleMatch struct {
	Email     string `json:"email"`
	ContactID string `json:"hubspot_contact_id"`
	BoardID   string `json:"trello_id"`
	Link      string `json:"link"`
}

// MultiMatch is a contact with several board cards.
type MultiMatch struct {
	Email     string   `json:"email"`
	ContactID string   `json:"hubspot_contact_id"`
	BoardIDs  []string `json:"trello_ids"`
	Links     []string `json:"links"`
}

// MatchOverview summarizes how eligible contacts match board cards.
type MatchOverview struct {
	Total        int           `json:"kpi_total"`
	None         int           `json:"kpi_none"`
	Single       int           `json:"kpi_single"`
	Multi        int           `json:"kpi_multi"`
	Singles      []SingleMatch `json:"singles"`
	Duplicates   []MultiMatch  `json:"duplicates"`
	PreviewLimit int           `json:"preview_limit"`
}

// Preview computes the match overview for a job. limit <= 0 uses
// DefaultPreviewLimit.
func Preview(job *Job, limit int) MatchOverview {
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	ov := MatchOverview{
		PreviewLimit: limit,
		Singles:      []SingleMatch{},
		Duplicates:   []MultiMatch{},
	}
	for _, c := range job.Contacts {
		ov.Total++
		ids := job.Boards[c.Email]
		switch len(ids) {
		case 0:
			ov.None++
		case 1:
			ov.Single++
			if len(ov.Singles) < limit {
				ov.Singles = append(ov.Singles, SingleMatch{
					Email: c.Email, ContactID: c.ContactID, BoardID: ids[0], Link: trello.ShortLink(ids[0]),
				})
			}
		default:
			ov.Multi++
			if len(ov.Duplicates) < limit {
				links := make([]string, len(ids))
				for i, id := range ids {
					links[i] = trello.ShortLink(id)
				}
				ov.Duplicates = append(ov.Duplicates, MultiMatch{
					Email: c.Email, ContactID: c.ContactID, BoardIDs: ids, Links: links,
				})
			}
		}
	}
	return ov
}
