package input

import (
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

var validate = validator.New()

// Mapping names the columns that carry the join keys in each table.
type Mapping struct {
	ContactsEmail string `json:"contacts_email" validate:"required"`
	ContactsID    string `json:"contacts_id" validate:"required"`
	BoardsEmail   string `json:"boards_email" validate:"required"`
	BoardsID      string `json:"boards_id" validate:"required"`
}

// Check validates the mapping and that every named column exists.
func (m Mapping) Check(contacts, boards *Table) error {
	if err := validate.Struct(m); err != nil {
		return eris.Wrap(err, "input: mapping")
	}
	var missing []string
	for _, c := range []struct {
		t    *Table
		name string
		col  string
	}{
		{contacts, "contacts", m.ContactsEmail},
		{contacts, "contacts", m.ContactsID},
		{boards, "boards", m.BoardsEmail},
		{boards, "boards", m.BoardsID},
	} {
		if c.t == nil || !c.t.HasColumn(c.col) {
			missing = append(missing, c.name+"."+c.col)
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("input: unknown columns %s", strings.Join(missing, ", "))
	}
	return nil
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// BoardIndex maps a normalized email to its board ids in first-seen order.
type BoardIndex map[string][]string

// IndexBoards builds the email to board id index. Rows without an email or
// id are skipped and repeated ids for one email are collapsed.
func IndexBoards(boards *Table, m Mapping) BoardIndex {
	idx := BoardIndex{}
	for _, r := range boards.Rows {
		email := NormalizeEmail(r[m.BoardsEmail])
		id := strings.TrimSpace(r[m.BoardsID])
		if email == "" || id == "" {
			continue
		}
		if !slices.Contains(idx[email], id) {
			idx[email] = append(idx[email], id)
		}
	}
	return idx
}

// ContactRow is one eligible contact from the contacts table.
type ContactRow struct {
	Email     string
	ContactID string
}

// Contacts returns the rows with both an email and a contact id, in table
// order. A contact id seen earlier is not repeated.
func Contacts(contacts *Table, m Mapping) []ContactRow {
	var out []ContactRow
	seen := map[string]bool{}
	for _, r := range contacts.Rows {
		email := NormalizeEmail(r[m.ContactsEmail])
		id := strings.TrimSpace(r[m.ContactsID])
		if email == "" || id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, ContactRow{Email: email, ContactID: id})
	}
	return out
}

// Job is a parsed, mapped pair of tables ready to run.
type Job struct {
	Contacts []ContactRow
	Boards   BoardIndex
	Mapping  Mapping
}

// NewJob validates the mapping against both tables and indexes them.
func NewJob(contacts, boards *Table, m Mapping) (*Job, error) {
	if err := m.Check(contacts, boards); err != nil {
		return nil, err
	}
	return &Job{
		Contacts: Contacts(contacts, m),
		Boards:   IndexBoards(boards, m),
		Mapping:  m,
	}, nil
}
