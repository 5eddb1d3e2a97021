package domain

// identified is satisfied by every list-valued field element.
type identified interface {
	ident() string
}

func (b Bookmark) ident() string    { return b.ID }
func (h Highlight) ident() string   { return h.ID }
func (n Note) ident() string        { return n.ID }
func (s SessionNote) ident() string { return s.ID }

// unionByID combines two lists keeping every element present on either side
// exactly once by id. Elements from primary keep their order; secondary-only
// elements are appended in their own order. When both sides carry the same
// id, the primary element wins.
func unionByID[T identified](primary, secondary []T) []T {
	if len(secondary) == 0 {
		return append([]T(nil), primary...)
	}
	out := make([]T, 0, len(primary)+len(secondary))
	seen := make(map[string]bool, len(primary))
	for _, el := range primary {
		if seen[el.ident()] {
			continue
		}
		seen[el.ident()] = true
		out = append(out, el)
	}
	for _, el := range secondary {
		if seen[el.ident()] {
			continue
		}
		seen[el.ident()] = true
		out = append(out, el)
	}
	return out
}

// MergeBooks resolves a conflict between a local and a remote version of the
// same record. Scalar fields follow last-writer-wins on the records'
// LastModified timestamps, with the local side winning ties. List-valued
// fields (bookmarks, highlights, notes, session notes) are always the
// union-by-id of both sides, regardless of which side won the scalar
// comparison, so a list edit is never lost to a scalar timestamp race.
//
// Note that scalar resolution is whole-record: when local and remote changed
// different scalar fields, the losing side's edit is discarded. Field-level
// scalar merging is intentionally out of scope.
func MergeBooks(local, remote *Book) *Book {
	if remote == nil {
		return local.Clone()
	}
	if local == nil {
		return remote.Clone()
	}

	winner, loser := local, remote
	if remote.LastModified.After(local.LastModified) {
		winner, loser = remote, local
	}

	merged := winner.Clone()
	merged.Bookmarks = unionByID(winner.Bookmarks, loser.Bookmarks)
	merged.Highlights = unionByID(winner.Highlights, loser.Highlights)
	merged.Notes = unionByID(winner.Notes, loser.Notes)
	merged.SessionNotes = unionByID(winner.SessionNotes, loser.SessionNotes)
	return merged
}
