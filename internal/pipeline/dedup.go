package pipeline

import (
	"github.com/daviddao/outreach/internal/gmail"
	"github.com/daviddao/outreach/internal/types"
)

// MarkDuplicates flags every record whose contact address is shared with a
// more recently active record. The winner of each group is the record with
// the newest activity, ties going to the smaller id. Flags from earlier
// calls are reset.
func MarkDuplicates(recs []*types.OutreachRecord) {
	winners := make(map[string]*types.OutreachRecord, len(recs))
	for _, r := range recs {
		r.DuplicateOf = ""

		key := gmail.NormalizeAddress(r.ContactEmail)
		if key == "" {
			continue
		}
		if w, ok := winners[key]; !ok || newer(r, w) {
			winners[key] = r
		}
	}

	for _, r := range recs {
		w, ok := winners[gmail.NormalizeAddress(r.ContactEmail)]
		if ok && w != r {
			r.DuplicateOf = w.ID
		}
	}
}

func newer(a, b *types.OutreachRecord) bool {
	if c := a.ActivityAt().Compare(b.ActivityAt()); c != 0 {
		return c > 0
	}
	return a.ID < b.ID
}
