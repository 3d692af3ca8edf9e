package memory

import "sort"

type protRun struct {
	first uint64 // page index
	prot  Prot
}

// protMap holds the per page protection of a region as runs of equal
// protection. Each run lasts until the next one starts or the region ends.
type protMap struct {
	pages uint64
	runs  []protRun
}

func newProtMap(pages uint64, prot Prot) protMap {
	return protMap{pages: pages, runs: []protRun{{0, prot}}}
}

// find returns the index of the run holding page i.
func (m *protMap) find(i uint64) int {
	return sort.Search(len(m.runs), func(j int) bool {
		return m.runs[j].first > i
	}) - 1
}

func (m *protMap) at(i uint64) Prot {
	return m.runs[m.find(i)].prot
}

// head returns the protection of the first page.
func (m *protMap) head() Prot {
	if len(m.runs) == 0 {
		return ProtNone
	}

	return m.runs[0].prot
}

// set changes pages [first, last) to prot.
func (m *protMap) set(first, last uint64, prot Prot) {
	if first >= last {
		return
	}

	tail := ProtNone
	if last < m.pages {
		tail = m.at(last)
	}

	lo := m.find(first)

	var out []protRun
	out = append(out, m.runs[:lo]...)

	if m.runs[lo].first < first {
		out = append(out, m.runs[lo])
	}

	out = append(out, protRun{first, prot})

	if last < m.pages {
		out = append(out, protRun{last, tail})

		for _, r := range m.runs[lo:] {
			if r.first > last {
				out = append(out, r)
			}
		}
	}

	m.runs = m.merge(out)
}

func (m *protMap) merge(runs []protRun) []protRun {
	out := runs[:0]

	for _, r := range runs {
		if len(out) > 0 && out[len(out)-1].prot == r.prot {
			continue
		}

		out = append(out, r)
	}

	return out
}

// each calls fn for every run of equal protection within pages
// [first, last).
func (m *protMap) each(first, last uint64, fn func(first, last uint64, prot Prot) error) error {
	for j := m.find(first); j >= 0 && j < len(m.runs) && first < last; j++ {
		end := m.pages
		if j+1 < len(m.runs) {
			end = m.runs[j+1].first
		}

		if end > last {
			end = last
		}

		err := fn(first, end, m.runs[j].prot)
		if err != nil {
			return err
		}

		first = end
	}

	return nil
}
