package trades

import (
	"sort"

	"tickstream/models"
)

// DefaultMaxRows bounds a trade window when no size is configured.
const DefaultMaxRows = 100

// PushResult says what ApplyPush did with a row.
type PushResult int

const (
	Recorded PushResult = iota
	Filtered
	Duplicate
	TooOld
)

func (r PushResult) String() string {
	switch r {
	case Recorded:
		return "recorded"
	case Filtered:
		return "filtered"
	case Duplicate:
		return "duplicate"
	case TooOld:
		return "too_old"
	}
	return "unknown"
}

// Merger keeps a bounded trade window sorted by ts descending with at most
// one row per txId. It is not safe for concurrent use.
type Merger struct {
	side models.Side
	max  int
	rows []models.TradeRow
	ids  map[string]struct{}
}

func NewMerger(side models.Side, maxRows int) *Merger {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Merger{
		side: side,
		max:  maxRows,
		rows: make([]models.TradeRow, 0, maxRows+1),
		ids:  make(map[string]struct{}, maxRows),
	}
}

func (m *Merger) Side() models.Side { return m.side }

func (m *Merger) Len() int { return len(m.rows) }

// Rows returns a copy of the window, newest first.
func (m *Merger) Rows() []models.TradeRow {
	out := make([]models.TradeRow, len(m.rows))
	copy(out, m.rows)
	return out
}

// ApplySnapshot replaces the window with rows. Rows are stored as given
// apart from ordering, txId dedup and truncation.
func (m *Merger) ApplySnapshot(rows []models.TradeRow) {
	sorted := make([]models.TradeRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TS > sorted[j].TS
	})

	m.rows = m.rows[:0]
	clear(m.ids)
	for _, r := range sorted {
		if len(m.rows) == m.max {
			break
		}
		if _, dup := m.ids[r.TxID]; dup {
			continue
		}
		m.ids[r.TxID] = struct{}{}
		m.rows = append(m.rows, r)
	}
}

// ApplyPush records one pushed row. A txId already in the window is never
// updated.
func (m *Merger) ApplyPush(row models.TradeRow) PushResult {
	if !m.side.Accepts(row.OptionType) {
		return Filtered
	}
	if _, dup := m.ids[row.TxID]; dup {
		return Duplicate
	}

	i := sort.Search(len(m.rows), func(i int) bool {
		return m.rows[i].TS <= row.TS
	})
	if i >= m.max {
		return TooOld
	}

	m.rows = append(m.rows, models.TradeRow{})
	copy(m.rows[i+1:], m.rows[i:])
	m.rows[i] = row
	m.ids[row.TxID] = struct{}{}

	for len(m.rows) > m.max {
		last := m.rows[len(m.rows)-1]
		delete(m.ids, last.TxID)
		m.rows = m.rows[:len(m.rows)-1]
	}
	return Recorded
}

// SetSide switches the side filter and clears the window. Rows for the new
// side must come from a fresh snapshot. It reports whether the side changed.
func (m *Merger) SetSide(side models.Side) bool {
	if side == m.side {
		return false
	}
	m.side = side
	m.Reset()
	return true
}

func (m *Merger) Reset() {
	m.rows = m.rows[:0]
	clear(m.ids)
}
