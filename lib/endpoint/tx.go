package endpoint

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/store"
	"github.com/google/uuid"
)

// Tx collects the table writes of a direct call or of a whole unit.
// Nothing becomes visible before commit.
type Tx struct {
	mu     sync.Mutex
	prefix string // unit or call identifier
	rows   []txRow
}

type txRow struct {
	table string
	call  int
	value []byte
}

func newTx() *Tx {
	return &Tx{}
}

// Insert stages a row for table. call is the index of the call inside its unit.
func (t *Tx) Insert(table string, call int, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, txRow{table: strings.ToUpper(table), call: call, value: value})
}

// Len returns the number of staged rows.
func (t *Tx) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// writes returns the staged rows as store writes. Row keys are derived from the
// owner id and the row position, so writing the same unit twice does not duplicate rows.
func (t *Tx) writes(owner string) []store.Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	perCall := map[string]int{}
	out := make([]store.Write, 0, len(t.rows))
	for _, row := range t.rows {
		base := fmt.Sprintf("%s%s/%s/%04d/", tablePrefix, row.table, owner, row.call)
		idx := perCall[base]
		perCall[base] = idx + 1
		out = append(out, store.Write{Key: fmt.Sprintf("%s%06d", base, idx), Value: row.value})
	}
	return out
}

// commit writes the rows of a direct call under a fresh identifier
func (t *Tx) commit(s store.IStore) error {
	if t.Len() == 0 {
		return nil
	}
	if t.prefix == "" {
		t.prefix = newCallID()
	}
	if err := s.SetMany(t.writes(t.prefix)); err != nil {
		return storeError("commit", err)
	}
	return nil
}

// newCallID returns an owner id for the rows of a direct call. Ids sort by creation time.
func newCallID() string {
	return fmt.Sprintf("D%019d%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// readTable returns the committed rows of table ordered by owner and position
func readTable(s store.IStore, table string) ([][]byte, error) {
	entries, err := s.Scan(tablePrefix + strings.ToUpper(table) + "/")
	if err != nil {
		return nil, storeError("read table", err)
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]byte, len(keys))
	for i, k := range keys {
		rows[i] = entries[k]
	}
	return rows, nil
}
