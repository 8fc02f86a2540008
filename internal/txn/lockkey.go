package txn

import "strings"

// RowKey identifies a single locked row.
type RowKey struct {
	ResourceID string
	Table      string
	PK         string
}

func (k RowKey) String() string {
	return k.ResourceID + "^^^" + k.Table + "^^^" + k.PK
}

// ParseLockKey expands a `table1:pk1,pk2;table2:pk3` descriptor into row
// keys for resourceID. Groups without a table or without primary keys are
// skipped. Duplicate rows are collapsed.
func ParseLockKey(resourceID, lockKey string) []RowKey {
	var out []RowKey
	seen := make(map[RowKey]struct{})
	for _, group := range strings.Split(lockKey, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		table, pks, ok := strings.Cut(group, ":")
		table = strings.TrimSpace(table)
		if !ok || table == "" {
			continue
		}
		for _, pk := range strings.Split(pks, ",") {
			pk = strings.TrimSpace(pk)
			if pk == "" {
				continue
			}
			key := RowKey{ResourceID: resourceID, Table: table, PK: pk}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}

// LockKeyBuilder accumulates per-table primary keys into a lock key string
// while keeping table order stable.
type LockKeyBuilder struct {
	tables []string
	pks    map[string][]string
}

// Add records pks for table.
func (b *LockKeyBuilder) Add(table string, pks ...string) {
	if table == "" || len(pks) == 0 {
		return
	}
	if b.pks == nil {
		b.pks = make(map[string][]string)
	}
	existing, ok := b.pks[table]
	added := false
	for _, pk := range pks {
		pk = strings.TrimSpace(pk)
		if pk == "" || containsString(existing, pk) {
			continue
		}
		existing = append(existing, pk)
		added = true
	}
	if !added {
		return
	}
	if !ok {
		b.tables = append(b.tables, table)
	}
	b.pks[table] = existing
}

// AddLockKey merges an already serialized lock key.
func (b *LockKeyBuilder) AddLockKey(lockKey string) {
	for _, group := range strings.Split(lockKey, ";") {
		table, pks, ok := strings.Cut(strings.TrimSpace(group), ":")
		if !ok {
			continue
		}
		b.Add(strings.TrimSpace(table), strings.Split(pks, ",")...)
	}
}

// Empty reports whether nothing was recorded.
func (b *LockKeyBuilder) Empty() bool { return len(b.tables) == 0 }

// Reset clears the builder.
func (b *LockKeyBuilder) Reset() {
	b.tables = nil
	b.pks = nil
}

func (b *LockKeyBuilder) String() string {
	var sb strings.Builder
	for i, table := range b.tables {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(table)
		sb.WriteByte(':')
		sb.WriteString(strings.Join(b.pks[table], ","))
	}
	return sb.String()
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
