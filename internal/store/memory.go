package store

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process Store used by tests. It honors key TTLs against an
// injectable clock so lease and throttle expiry can be exercised without
// sleeping.
type Memory struct {
	mu     sync.Mutex
	lists  map[string][]string
	sets   map[string]map[string]bool
	keys   map[string]memoryEntry
	hashes map[string]map[string]string

	// Clock supplies the current time for TTL checks. Tests may swap it.
	Clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		lists:  make(map[string][]string),
		sets:   make(map[string]map[string]bool),
		keys:   make(map[string]memoryEntry),
		hashes: make(map[string]map[string]string),
		Clock:  time.Now,
	}
}

func (m *Memory) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !m.Clock().Before(e.expiresAt)
}

func (m *Memory) ListPushTail(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *Memory) ListPopHead(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	head := l[0]
	m.popLocked(key, l)
	return head, true, nil
}

func (m *Memory) popLocked(key string, l []string) {
	if len(l) <= 1 {
		delete(m.lists, key)
		return
	}
	m.lists[key] = l[1:]
}

func (m *Memory) ListPopHeadOrDefer(ctx context.Context, key string, now float64) (string, PopState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if len(l) == 0 {
		return "", PopEmpty, nil
	}
	head := l[0]
	var probe struct {
		NotBefore float64 `json:"not_before"`
	}
	if err := json.Unmarshal([]byte(head), &probe); err == nil && probe.NotBefore > now {
		m.lists[key] = append(l[1:], head)
		return head, PopDeferred, nil
	}
	m.popLocked(key, l)
	return head, PopOK, nil
}

func (m *Memory) ListLen(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *Memory) ListIndex(ctx context.Context, key string, index int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	if index < 0 {
		index += int64(len(l))
	}
	if index < 0 || index >= int64(len(l)) {
		return "", false, nil
	}
	return l[index], true, nil
}

func (m *Memory) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	n := int64(len(l))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil, nil
	}
	out := make([]string, 0, stop-start+1)
	out = append(out, l[start:stop+1]...)
	return out, nil
}

func (m *Memory) ListRemove(ctx context.Context, key string, count int64, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.lists[key]
	var kept []string
	var removed int64
	if count >= 0 {
		for _, v := range l {
			if v == value && (count == 0 || removed < count) {
				removed++
				continue
			}
			kept = append(kept, v)
		}
	} else {
		limit := -count
		for i := len(l) - 1; i >= 0; i-- {
			if l[i] == value && removed < limit {
				removed++
				continue
			}
			kept = append([]string{l[i]}, kept...)
		}
	}
	if len(kept) == 0 {
		delete(m.lists, key)
	} else {
		m.lists[key] = kept
	}
	return removed, nil
}

func (m *Memory) SetAdd(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setAddLocked(key, member), nil
}

func (m *Memory) setAddLocked(key, member string) bool {
	s := m.sets[key]
	if s == nil {
		s = make(map[string]bool)
		m.sets[key] = s
	}
	if s[member] {
		return false
	}
	s[member] = true
	return true
}

func (m *Memory) SetContains(ctx context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets[key][member], nil
}

func (m *Memory) SetRemove(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sets[key]; s != nil {
		delete(s, member)
		if len(s) == 0 {
			delete(m.sets, key)
		}
	}
	return nil
}

func (m *Memory) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = memoryEntry{value: value, expiresAt: m.deadline(ttl)}
	return nil
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.Clock().Add(ttl)
}

func (m *Memory) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.keys[key]; ok && !m.expired(e) {
		return false, nil
	}
	m.keys[key] = memoryEntry{value: value, expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[key]
	if !ok || m.expired(e) {
		delete(m.keys, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *Memory) HashSet(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *Memory) HashSetIfAbsent(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashSetIfAbsentLocked(key, field, value)
	return nil
}

func (m *Memory) hashSetIfAbsentLocked(key, field, value string) {
	h := m.hashes[key]
	if h == nil {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	if _, ok := h[field]; !ok {
		h[field] = value
	}
}

func (m *Memory) HashDeleteField(ctx context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.hashes[key]; h != nil {
		delete(h, field)
		if len(h) == 0 {
			delete(m.hashes, key)
		}
	}
	return nil
}

func (m *Memory) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.hashes[key][field]
	return v, ok, nil
}

func (m *Memory) CompareAndExpire(ctx context.Context, key, expect string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[key]
	if !ok || m.expired(e) || e.value != expect {
		return false, nil
	}
	e.expiresAt = m.deadline(ttl)
	m.keys[key] = e
	return true, nil
}

func (m *Memory) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.keys[key]
	if !ok || m.expired(e) || e.value != expect {
		return false, nil
	}
	delete(m.keys, key)
	return true, nil
}

func (m *Memory) PushTailBatch(ctx context.Context, p TailPush) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[p.ListKey] = append(m.lists[p.ListKey], p.Value)
	m.setAddLocked(p.SetKey, p.SetMember)
	if p.HashKey != "" {
		m.hashSetIfAbsentLocked(p.HashKey, p.HashField, p.HashValue)
	}
	return nil
}

func (m *Memory) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	re := globToRegexp(pattern)
	seen := make(map[string]bool)
	for k := range m.lists {
		seen[k] = true
	}
	for k := range m.sets {
		seen[k] = true
	}
	for k := range m.hashes {
		seen[k] = true
	}
	for k, e := range m.keys {
		if !m.expired(e) {
			seen[k] = true
		}
	}
	var out []string
	for k := range seen {
		if re.MatchString(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func globToRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
		} else {
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
