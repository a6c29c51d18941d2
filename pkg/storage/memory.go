package storage

import "sort"

// Memory is an in-process Interface implementation used by tests and by
// short-lived tooling that has no need for LevelDB's durability.
type Memory struct {
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Put(key, value []byte) error {
	v := append([]byte(nil), value...)
	m.data[string(key)] = v
	return nil
}

func (m *Memory) Get(key []byte) ([]byte, error) {
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Delete(key []byte) error {
	delete(m.data, string(key))
	return nil
}

func (m *Memory) Batch(ops []Op) error {
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			_ = m.Put(op.Key, op.Value)
		case OpDelete:
			_ = m.Delete(op.Key)
		}
	}
	return nil
}

func (m *Memory) Iterator(prefix []byte) Iterator {
	keys := make([]string, 0)
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &memoryIterator{m: m, keys: keys, pos: -1}
}

func (m *Memory) Close() error { return nil }

type memoryIterator struct {
	m    *Memory
	keys []string
	pos  int
}

func (it *memoryIterator) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}

func (it *memoryIterator) Key() []byte   { return []byte(it.keys[it.pos]) }
func (it *memoryIterator) Value() []byte { return it.m.data[it.keys[it.pos]] }
func (it *memoryIterator) Error() error  { return nil }
func (it *memoryIterator) Release()      {}
