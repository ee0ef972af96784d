package archive

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
	"sync"

	ogórek "github.com/kisielk/og-rek"
)

// NormalizeDeviceID is the key form used in mappingCamDevice.pickle.
func NormalizeDeviceID(id string) string {
	return strings.ToUpper(strings.ReplaceAll(id, "-", ""))
}

// CameraMapping assigns stable camera indices to devices for one session
// build. The first assignment for a device wins.
type CameraMapping struct {
	mu    sync.Mutex
	index map[string]int
}

func NewCameraMapping() *CameraMapping {
	return &CameraMapping{index: make(map[string]int)}
}

// Assign returns the index of device, allocating the lowest free index
// when the device has not been seen.
func (m *CameraMapping) Assign(device string) int {
	key := NormalizeDeviceID(device)
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.index[key]; ok {
		return k
	}
	used := make(map[int]bool, len(m.index))
	for _, k := range m.index {
		used[k] = true
	}
	k := 0
	for used[k] {
		k++
	}
	m.index[key] = k
	return k
}

// Seed merges existing entries without overriding devices already known.
func (m *CameraMapping) Seed(entries map[string]int) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		key := NormalizeDeviceID(k)
		if _, ok := m.index[key]; !ok {
			m.index[key] = entries[k]
		}
	}
}

func (m *CameraMapping) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// Snapshot returns a copy of the current assignments.
func (m *CameraMapping) Snapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.index))
	for k, v := range m.index {
		out[k] = v
	}
	return out
}

// Encode writes the mapping as a pickled dict.
func (m *CameraMapping) Encode(w io.Writer) error {
	return ogórek.NewEncoder(w).Encode(m.Snapshot())
}

func (m *CameraMapping) WriteFile(path string) error {
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return fmt.Errorf("encode camera mapping: %w", err)
	}
	return writeFile(path, buf.Bytes())
}

// DecodeMapping reads a pickled {device: index} dict.
func DecodeMapping(r io.Reader) (map[string]int, error) {
	v, err := ogórek.NewDecoder(r).Decode()
	if err != nil {
		return nil, fmt.Errorf("decode camera mapping: %w", err)
	}
	dict, ok := v.(map[interface{}]interface{})
	if !ok {
		return nil, fmt.Errorf("camera mapping is %T, want dict", v)
	}
	out := make(map[string]int, len(dict))
	for k, v := range dict {
		key, ok := k.(string)
		if !ok {
			key = fmt.Sprint(k)
		}
		switch n := v.(type) {
		case int64:
			out[key] = int(n)
		case int:
			out[key] = n
		case *big.Int:
			out[key] = int(n.Int64())
		default:
			return nil, fmt.Errorf("camera index for %s is %T", key, v)
		}
	}
	return out, nil
}
