package sqlite

import (
	"bufio"
	"fmt"
	"os"
)

// spillThreshold is the number of keys held in memory before a KeyList
// moves to a temporary file.
const spillThreshold = 10000

// KeyList accumulates cache keys for bulk operations. Small lists stay in
// memory; past the threshold the list spills to a temporary file so that
// sweeping a huge cache does not pin every key at once.
//
// Append and ForEach are not safe for concurrent use. Once ForEach has
// been called on a spilled list, further Appends fail.
type KeyList struct {
	limit   int
	keys    []string
	file    *os.File
	w       *bufio.Writer
	drained bool
}

// NewKeyList creates an empty KeyList.
func NewKeyList(keys ...string) *KeyList {
	l := &KeyList{limit: spillThreshold}
	for _, key := range keys {
		// Appends below the threshold cannot fail.
		_ = l.Append(key)
	}
	return l
}

// Append adds a key to the list.
func (l *KeyList) Append(key string) error {
	if l.drained {
		return fmt.Errorf("key list already drained")
	}
	if l.file == nil {
		l.keys = append(l.keys, key)
		if len(l.keys) > l.limit {
			return l.spill()
		}
		return nil
	}
	if _, err := l.w.WriteString(key + "\n"); err != nil {
		return fmt.Errorf("spilling key list: %w", err)
	}
	return nil
}

// ForEach calls fn for every appended key, in order, stopping at the first
// error.
func (l *KeyList) ForEach(fn func(key string) error) error {
	if l.file == nil {
		for _, key := range l.keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		return nil
	}

	l.drained = true
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flushing key list: %w", err)
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return fmt.Errorf("rewinding key list: %w", err)
	}
	scanner := bufio.NewScanner(l.file)
	for scanner.Scan() {
		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Close removes the spill file, if one was created.
func (l *KeyList) Close() error {
	l.keys = nil
	if l.file == nil {
		return nil
	}
	name := l.file.Name()
	err := l.file.Close()
	if rerr := os.Remove(name); err == nil {
		err = rerr
	}
	l.file = nil
	return err
}

func (l *KeyList) spill() error {
	f, err := os.CreateTemp("", "lru-keylist-*")
	if err != nil {
		return fmt.Errorf("spilling key list: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, key := range l.keys {
		if _, err := w.WriteString(key + "\n"); err != nil {
			f.Close()
			os.Remove(f.Name())
			return fmt.Errorf("spilling key list: %w", err)
		}
	}
	l.keys = nil
	l.file = f
	l.w = w
	return nil
}
