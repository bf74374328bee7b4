/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package store is the persistence layer of the fabric: file-per-record JSON
// documents and append-only daily JSON Lines logs under each tenant's tree.
// Writes go through an atomic tmp+rename so readers never observe partial
// records; a process-wide per-path lock serializes read-modify-write
// sequences. Reads are fault-tolerant: records that fail to parse are
// skipped, never fatal.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gatetower/gatetower/internal/fabric"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

// pathLocks hands out one mutex per absolute path. Entries are never
// reclaimed; the key space is bounded by the number of distinct record files
// a process touches.
type pathLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newPathLocks() *pathLocks {
	return &pathLocks{m: make(map[string]*sync.Mutex)}
}

func (p *pathLocks) lock(path string) func() {
	p.mu.Lock()
	l, ok := p.m[path]
	if !ok {
		l = &sync.Mutex{}
		p.m[path] = l
	}
	p.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// FS performs the primitive file operations every record store builds on.
// One instance is shared process-wide so per-path locks cover all consumers.
type FS struct {
	locks *pathLocks
}

// NewFS creates the shared filesystem layer.
func NewFS() *FS {
	return &FS{locks: newPathLocks()}
}

// WriteJSON marshals v and writes it atomically: the bytes land in
// <path>.tmp first and are renamed over path while the per-path lock is
// held. Parent directories are created mode 0700, the file mode 0600.
func (f *FS) WriteJSON(path string, v any) error {
	const op = "store.WriteJSON"
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fabric.E(fabric.KindInvalidInput, op, err)
	}
	unlock := f.locks.lock(path)
	defer unlock()
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	const op = "store.writeAtomic"
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fabric.E(fabric.KindUnknown, op, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, fileMode); err != nil {
		return fabric.E(fabric.KindUnknown, op, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fabric.E(fabric.KindUnknown, op, err)
	}
	return nil
}

// ReadJSON unmarshals path into v. Missing files are NotFound; unparseable
// content is IntegrityError so list paths can skip it.
func (f *FS) ReadJSON(path string, v any) error {
	const op = "store.ReadJSON"
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fabric.E(fabric.KindNotFound, op, "record not found", err)
		}
		return fabric.E(fabric.KindUnknown, op, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fabric.E(fabric.KindIntegrityError, op, "unparseable record", err)
	}
	return nil
}

// Mutate is the read-modify-write helper used by record stores: it holds the
// per-path lock, reads the current record into cur (tolerating NotFound when
// allowMissing), applies fn, and writes the result atomically.
func (f *FS) Mutate(path string, cur any, allowMissing bool, fn func() (any, error)) error {
	unlock := f.locks.lock(path)
	defer unlock()

	err := f.ReadJSON(path, cur)
	if err != nil {
		if !(allowMissing && fabric.KindOf(err) == fabric.KindNotFound) {
			return err
		}
	}
	next, err := fn()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fabric.E(fabric.KindInvalidInput, "store.Mutate", err)
	}
	return writeAtomic(path, data)
}

// Remove deletes the record at path. Missing files are NotFound.
func (f *FS) Remove(path string) error {
	const op = "store.Remove"
	unlock := f.locks.lock(path)
	defer unlock()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fabric.E(fabric.KindNotFound, op, "record not found", err)
		}
		return fabric.E(fabric.KindUnknown, op, err)
	}
	return nil
}

// ListIDs returns the record ids (file names minus .json) in dir, sorted.
// A missing directory is an empty listing, not an error.
func (f *FS) ListIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fabric.E(fabric.KindUnknown, "store.ListIDs", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// AppendLine appends one JSON document plus newline to a JSONL log under the
// per-path lock. The log is append-only: nothing in the fabric rewrites it.
func (f *FS) AppendLine(path string, v any) error {
	const op = "store.AppendLine"
	data, err := json.Marshal(v)
	if err != nil {
		return fabric.E(fabric.KindInvalidInput, op, err)
	}
	unlock := f.locks.lock(path)
	defer unlock()
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fabric.E(fabric.KindUnknown, op, err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return fabric.E(fabric.KindUnknown, op, err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fabric.E(fabric.KindUnknown, op, err)
	}
	return nil
}

// maxLineBytes caps a single JSONL line during scans (1 MiB).
const maxLineBytes = 1 << 20

// ScanLines streams a JSONL log line by line. fn errors classified as
// IntegrityError are counted and skipped; any other error aborts the scan.
// A missing file yields zero lines.
func (f *FS) ScanLines(path string, fn func(line []byte) error) (skipped int, err error) {
	const op = "store.ScanLines"
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fabric.E(fabric.KindUnknown, op, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			if fabric.KindOf(err) == fabric.KindIntegrityError {
				skipped++
				continue
			}
			return skipped, err
		}
	}
	if err := scanner.Err(); err != nil {
		return skipped, fabric.E(fabric.KindUnknown, op, err)
	}
	return skipped, nil
}
