/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	// Database drivers — register with database/sql
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/gatetower/gatetower/internal/controlplane/store"
	"github.com/gatetower/gatetower/internal/fabric"
)

const (
	maxFileBytes  = 1 << 20
	maxFetchBytes = 1 << 20
	maxQueryRows  = 1000
)

// defaultExtensions applies when a filesystem server lists none.
var defaultExtensions = []string{".txt", ".md", ".json", ".csv", ".yaml", ".yml"}

// blockedSQLKeywords fail a statement before it reaches the driver. The
// read-only transaction is the backstop; this is the front door.
var blockedSQLKeywords = []string{
	"DROP", "DELETE", "UPDATE", "INSERT", "CREATE", "ALTER",
	"TRUNCATE", "EXEC", "EXECUTE", "XP_", "SP_",
}

// --- filesystem backend ---

// serverRoot is the per-server directory no filesystem tool can escape.
func (r *Registry) serverRoot(res *store.Resource) string {
	return filepath.Join(r.store.Paths().Root(), "mcp", res.ID)
}

// execFilesystem serves read/list/stat tools against the server's rooted
// directory. The operation is inferred from the tool name.
func (r *Registry) execFilesystem(res *store.Resource, cfg *ServerConfig, req *Request) (any, error) {
	const op = "mcp.execFilesystem"

	rel, _ := req.Parameters["path"].(string)
	if err := validatePath(rel, cfg); err != nil {
		return nil, err
	}
	root := r.serverRoot(res)
	target := filepath.Join(root, filepath.FromSlash(rel))

	lower := strings.ToLower(req.ToolName)
	switch {
	case strings.Contains(lower, "list") || strings.Contains(lower, "search"):
		entries, err := os.ReadDir(target)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return []string{}, nil
			}
			return nil, fabric.E(fabric.KindUpstreamFailure, op, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return names, nil

	case strings.Contains(lower, "stat") || strings.Contains(lower, "info"):
		info, err := os.Stat(target)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fabric.Errorf(fabric.KindNotFound, op, "path %s not found", rel)
			}
			return nil, fabric.E(fabric.KindUpstreamFailure, op, err)
		}
		return map[string]any{
			"name":     info.Name(),
			"size":     info.Size(),
			"is_dir":   info.IsDir(),
			"modified": info.ModTime().UTC(),
		}, nil

	default:
		f, err := os.Open(target)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fabric.Errorf(fabric.KindNotFound, op, "path %s not found", rel)
			}
			return nil, fabric.E(fabric.KindUpstreamFailure, op, err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxFileBytes))
		if err != nil {
			return nil, fabric.E(fabric.KindUpstreamFailure, op, err)
		}
		return string(data), nil
	}
}

// validatePath enforces the filesystem sandbox: relative, no traversal,
// extension in the allowlist (directories pass).
func validatePath(rel string, cfg *ServerConfig) error {
	const op = "mcp.validatePath"
	if filepath.IsAbs(rel) {
		return fabric.E(fabric.KindSandboxViolation, op, "path must be relative")
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == ".." {
			return fabric.E(fabric.KindSandboxViolation, op, "path must not traverse upward")
		}
	}
	ext := filepath.Ext(rel)
	if ext == "" {
		return nil
	}
	allowed := cfg.AllowedExtensions
	if len(allowed) == 0 {
		allowed = defaultExtensions
	}
	for _, a := range allowed {
		if strings.EqualFold(a, ext) {
			return nil
		}
	}
	return fabric.Errorf(fabric.KindSandboxViolation, op, "extension %s not allowed", ext)
}

// --- web backend ---

type httpFetcher struct {
	client *http.Client
}

func newHTTPFetcher() *httpFetcher {
	return &httpFetcher{client: &http.Client{}}
}

// execWeb fetches a URL with the response capped, honoring network
// isolation.
func (r *Registry) execWeb(ctx context.Context, cfg *ServerConfig, req *Request) (any, error) {
	const op = "mcp.execWeb"

	raw, _ := req.Parameters["url"].(string)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fabric.Errorf(fabric.KindSandboxViolation, op, "url scheme must be http or https")
	}
	if cfg.Sandbox.NetworkIsolation && isInternalHost(u.Hostname()) {
		return nil, fabric.Errorf(fabric.KindSandboxViolation, op, "host %s blocked by network isolation", u.Hostname())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, fabric.E(fabric.KindInvalidInput, op, err)
	}
	resp, err := r.web.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fabric.E(fabric.KindTimeout, op, "fetch timed out", err)
		}
		return nil, fabric.E(fabric.KindUpstreamFailure, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fabric.E(fabric.KindUpstreamFailure, op, err)
	}
	var decoded any
	if json.Unmarshal(data, &decoded) != nil {
		decoded = string(data)
	}
	return map[string]any{"status": resp.StatusCode, "body": decoded}, nil
}

// isInternalHost reports whether a hostname points at loopback, link-local,
// or RFC1918 space.
func isInternalHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// --- database backend ---

// execDatabase runs one read-only statement: keyword filter up front, then
// a read-only transaction as the backstop.
func (r *Registry) execDatabase(ctx context.Context, res *store.Resource, cfg *ServerConfig, req *Request) (any, error) {
	const op = "mcp.execDatabase"

	query, _ := req.Parameters["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fabric.E(fabric.KindInvalidInput, op, "query is required")
	}
	if kw := blockedKeyword(query); kw != "" {
		return nil, fabric.Errorf(fabric.KindSandboxViolation, op, "query contains blocked keyword %s", kw)
	}

	db, err := r.openDB(res.ID, cfg.ServerURL)
	if err != nil {
		return nil, fabric.E(fabric.KindUpstreamFailure, op, err)
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fabric.E(fabric.KindUpstreamFailure, op, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fabric.E(fabric.KindTimeout, op, "query timed out", err)
		}
		return nil, fabric.E(fabric.KindUpstreamFailure, op, err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// blockedKeyword returns the first blocked keyword a statement contains.
func blockedKeyword(query string) string {
	upper := strings.ToUpper(query)
	fields := strings.FieldsFunc(upper, func(r rune) bool {
		return !(r == '_' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	for _, kw := range blockedSQLKeywords {
		if strings.HasSuffix(kw, "_") {
			if strings.Contains(upper, kw) {
				return kw
			}
			continue
		}
		for _, f := range fields {
			if f == kw {
				return kw
			}
		}
	}
	return ""
}

// openDB returns the pooled handle for one database server, opening it on
// first use. The driver comes from the DSN scheme: pgx for postgres,
// go-sql-driver for mysql.
func (r *Registry) openDB(serverID, dsn string) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.dbs[serverID]; ok {
		return db, nil
	}

	driver := "pgx"
	if strings.HasPrefix(dsn, "mysql://") {
		driver = "mysql"
		dsn = strings.TrimPrefix(dsn, "mysql://")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	r.dbs[serverID] = db
	return db, nil
}

// scanRows converts a result set to a row list, capped at maxQueryRows.
func scanRows(rows *sql.Rows) (any, error) {
	const op = "mcp.scanRows"
	columns, err := rows.Columns()
	if err != nil {
		return nil, fabric.E(fabric.KindUpstreamFailure, op, err)
	}

	out := make([]map[string]any, 0, 16)
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() && len(out) < maxQueryRows {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fabric.E(fabric.KindUpstreamFailure, op, err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fabric.E(fabric.KindUpstreamFailure, op, err)
	}
	return out, nil
}
