package mcpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/verdant/internal/assets"
	"github.com/starford/verdant/internal/docmerge"
	"github.com/starford/verdant/internal/models"
	"github.com/starford/verdant/internal/schema"
)

const maxDownloadSize = 10 << 20 // 10 MB

// fetchFunc downloads an image and reports its media type.
type fetchFunc func(ctx context.Context, rawURL string) ([]byte, string, error)

func (s *Server) attachImage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, kind, err := scope(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rawURL, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	spec, err := s.svc.Spec(kind)
	if err != nil {
		return toolError(err), nil
	}
	var target *schema.ImageTarget
	for i := range spec.Images {
		if spec.Images[i].Path == path {
			target = &spec.Images[i]
			break
		}
	}
	if target == nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s has no image key %q", kind, path)), nil
	}

	data, mediaType, err := s.fetch(ctx, rawURL)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	uri := "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
	if _, err := assets.Decode(uri); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	value := any(uri)
	if cur, ok := s.currentList(ctx, kind, id, path); ok {
		var item any = uri
		if target.Field != "" {
			item = map[string]any{target.Field: uri}
		}
		value = append(cur, item)
	}

	rec, err := s.update(ctx, kind, id, docmerge.Patch(path, value))
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(rec)
}

// currentList returns a copy of the list stored at path, if path holds a
// list in the current record.
func (s *Server) currentList(ctx context.Context, kind models.Kind, id, path string) ([]any, bool) {
	rec, err := s.svc.Get(ctx, kind, id)
	if err != nil {
		return nil, false
	}
	v, ok := docmerge.Get(rec.Document, path)
	if !ok {
		return nil, false
	}
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	return append([]any(nil), items...), true
}

// fetchHTTP downloads a file from an HTTP/HTTPS URL with security checks.
func fetchHTTP(ctx context.Context, rawURL string) ([]byte, string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported scheme: %s (only http/https)", parsed.Scheme)
	}
	if err := checkBlockedHost(parsed.Hostname()); err != nil {
		return nil, "", err
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (max 5)")
			}
			return checkBlockedHost(req.URL.Hostname())
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body failed: %w", err)
	}
	if len(data) > maxDownloadSize {
		return nil, "", fmt.Errorf("file too large: exceeds %d bytes", maxDownloadSize)
	}

	mediaType := strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = strings.Split(http.DetectContentType(data), ";")[0]
	}
	return data, mediaType, nil
}

// checkBlockedHost rejects hosts that resolve to loopback, private,
// link-local or unspecified addresses, including cloud metadata endpoints.
// Every resolved address must be public.
func checkBlockedHost(host string) error {
	if host == "metadata.google.internal" {
		return fmt.Errorf("blocked host: %s", host)
	}

	ips := []net.IP{net.ParseIP(host)}
	if ips[0] == nil {
		resolved, lookupErr := net.LookupIP(host)
		if lookupErr != nil || len(resolved) == 0 {
			return nil //nolint:nilerr // let http.Client handle DNS failures
		}
		ips = resolved
	}

	for _, ip := range ips {
		switch {
		case ip.IsLoopback():
			return fmt.Errorf("blocked host: loopback address %s", host)
		case ip.IsPrivate():
			return fmt.Errorf("blocked host: private address %s", host)
		case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
			return fmt.Errorf("blocked host: link-local address %s", host)
		case ip.IsUnspecified():
			return fmt.Errorf("blocked host: unspecified address %s", host)
		}
	}
	return nil
}
