package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type providerProxyRequest struct {
	endpointRequest
	ProviderID string `json:"provider_id"`
	BaseURL    string `json:"base_url"`
	Path       string `json:"path"`
}

// handleProviderProxy is the OAuth-provider proxy endpoint (§4.K): it
// validates the configured base URL belongs to a known provider id, fetches
// an access token from the vault daemon, then performs the outbound call
// with DNS-pinning and redirect validation (FetchGuard), streaming the
// response body to a media file with a running size check.
func (s *Server) handleProviderProxy(w http.ResponseWriter, r *http.Request, body []byte) {
	var req providerProxyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.ProviderID == "" || req.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "provider_id and base_url required")
		return
	}
	if !knownProvider(req.ProviderID, s.cfg.KnownProviders) {
		writeError(w, http.StatusForbidden, "unknown provider id")
		return
	}

	parsed, err := url.Parse(req.BaseURL)
	if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		writeError(w, http.StatusBadRequest, "invalid base_url")
		return
	}
	target := parsed.JoinPath(req.Path).String()

	if s.deps.Vault == nil {
		writeError(w, http.StatusInternalServerError, "vault client not configured")
		return
	}
	token, err := s.deps.Vault.Token(r.Context(), req.ProviderID, req.ActorID)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("could not obtain provider token: %v", err))
		return
	}

	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proxy target")
		return
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.fetchGuard.Client().Do(httpReq)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	maxBytes := s.cfg.ProviderProxyMaxBytes
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}

	destDir := ""
	if len(s.cfg.MediaRoots) > 0 {
		destDir = s.cfg.MediaRoots[0]
	}
	if _, err := resolveMediaPath(destDir, s.cfg.MediaRoots); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	destPath := filepath.Join(destDir, uuid.NewString())
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create destination file")
		return
	}
	defer out.Close()

	limited := &LimitedReader{R: resp.Body, N: maxBytes}
	written := int64(0)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := limited.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				os.Remove(destPath)
				writeError(w, http.StatusInternalServerError, "write failed")
				return
			}
			written += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			os.Remove(destPath)
			writeError(w, http.StatusBadGateway, "streamed body exceeded the size cap or failed")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"path": destPath, "bytes": written})
}

func knownProvider(id string, known []string) bool {
	if len(known) == 0 {
		return false
	}
	for _, k := range known {
		if k == id {
			return true
		}
	}
	return false
}
