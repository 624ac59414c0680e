package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type imageGenerateRequest struct {
	endpointRequest
	Prompt       string `json:"prompt"`
	ProviderURL  string `json:"provider_url"`
}

func (s *Server) handleImageGenerate(w http.ResponseWriter, r *http.Request, body []byte) {
	var req imageGenerateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	maxPrompt := s.cfg.MaxPromptChars
	if maxPrompt <= 0 {
		maxPrompt = 8000
	}
	if req.Prompt == "" || len([]rune(req.Prompt)) > maxPrompt {
		writeError(w, http.StatusBadRequest, "prompt missing or exceeds the character cap")
		return
	}
	if req.ProviderURL == "" {
		writeError(w, http.StatusBadRequest, "provider_url required")
		return
	}

	resp, err := s.forward(r.Context(), req.ProviderURL, body)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Close()
	io.Copy(w, resp)
}

type ttsSpeakRequest struct {
	endpointRequest
	Text        string `json:"text"`
	ProviderURL string `json:"provider_url"`
}

func (s *Server) handleTTSSpeak(w http.ResponseWriter, r *http.Request, body []byte) {
	var req ttsSpeakRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	maxTTS := s.cfg.MaxTTSChars
	if maxTTS <= 0 {
		maxTTS = 4000
	}
	if req.Text == "" || len([]rune(req.Text)) > maxTTS {
		writeError(w, http.StatusBadRequest, "text missing or exceeds the character cap")
		return
	}
	if req.ProviderURL == "" {
		writeError(w, http.StatusBadRequest, "provider_url required")
		return
	}

	resp, err := s.forward(r.Context(), req.ProviderURL, body)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Close()
	io.Copy(w, resp)
}

type transcribeRequest struct {
	endpointRequest
	MediaPath   string `json:"media_path"`
	ProviderURL string `json:"provider_url"`
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request, body []byte) {
	var req transcribeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	maxPath := s.cfg.MaxPathChars
	if maxPath <= 0 {
		maxPath = 4096
	}
	if req.MediaPath == "" || len(req.MediaPath) > maxPath {
		writeError(w, http.StatusBadRequest, "media_path missing or exceeds the character cap")
		return
	}
	resolved, err := resolveMediaPath(req.MediaPath, s.cfg.MediaRoots)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if req.ProviderURL == "" {
		writeError(w, http.StatusBadRequest, "provider_url required")
		return
	}

	f, err := os.Open(resolved)
	if err != nil {
		writeError(w, http.StatusNotFound, "media file not found")
		return
	}
	defer f.Close()

	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, req.ProviderURL, f)
	if err != nil {
		writeError(w, http.StatusBadGateway, "could not build provider request")
		return
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	resp, err := s.fetchGuard.Client().Do(httpReq)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()
	io.Copy(w, resp.Body)
}

type fetchAttachmentRequest struct {
	endpointRequest
	URL      string `json:"url"`
	DestRoot string `json:"dest_root"`
}

func (s *Server) handleFetchAttachment(w http.ResponseWriter, r *http.Request, body []byte) {
	var req fetchAttachmentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}

	destRoots := s.cfg.MediaRoots
	destDir := req.DestRoot
	if destDir == "" && len(destRoots) > 0 {
		destDir = destRoots[0]
	}
	if _, err := resolveMediaPath(destDir, destRoots); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, req.URL, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	resp, err := s.fetchGuard.Client().Do(httpReq)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	destPath := filepath.Join(destDir, uuid.NewString())
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create destination file")
		return
	}
	defer out.Close()

	limited := &LimitedReader{R: resp.Body, N: s.fetchGuard.MaxBytes}
	if _, err := io.Copy(out, limited); err != nil {
		os.Remove(destPath)
		writeError(w, http.StatusBadGateway, "download exceeded the size cap or failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": destPath})
}

type urlSummarizeRequest struct {
	endpointRequest
	URL         string `json:"url"`
	ProviderURL string `json:"provider_url"`
}

func (s *Server) handleURLSummarize(w http.ResponseWriter, r *http.Request, body []byte) {
	var req urlSummarizeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.URL == "" || req.ProviderURL == "" {
		writeError(w, http.StatusBadRequest, "url and provider_url required")
		return
	}

	fetchReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, req.URL, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	pageResp, err := s.fetchGuard.Client().Do(fetchReq)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer pageResp.Body.Close()

	limited := &LimitedReader{R: pageResp.Body, N: s.fetchGuard.MaxBytes}
	page, err := io.ReadAll(limited)
	if err != nil {
		writeError(w, http.StatusBadGateway, "fetched page exceeded the size cap")
		return
	}

	summarizeBody, _ := json.Marshal(map[string]string{"content": string(page)})
	resp, err := s.forward(r.Context(), req.ProviderURL, summarizeBody)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Close()
	io.Copy(w, resp)
}

// forward performs the actual outbound call for an opaque capability
// provider: a generic JSON POST through the fetch-guarded client. The
// provider APIs themselves are out of kernel scope (§1 non-goals) — this
// is the mediation boundary, not a provider SDK.
func (s *Server) forward(ctx context.Context, url string, body []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.fetchGuard.Client().Do(req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
